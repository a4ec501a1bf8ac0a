package emit

// NullEmitter discards all events. It is the default when an engine is
// built without an emitter, and useful in tests that do not assert on
// observability output.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}

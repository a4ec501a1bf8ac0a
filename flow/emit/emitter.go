package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be:
//   - Non-blocking: never slow down node execution
//   - Thread-safe: may be called concurrently from nodes in one wave and
//     from multiple executions
//   - Resilient: backend failures are swallowed, never propagated into the
//     execution
type Emitter interface {
	// Emit sends an event to the configured backend. Emit must not panic;
	// errors are handled internally.
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit delivers the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

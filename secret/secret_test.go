package secret

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestStaticStore(t *testing.T) {
	ctx := context.Background()
	s := NewStaticStore()
	s.Set("u1", "openai", "sk-user")
	s.Set("*", "anthropic", "sk-global")

	t.Run("per-user key", func(t *testing.T) {
		key, err := s.GetKey(ctx, "u1", "openai")
		if err != nil || key != "sk-user" {
			t.Fatalf("GetKey = %q, %v", key, err)
		}
	})

	t.Run("provider lookup is case-insensitive", func(t *testing.T) {
		key, err := s.GetKey(ctx, "u1", "OpenAI")
		if err != nil || key != "sk-user" {
			t.Fatalf("GetKey = %q, %v", key, err)
		}
	})

	t.Run("global fallback", func(t *testing.T) {
		key, err := s.GetKey(ctx, "u2", "anthropic")
		if err != nil || key != "sk-global" {
			t.Fatalf("GetKey = %q, %v", key, err)
		}
	})

	t.Run("per-user key wins over global", func(t *testing.T) {
		s.Set("u1", "anthropic", "sk-mine")
		key, err := s.GetKey(ctx, "u1", "anthropic")
		if err != nil || key != "sk-mine" {
			t.Fatalf("GetKey = %q, %v", key, err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, err := s.GetKey(ctx, "u1", "gemini"); !errors.Is(err, ErrKeyNotFound) {
			t.Fatalf("err = %v, want ErrKeyNotFound", err)
		}
	})
}

func TestBox(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	box, err := NewBox(key)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	t.Run("seal and open roundtrip", func(t *testing.T) {
		sealed, err := box.Seal("sk-very-secret")
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if strings.Contains(sealed, "sk-very-secret") {
			t.Error("ciphertext contains plaintext")
		}
		opened, err := box.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if opened != "sk-very-secret" {
			t.Errorf("opened = %q", opened)
		}
	})

	t.Run("sealing is randomized", func(t *testing.T) {
		a, _ := box.Seal("same")
		b, _ := box.Seal("same")
		if a == b {
			t.Error("two seals of the same plaintext are identical")
		}
	})

	t.Run("tampered ciphertext rejected", func(t *testing.T) {
		sealed, _ := box.Seal("payload")
		raw := []byte(sealed)
		raw[len(raw)-5] ^= 1
		if _, err := box.Open(string(raw)); err == nil {
			t.Error("tampered ciphertext opened")
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		other, err := NewBox(bytes.Repeat([]byte{0x7f}, 32))
		if err != nil {
			t.Fatalf("NewBox: %v", err)
		}
		sealed, _ := box.Seal("payload")
		if _, err := other.Open(sealed); err == nil {
			t.Error("wrong key opened ciphertext")
		}
	})

	t.Run("malformed inputs rejected", func(t *testing.T) {
		if _, err := box.Open("not base64!!"); err == nil {
			t.Error("invalid base64 accepted")
		}
		if _, err := box.Open("QQ=="); err == nil {
			t.Error("short ciphertext accepted")
		}
	})

	t.Run("key length enforced", func(t *testing.T) {
		if _, err := NewBox([]byte("short")); err == nil {
			t.Error("short key accepted")
		}
	})
}

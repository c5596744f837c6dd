package tokens

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v; want ErrNotFound", err)
	}

	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("Get = %q; want v1", got)
	}

	// Returned slice is a copy; mutating it must not corrupt the store.
	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	if !bytes.Equal(again, []byte("v1")) {
		t.Errorf("store value mutated through returned slice")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v; want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("second Delete error: %v", err)
	}
}

func TestSealedStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{7}, 32)
	inner := NewMemoryStore()
	s, err := NewSealedStore(inner, key)
	if err != nil {
		t.Fatalf("NewSealedStore error: %v", err)
	}

	plain := []byte(`{"access_token":"secret"}`)
	if err := s.Set(ctx, "cred", plain); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	// The inner store must never see plaintext.
	raw, err := inner.Get(ctx, "cred")
	if err != nil {
		t.Fatalf("inner Get error: %v", err)
	}
	if bytes.Contains(raw, []byte("secret")) {
		t.Errorf("inner store holds plaintext")
	}

	got, err := s.Get(ctx, "cred")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %q; want %q", got, plain)
	}
}

func TestSealedStore_TamperDetected(t *testing.T) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{7}, 32)
	inner := NewMemoryStore()
	s, _ := NewSealedStore(inner, key)

	if err := s.Set(ctx, "cred", []byte("payload")); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	raw, _ := inner.Get(ctx, "cred")
	raw[len(raw)-1] ^= 0xff
	_ = inner.Set(ctx, "cred", raw)

	if _, err := s.Get(ctx, "cred"); err == nil {
		t.Errorf("expected error opening tampered value")
	}
}

func TestSealedStore_BadKey(t *testing.T) {
	if _, err := NewSealedStore(NewMemoryStore(), []byte("short")); err == nil {
		t.Errorf("expected error for wrong key size")
	}
}

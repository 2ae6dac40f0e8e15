package auth

import (
	"context"
	"errors"
	"testing"
)

func TestStaticIdentity_AcceptsAnyKeyWithoutAllowList(t *testing.T) {
	id := NewStaticIdentity(nil)

	c, err := id.Resolve(context.Background(), "sk-abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.OwnerKey != "sk-abc" {
		t.Errorf("OwnerKey = %q", c.OwnerKey)
	}
	if c.ID != "caller_"+Fingerprint("sk-abc") {
		t.Errorf("ID = %q", c.ID)
	}
}

func TestStaticIdentity_RejectsEmptyKey(t *testing.T) {
	_, err := NewStaticIdentity(nil).Resolve(context.Background(), "")
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestStaticIdentity_AllowList(t *testing.T) {
	id := NewStaticIdentity([]string{"good", " ", ""})

	if _, err := id.Resolve(context.Background(), "good"); err != nil {
		t.Fatalf("listed key rejected: %v", err)
	}
	if _, err := id.Resolve(context.Background(), "bad"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("secret")
	if len(a) != 16 {
		t.Fatalf("fingerprint length = %d, want 16", len(a))
	}
	if a != Fingerprint("secret") {
		t.Error("fingerprint must be deterministic")
	}
	if a == Fingerprint("Secret") {
		t.Error("different inputs should produce different fingerprints")
	}
}

func TestParseBearer(t *testing.T) {
	tests := map[string]string{
		"Bearer sk-1":     "sk-1",
		"bearer   sk-2  ": "sk-2",
		"Basic abc":       "",
		"sk-3":            "",
		"":                "",
		"Bearer ":         "",
	}
	for in, want := range tests {
		if got := ParseBearer(in); got != want {
			t.Errorf("ParseBearer(%q) = %q, want %q", in, got, want)
		}
	}
}

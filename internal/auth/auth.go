// Package auth resolves owner keys (the bearer tokens callers present) into
// caller identities.
//
// Registration, login, key issuance and revocation live in a separate
// service; the gateway only needs the Identity contract below to reject
// unknown keys before any credential or session work starts.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMissingKey is returned when no owner key was presented.
	ErrMissingKey = errors.New("auth: missing owner key")
	// ErrUnknownKey is returned for keys the identity provider rejects.
	ErrUnknownKey = errors.New("auth: unknown owner key")
)

// Caller is the resolved identity behind an owner key.
type Caller struct {
	// ID is a stable identifier safe to log.
	ID string
	// OwnerKey is the raw bearer token. Never log it.
	OwnerKey string
}

// Identity resolves an owner key into a Caller.
type Identity interface {
	Resolve(ctx context.Context, ownerKey string) (Caller, error)
}

// StaticIdentity accepts every non-empty owner key, or only the keys in its
// allow-list when one is configured.
type StaticIdentity struct {
	allowed map[string]struct{}
}

// NewStaticIdentity builds a StaticIdentity. An empty allow-list accepts any
// non-empty key.
func NewStaticIdentity(allowList []string) *StaticIdentity {
	si := &StaticIdentity{}
	for _, k := range allowList {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if si.allowed == nil {
			si.allowed = make(map[string]struct{})
		}
		si.allowed[k] = struct{}{}
	}
	return si
}

func (s *StaticIdentity) Resolve(_ context.Context, ownerKey string) (Caller, error) {
	if ownerKey == "" {
		return Caller{}, ErrMissingKey
	}
	if s.allowed != nil {
		if _, ok := s.allowed[ownerKey]; !ok {
			return Caller{}, ErrUnknownKey
		}
	}
	return Caller{ID: "caller_" + Fingerprint(ownerKey), OwnerKey: ownerKey}, nil
}

// Fingerprint returns a short, non-reversible identifier for a secret value:
// the first 16 hex characters of its SHA-256. Used for log fields and
// storage keys so raw owner keys and credentials never leave memory.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. Returns "" when the header is malformed.
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package bastion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Identity is the pseudonymous key the penalty ladder and pattern
// detectors track. Exactly one variant is set per request: an
// externally-authenticated user ID, or a device fingerprint hash for
// unauthenticated callers. The zero Identity means neither could be
// resolved and identity-based tracking is skipped for the request.
type Identity struct {
	UserID      string
	Fingerprint string
}

// IsAuthenticated reports whether the identity carries a trusted user ID.
func (id Identity) IsAuthenticated() bool { return id.UserID != "" }

// IsZero reports whether no identity was resolved.
func (id Identity) IsZero() bool { return id.UserID == "" && id.Fingerprint == "" }

// Key returns the tracking key for this identity, or "" when unresolved.
func (id Identity) Key() string {
	switch {
	case id.UserID != "":
		return "user:" + id.UserID
	case id.Fingerprint != "":
		return "fp:" + id.Fingerprint
	default:
		return ""
	}
}

// FingerprintSignals are the request attributes hashed into a device
// fingerprint. SessionID is mandatory; the remaining signals make the
// fingerprint harder to spoof than any single header while staying
// stable across requests from the same browser tab.
type FingerprintSignals struct {
	SessionID       string
	UserAgent       string
	AcceptLanguage  string
	AcceptEncoding  string
	DeviceSignature string
}

// ResolveFingerprint derives the stable fingerprint hash for an
// unauthenticated caller. Without a session ID no identity can be
// resolved and tracking is skipped (fail open), so it returns "".
func ResolveFingerprint(sig FingerprintSignals) string {
	if sig.SessionID == "" {
		return ""
	}

	source := fmt.Sprintf("%s_%s_%s_%s_%s",
		sig.SessionID,
		orUnknown(sig.UserAgent),
		orUnknown(sig.AcceptLanguage),
		orUnknown(sig.AcceptEncoding),
		orUnknown(sig.DeviceSignature),
	)
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

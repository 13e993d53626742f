package bastion

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer issues and verifies HMAC-SHA256 signatures over device
// fingerprints. The frontend obtains a signature from the signing
// endpoint and presents it on protected requests; a mismatch means the
// fingerprint was tampered with. Enforcement is soft: requests without
// signature material skip validation entirely, so older clients keep
// working, while presented-but-wrong signatures are rejected.
type Signer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. maxAge bounds signature replay; signatures
// whose timestamp is further than maxAge from server time are stale.
func NewSigner(secret string, maxAge time.Duration) *Signer {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Signer{secret: key, maxAge: maxAge, now: time.Now}
}

// Configured reports whether a signing secret is available.
func (s *Signer) Configured() bool { return len(s.secret) > 0 }

// Sign produces the signature and server-side timestamp for a device
// fingerprint.
func (s *Signer) Sign(fingerprint string) (signature, timestamp string, err error) {
	if !s.Configured() {
		return "", "", ErrNoSecret
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return s.compute(fingerprint, ts), ts, nil
}

// Verify recomputes the expected HMAC for (fingerprint, timestamp) and
// compares in constant time. Timestamps outside the replay window are
// rejected as stale before any comparison.
func (s *Signer) Verify(fingerprint, signature, timestamp string) error {
	if !s.Configured() {
		return ErrNoSecret
	}
	if fingerprint == "" || signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature material", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}

	age := s.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > s.maxAge {
		return fmt.Errorf("%w: age %ds", ErrStaleSignature, age)
	}

	expected := s.compute(fingerprint, timestamp)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Signer) compute(fingerprint, timestamp string) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s", fingerprint, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

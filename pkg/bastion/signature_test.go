package bastion

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "3f2a1b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e3f2a"

func fixedSigner(secret string, at time.Time) *Signer {
	s := NewSigner(secret, 2*time.Minute)
	s.now = func() time.Time { return at }
	return s
}

func TestSigner_SignAndVerify(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedSigner("top-secret", at)

	sig, ts, err := s.Sign(testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(at.Unix(), 10), ts)
	assert.NoError(t, s.Verify(testFingerprint, sig, ts))
}

func TestSigner_ReplayWindow(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedSigner("top-secret", at)
	sig, ts, err := s.Sign(testFingerprint)
	require.NoError(t, err)

	tests := []struct {
		name    string
		skew    time.Duration
		wantErr error
	}{
		{name: "just inside the window", skew: 119 * time.Second, wantErr: nil},
		{name: "at the window edge", skew: 120 * time.Second, wantErr: nil},
		{name: "just past the window", skew: 121 * time.Second, wantErr: ErrStaleSignature},
		{name: "client clock ahead of server", skew: -121 * time.Second, wantErr: ErrStaleSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.now = func() time.Time { return at.Add(tt.skew) }
			err := s.Verify(testFingerprint, sig, ts)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSigner_RejectsTampering(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedSigner("top-secret", at)
	sig, ts, err := s.Sign(testFingerprint)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Verify("other-fingerprint", sig, ts), ErrBadSignature)
	assert.ErrorIs(t, s.Verify(testFingerprint, sig+"00", ts), ErrBadSignature)
	assert.ErrorIs(t, s.Verify(testFingerprint, sig, "not-a-number"), ErrBadSignature)
	assert.ErrorIs(t, s.Verify(testFingerprint, "", ts), ErrBadSignature)
}

func TestSigner_SignaturesDifferAcrossSecrets(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sigA, _, err := fixedSigner("secret-a", at).Sign(testFingerprint)
	require.NoError(t, err)
	sigB, _, err := fixedSigner("secret-b", at).Sign(testFingerprint)
	require.NoError(t, err)
	assert.NotEqual(t, sigA, sigB)
}

func TestSigner_Unconfigured(t *testing.T) {
	s := NewSigner("", 2*time.Minute)
	assert.False(t, s.Configured())

	_, _, err := s.Sign(testFingerprint)
	assert.ErrorIs(t, err, ErrNoSecret)
	assert.ErrorIs(t, s.Verify(testFingerprint, "sig", "0"), ErrNoSecret)
}

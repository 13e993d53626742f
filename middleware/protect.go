// Package middleware adapts the protection pipeline to gin.
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/pkg/bastion"
)

// HeaderUserID carries the user id set by an upstream auth layer.
const HeaderUserID = "X-User-ID"

// IdentityKey is the gin context key carrying the resolved identity for
// downstream handlers.
const IdentityKey = "bastion.identity"

// maxInspectedBody caps how much request body the pattern detector reads.
const maxInspectedBody = 64 << 10

// bodyFields are the identity and signature fields clients send in the
// JSON body of protected requests.
type bodyFields struct {
	SessionID            string `json:"session_id"`
	DeviceFingerprint    string `json:"device_fingerprint"`
	FingerprintSignature string `json:"fingerprint_signature"`
	FingerprintTimestamp string `json:"fingerprint_timestamp"`
}

// Protect returns a gin middleware running every request through the
// pipeline. Rejected requests are answered with the pipeline's status and
// message and never reach the handler.
func Protect(pipe *bastion.Pipeline, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := extractRequest(c, log)
		decision := pipe.Check(c.Request.Context(), req)
		if !decision.Allowed {
			c.AbortWithStatusJSON(decision.Status, gin.H{"error": decision.Message})
			return
		}
		if key := decision.Identity.Key(); key != "" {
			c.Set(IdentityKey, key)
		}
		c.Next()
	}
}

func extractRequest(c *gin.Context, log zerolog.Logger) *bastion.Request {
	body := peekBody(c, log)

	var fields bodyFields
	if body != "" && strings.Contains(c.ContentType(), "json") {
		// Malformed JSON just means no identity fields; the raw body is
		// still inspected for injection patterns.
		_ = json.Unmarshal([]byte(body), &fields)
	}
	// A query-supplied session id wins over the body field.
	if sid := c.Query("session_id"); sid != "" {
		fields.SessionID = sid
	}

	return &bastion.Request{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		ClientIP: clientIP(c),
		Body:     body,
		UserID:   c.GetHeader(HeaderUserID),
		Headers: bastion.BrowserHeaders{
			UserAgent:      c.GetHeader("User-Agent"),
			Accept:         c.GetHeader("Accept"),
			AcceptLanguage: c.GetHeader("Accept-Language"),
			AcceptEncoding: c.GetHeader("Accept-Encoding"),
		},
		SessionID:          fields.SessionID,
		DeviceSignature:    fields.DeviceFingerprint,
		Signature:          fields.FingerprintSignature,
		SignatureTimestamp: fields.FingerprintTimestamp,
	}
}

// clientIP prefers the first X-Forwarded-For hop, matching what the
// fronting proxy records, and falls back to gin's remote address logic.
func clientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.ClientIP()
}

// peekBody reads the request body for pattern inspection and restores it
// so the handler can read it again.
func peekBody(c *gin.Context, log zerolog.Logger) string {
	if c.Request.Body == nil {
		return ""
	}
	body := c.Request.Body
	data, err := io.ReadAll(io.LimitReader(body, maxInspectedBody))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read request body for inspection")
		return ""
	}
	// Bodies above the inspection cap keep their tail unread; stitch it
	// back behind the inspected prefix.
	c.Request.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), body), body}
	return string(data)
}

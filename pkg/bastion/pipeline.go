package bastion

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/store"
)

// Rejection reasons surfaced on Decision and on metrics labels.
const (
	ReasonAllowed       = "allowed"
	ReasonExempt        = "exempt"
	ReasonIPLimit       = "ip_rate_limit"
	ReasonBot           = "bot_detected"
	ReasonLockdown      = "system_lockdown"
	ReasonGlobalLimit   = "global_rate_limit"
	ReasonBadSignature  = "invalid_signature"
	ReasonInjection     = "prompt_injection"
	ReasonDoS           = "dos_pattern"
	ReasonEndpointLimit = "endpoint_rate_limit"
	ReasonBanned        = "session_banned"
)

// Client-facing rejection messages. Deliberately vague about which layer
// fired so probing the pipeline yields as little as possible.
const (
	msgIPLimit     = "Too many requests from your IP address."
	msgBot         = "Access denied."
	msgLockdown    = "System is currently offline due to high load. Please try again later."
	msgGlobalLimit = "System is experiencing extreme high traffic. Please try again shortly."
	msgSignature   = "Invalid request signature."
	msgInjection   = "Malicious input detected."
	msgDoS         = "Request pattern blocked."
	msgEndpoint    = "Too many requests for this specific endpoint. Please try again in a moment."
	msgNewBan      = "Too many requests. This session is temporarily banned for 1 hour."
	msgExistingBan = "This session is temporarily banned due to excessive requests. Try again in a moment."
)

// Request carries everything the pipeline inspects, extracted from the
// transport by the caller so the core stays framework-agnostic.
type Request struct {
	Method   string
	Path     string
	ClientIP string
	Body     string

	// UserID is set when an upstream auth layer already identified the
	// caller. It takes precedence over the device fingerprint.
	UserID string

	Headers BrowserHeaders

	SessionID       string
	DeviceSignature string

	// Signature material presented by the client, if any.
	Signature          string
	SignatureTimestamp string
}

// Decision is the pipeline's verdict on one request.
type Decision struct {
	Allowed  bool
	Status   int
	Reason   string
	Message  string
	Identity Identity
	// Burst marks an allowed request that landed above the endpoint
	// limit through the optimistic write race.
	Burst bool
}

func allow(reason string, id Identity) Decision {
	return Decision{Allowed: true, Status: http.StatusOK, Reason: reason, Identity: id}
}

func reject(status int, reason, message string, id Identity) Decision {
	return Decision{Status: status, Reason: reason, Message: message, Identity: id}
}

// Metrics receives pipeline observations. The prometheus-backed
// implementation lives in the metrics package; a nil-safe no-op is used
// when none is wired.
type Metrics interface {
	ObserveDecision(reason string, allowed bool)
	ObserveStrike(strikes int64)
	ObserveLockdown(locked bool)
	ObserveBan(tier string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(string, bool) {}
func (nopMetrics) ObserveStrike(int64)          {}
func (nopMetrics) ObserveLockdown(bool)         {}
func (nopMetrics) ObserveBan(string)            {}

// Pipeline chains every protection layer in fixed order, cheapest new
// information first. Each layer either rejects with its own status and
// message or passes the request to the next.
type Pipeline struct {
	cfg       *Config
	st        store.Store
	limiter   *RateLimiter
	breaker   *CircuitBreaker
	penalties *PenaltyTracker
	patterns  *PatternDetector
	signer    *Signer
	events    eventRecorder
	metrics   Metrics
	log       zerolog.Logger

	secret string
	clock  func() time.Time
}

// Check runs the full pipeline over one request.
func (p *Pipeline) Check(ctx context.Context, req *Request) Decision {
	d := p.check(ctx, req)
	p.metrics.ObserveDecision(d.Reason, d.Allowed)
	return d
}

func (p *Pipeline) check(ctx context.Context, req *Request) Decision {
	// CORS preflights and operational paths bypass everything, including
	// lockdown, so the system stays observable and recoverable.
	if req.Method == http.MethodOptions || p.cfg.IsExempt(req.Path) {
		return allow(ReasonExempt, Identity{})
	}

	ipHash := ""
	if req.ClientIP != "" {
		ipHash = HashIP(req.ClientIP)
	}

	if !p.limiter.AllowIP(ctx, req.ClientIP) {
		p.events.record(ctx, EventIPRateLimit, "", ipHash, map[string]string{"endpoint": req.Path})
		return reject(http.StatusTooManyRequests, ReasonIPLimit, msgIPLimit, Identity{})
	}

	if IsBotRequest(req.Headers) {
		p.events.record(ctx, EventBotDetected, "", ipHash, map[string]string{
			"endpoint":   req.Path,
			"user_agent": req.Headers.UserAgent,
		})
		return reject(http.StatusForbidden, ReasonBot, msgBot, Identity{})
	}

	// The global counter sees every request that got this far, accepted
	// or not, so the load picture stays honest during an attack.
	p.limiter.IncrementGlobal(ctx)

	if p.breaker.IsLocked(ctx) {
		p.metrics.ObserveLockdown(true)
		return reject(http.StatusServiceUnavailable, ReasonLockdown, msgLockdown, Identity{})
	}

	if !p.limiter.GlobalWithinLimit(ctx) {
		strikes, err := p.breaker.RecordStrike(ctx)
		if err == nil {
			p.metrics.ObserveStrike(strikes)
		}
		p.events.record(ctx, EventGlobalBreach, "", ipHash, map[string]string{
			"endpoint": req.Path,
			"strikes":  strconv.FormatInt(strikes, 10),
		})
		return reject(http.StatusTooManyRequests, ReasonGlobalLimit, msgGlobalLimit, Identity{})
	}

	id := p.resolveIdentity(req)

	if verdict, rejected := p.verifySignature(ctx, req, id, ipHash); rejected {
		return verdict
	}

	if !id.IsZero() {
		if verdict, rejected := p.checkPatterns(ctx, req, id, ipHash); rejected {
			return verdict
		}
	}

	scope := endpointScope(req.Path)
	res := p.limiter.AllowEndpoint(ctx, scope)
	if res.Burst {
		p.events.record(ctx, EventBurstAccepted, id.Key(), ipHash, map[string]string{
			"endpoint": scope,
			"count":    strconv.FormatInt(res.Count, 10),
		})
	}
	if !res.Allowed {
		return p.handleEndpointBreach(ctx, req, id, ipHash, scope)
	}

	return allow(ReasonAllowed, id)
}

func (p *Pipeline) resolveIdentity(req *Request) Identity {
	if req.UserID != "" {
		return Identity{UserID: req.UserID}
	}
	fp := ResolveFingerprint(FingerprintSignals{
		SessionID:       req.SessionID,
		UserAgent:       req.Headers.UserAgent,
		AcceptLanguage:  req.Headers.AcceptLanguage,
		AcceptEncoding:  req.Headers.AcceptEncoding,
		DeviceSignature: req.DeviceSignature,
	})
	return Identity{Fingerprint: fp}
}

// verifySignature enforces device-signature HMACs softly: validation only
// runs when a secret is configured and the client presented a device
// signature together with both signature fields. A presented-but-wrong
// signature is active tampering and is rejected outright.
func (p *Pipeline) verifySignature(ctx context.Context, req *Request, id Identity, ipHash string) (Decision, bool) {
	if p.signer == nil || !p.signer.Configured() {
		return Decision{}, false
	}
	if req.DeviceSignature == "" || req.Signature == "" || req.SignatureTimestamp == "" {
		return Decision{}, false
	}
	if err := p.signer.Verify(req.DeviceSignature, req.Signature, req.SignatureTimestamp); err != nil {
		p.events.record(ctx, EventTampering, id.Key(), ipHash, map[string]string{
			"endpoint": req.Path,
			"error":    err.Error(),
		})
		p.log.Warn().Err(err).Str("identity", id.Key()).Msg("fingerprint signature rejected")
		return reject(http.StatusUnauthorized, ReasonBadSignature, msgSignature, id), true
	}
	return Decision{}, false
}

func (p *Pipeline) checkPatterns(ctx context.Context, req *Request, id Identity, ipHash string) (Decision, bool) {
	if hit, pattern := ContainsInjection(req.Body); hit {
		p.events.record(ctx, EventInjectionAttempt, id.Key(), ipHash, map[string]string{
			"endpoint": req.Path,
			"pattern":  pattern,
		})
		// A lone suspicious phrase is recorded but served; only a run of
		// them inside the window earns the ban and the rejection.
		if p.patterns.RecordInjection(id.Key(), id.IsAuthenticated()) {
			p.penalties.ApplyStrikeOne(ctx, id.Key(), ipHash, "repeated prompt injection attempts")
			p.metrics.ObserveBan("strike_one")
			return reject(http.StatusForbidden, ReasonInjection, msgInjection, id), true
		}
		p.log.Warn().
			Str("identity", id.Key()).
			Str("pattern", pattern).
			Str("endpoint", req.Path).
			Msg("suspicious input pattern")
	}

	if p.patterns.RecordRequest(id.Key(), id.IsAuthenticated()) {
		p.events.record(ctx, EventDoSAttempt, id.Key(), ipHash, map[string]string{"endpoint": req.Path})
		p.penalties.ApplyStrikeOne(ctx, id.Key(), ipHash, "request flood pattern")
		p.metrics.ObserveBan("strike_one")
		return reject(http.StatusTooManyRequests, ReasonDoS, msgDoS, id), true
	}
	return Decision{}, false
}

// handleEndpointBreach turns a per-endpoint rejection into penalty ladder
// input when the caller has a trackable identity. Anonymous breaches are
// plain capacity rejections.
func (p *Pipeline) handleEndpointBreach(ctx context.Context, req *Request, id Identity, ipHash, scope string) Decision {
	p.events.record(ctx, EventRateLimitBreach, id.Key(), ipHash, map[string]string{"endpoint": scope})

	if id.IsZero() {
		return reject(http.StatusTooManyRequests, ReasonEndpointLimit, msgEndpoint, id)
	}

	switch p.penalties.RecordBreach(ctx, id.Key(), ipHash, scope) {
	case BreachStrikeOne:
		p.metrics.ObserveBan("strike_one")
		return reject(http.StatusTooManyRequests, ReasonBanned, msgNewBan, id)
	case BreachStrikeTwo:
		p.metrics.ObserveBan("strike_two")
		return reject(http.StatusTooManyRequests, ReasonBanned, msgExistingBan, id)
	case BreachQuarantined:
		p.metrics.ObserveBan("quarantine")
		return reject(http.StatusTooManyRequests, ReasonBanned, msgExistingBan, id)
	case BreachAlreadyBanned:
		return reject(http.StatusTooManyRequests, ReasonBanned, msgExistingBan, id)
	default:
		return reject(http.StatusTooManyRequests, ReasonEndpointLimit, msgEndpoint, id)
	}
}

// endpointScope derives the counter scope for a request path:
// "/api/chat" becomes "api_chat". The root path maps to "root".
func endpointScope(path string) string {
	scope := strings.ReplaceAll(path, "/", "_")
	scope = strings.TrimPrefix(scope, "_")
	if scope == "" {
		return "root"
	}
	return scope
}

package bastion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/store"
)

// Security event types emitted by the pipeline and penalty tracker.
const (
	EventIPRateLimit      = "IP_RATE_LIMIT_EXCEEDED"
	EventBotDetected      = "BOT_REQUEST_DETECTED"
	EventRateLimitBreach  = "RATE_LIMIT_BREACH"
	EventBurstAccepted    = "BURST_ACCEPTED"
	EventGlobalBreach     = "GLOBAL_RATE_LIMIT_EXCEEDED"
	EventInjectionAttempt = "PROMPT_INJECTION_ATTEMPT"
	EventDoSAttempt       = "DOS_ATTEMPT"
	EventTampering        = "FINGERPRINT_TAMPERING_DETECTED"
	EventStrikeOne        = "STRIKE_ONE_BAN_APPLIED"
	EventStrikeTwo        = "STRIKE_TWO_BAN_APPLIED"
	EventQuarantine       = "STRIKE_THREE_QUARANTINE_APPLIED"
	EventManualBan        = "MANUAL_BAN_APPLIED"
	EventManualUnban      = "MANUAL_UNBAN"
	EventSystemRestore    = "SYSTEM_RESTORED"
)

func eventSeverity(eventType string) string {
	switch eventType {
	case EventQuarantine, EventStrikeTwo, EventGlobalBreach, EventTampering:
		return "HIGH"
	case EventStrikeOne, EventInjectionAttempt, EventDoSAttempt, EventRateLimitBreach:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// eventRecorder wraps an EventSink with fire-and-forget semantics: the
// pipeline only ever appends events, and a sink failure is logged, never
// surfaced to the request.
type eventRecorder struct {
	sink store.EventSink
	log  zerolog.Logger
}

func (r eventRecorder) record(ctx context.Context, eventType, identity, ipHash string, details map[string]string) {
	if r.sink == nil {
		return
	}
	ev := store.SecurityEvent{
		ID:       uuid.NewString(),
		Type:     eventType,
		Identity: identity,
		IPHash:   ipHash,
		Details:  details,
		Severity: eventSeverity(eventType),
		At:       time.Now().UTC(),
	}
	if err := r.sink.AppendEvent(ctx, ev); err != nil {
		r.log.Error().Err(err).Str("event_type", eventType).Msg("failed to append security event")
	}
}

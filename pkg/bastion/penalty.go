package bastion

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/store"
)

// Penalty levels for a tracked identity.
const (
	LevelClear      = 0
	LevelStrikeOne  = 1
	LevelStrikeTwo  = 2
	LevelQuarantine = 3
)

// BreachOutcome reports what a recorded breach did to the identity's
// penalty state.
type BreachOutcome int

const (
	// BreachTracked means the breach was counted but no ban tier changed.
	BreachTracked BreachOutcome = iota
	// BreachAlreadyBanned means the identity was already under an active ban.
	BreachAlreadyBanned
	// BreachStrikeOne means the breach tripped the first-tier ban.
	BreachStrikeOne
	// BreachStrikeTwo means the breach escalated an active Strike-1 to Strike-2.
	BreachStrikeTwo
	// BreachQuarantined means the breach escalated the identity to a
	// permanent quarantine.
	BreachQuarantined
)

// PenaltyStatus describes the current ban tier of an identity.
type PenaltyStatus struct {
	Level     int
	Banned    bool
	ExpiresAt time.Time // zero for quarantine and for unbanned identities
}

// PenaltyStats is an aggregate snapshot used by the admin surface.
type PenaltyStats struct {
	TrackedIdentities int      `json:"tracked_identities"`
	StrikeOneActive   int      `json:"strike_one_active"`
	StrikeTwoActive   int      `json:"strike_two_active"`
	Quarantined       []string `json:"quarantined"`
}

// PenaltyTracker implements the three-strike escalation ladder. Breach
// history and timed bans live in process memory; only the terminal
// quarantine tier is persisted through the QuarantineStore so it survives
// restarts. All windows are trimmed lazily on access.
type PenaltyTracker struct {
	mu        sync.Mutex
	breaches  map[string][]time.Time // rate limit breaches per identity
	strikeOne map[string]time.Time   // identity -> ban expiry
	strikeTwo map[string]time.Time   // identity -> ban expiry
	strikeLog map[string][]time.Time // Strike-2 ban applications per identity
	permanent map[string]bool        // local quarantine cache

	quarantine store.QuarantineStore
	events     eventRecorder
	cfg        PenaltyConfig
	log        zerolog.Logger
	now        func() time.Time
}

// NewPenaltyTracker builds a tracker backed by the given quarantine store.
func NewPenaltyTracker(qs store.QuarantineStore, sink store.EventSink, cfg PenaltyConfig, log zerolog.Logger) *PenaltyTracker {
	return &PenaltyTracker{
		breaches:   make(map[string][]time.Time),
		strikeOne:  make(map[string]time.Time),
		strikeTwo:  make(map[string]time.Time),
		strikeLog:  make(map[string][]time.Time),
		permanent:  make(map[string]bool),
		quarantine: qs,
		events:     eventRecorder{sink: sink, log: log},
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// SetClock overrides the tracker's time source. Tests only.
func (p *PenaltyTracker) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Status reports the identity's current ban tier. Expired timed bans are
// cleared on the way through. A quarantine store read failure is logged
// and treated as not quarantined, so the request path stays available.
func (p *PenaltyTracker) Status(ctx context.Context, identity string) PenaltyStatus {
	p.mu.Lock()
	now := p.now()
	if p.permanent[identity] {
		p.mu.Unlock()
		return PenaltyStatus{Level: LevelQuarantine, Banned: true}
	}
	if exp, ok := p.strikeTwo[identity]; ok {
		if now.Before(exp) {
			p.mu.Unlock()
			return PenaltyStatus{Level: LevelStrikeTwo, Banned: true, ExpiresAt: exp}
		}
		delete(p.strikeTwo, identity)
	}
	if exp, ok := p.strikeOne[identity]; ok {
		if now.Before(exp) {
			p.mu.Unlock()
			return PenaltyStatus{Level: LevelStrikeOne, Banned: true, ExpiresAt: exp}
		}
		delete(p.strikeOne, identity)
	}
	p.mu.Unlock()

	if p.quarantine != nil {
		rec, err := p.quarantine.GetQuarantine(ctx, identity)
		if err != nil {
			p.log.Warn().Err(err).Str("identity", identity).Msg("quarantine lookup failed, treating as clear")
		} else if rec != nil {
			p.mu.Lock()
			p.permanent[identity] = true
			p.mu.Unlock()
			return PenaltyStatus{Level: LevelQuarantine, Banned: true}
		}
	}
	return PenaltyStatus{}
}

// RecordBreach registers one rate limit breach against the identity and
// applies whatever escalation the ladder calls for. The returned outcome
// tells the caller which tier, if any, was newly applied.
func (p *PenaltyTracker) RecordBreach(ctx context.Context, identity, ipHash, endpoint string) BreachOutcome {
	status := p.Status(ctx, identity)
	if status.Level == LevelQuarantine {
		return BreachAlreadyBanned
	}

	p.mu.Lock()
	now := p.now()

	switch status.Level {
	case LevelStrikeOne, LevelStrikeTwo:
		// Under an active timed ban, breaches feed the escalation window
		// rather than the first-tier counter.
		hits := trimWindow(p.breaches[identity], now, p.cfg.StrikeTwoWindow.Std())
		hits = append(hits, now)
		p.breaches[identity] = hits
		if len(hits) < p.cfg.StrikeTwoThreshold {
			p.mu.Unlock()
			return BreachAlreadyBanned
		}
		delete(p.breaches, identity)
		delete(p.strikeOne, identity)

		if status.Level == LevelStrikeOne {
			p.strikeTwo[identity] = now.Add(p.cfg.StrikeTwoDuration.Std())
		}
		bans := trimWindow(p.strikeLog[identity], now, p.cfg.StrikeThreeWindow.Std())
		bans = append(bans, now)
		p.strikeLog[identity] = bans
		if len(bans) >= p.cfg.StrikeThreeThreshold {
			p.permanent[identity] = true
			delete(p.strikeTwo, identity)
			delete(p.strikeLog, identity)
			p.mu.Unlock()
			p.persistQuarantine(ctx, identity, ipHash, endpoint)
			return BreachQuarantined
		}
		p.mu.Unlock()
		if status.Level == LevelStrikeOne {
			p.events.record(ctx, EventStrikeTwo, identity, ipHash, map[string]string{"endpoint": endpoint})
			p.log.Warn().Str("identity", identity).Str("endpoint", endpoint).Msg("strike two ban applied")
			return BreachStrikeTwo
		}
		return BreachAlreadyBanned

	default:
		hits := trimWindow(p.breaches[identity], now, p.cfg.StrikeOneWindow.Std())
		hits = append(hits, now)
		p.breaches[identity] = hits
		if len(hits) < p.cfg.StrikeOneThreshold {
			p.mu.Unlock()
			return BreachTracked
		}
		delete(p.breaches, identity)
		p.strikeOne[identity] = now.Add(p.cfg.StrikeOneDuration.Std())
		p.mu.Unlock()
		p.events.record(ctx, EventStrikeOne, identity, ipHash, map[string]string{"endpoint": endpoint})
		p.log.Warn().Str("identity", identity).Str("endpoint", endpoint).Msg("strike one ban applied")
		return BreachStrikeOne
	}
}

// ApplyStrikeOne imposes a first-tier ban directly, bypassing the breach
// counter. Used when a pattern detection threshold is crossed.
func (p *PenaltyTracker) ApplyStrikeOne(ctx context.Context, identity, ipHash, reason string) {
	p.mu.Lock()
	now := p.now()
	if _, banned := p.strikeTwo[identity]; !banned && !p.permanent[identity] {
		p.strikeOne[identity] = now.Add(p.cfg.StrikeOneDuration.Std())
		delete(p.breaches, identity)
	}
	p.mu.Unlock()
	p.events.record(ctx, EventStrikeOne, identity, ipHash, map[string]string{"reason": reason})
	p.log.Warn().Str("identity", identity).Str("reason", reason).Msg("strike one ban applied")
}

// BreachCount reports how many breaches remain inside the first-tier
// window for an identity.
func (p *PenaltyTracker) BreachCount(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.breaches[identity]
	if !ok {
		// Reading an unseen identity must not allocate tracking state.
		return 0
	}
	hits := trimWindow(prev, p.now(), p.cfg.StrikeOneWindow.Std())
	if len(hits) == 0 {
		delete(p.breaches, identity)
		return 0
	}
	p.breaches[identity] = hits
	return len(hits)
}

// Ban applies a manual ban. A non-positive duration quarantines the
// identity permanently; otherwise a timed Strike-2 level ban is set.
func (p *PenaltyTracker) Ban(ctx context.Context, identity string, d time.Duration, reason string) error {
	if d <= 0 {
		p.mu.Lock()
		p.permanent[identity] = true
		delete(p.strikeOne, identity)
		delete(p.strikeTwo, identity)
		delete(p.breaches, identity)
		p.mu.Unlock()
		if p.quarantine != nil {
			rec := store.QuarantineRecord{Identity: identity, Reason: reason, Manual: true, BannedAt: p.now().UTC()}
			if err := p.quarantine.PutQuarantine(ctx, rec); err != nil {
				p.log.Error().Err(err).Str("identity", identity).Msg("failed to persist manual quarantine")
				return err
			}
		}
		p.events.record(ctx, EventManualBan, identity, "", map[string]string{"reason": reason, "duration": "permanent"})
		return nil
	}
	p.mu.Lock()
	p.strikeTwo[identity] = p.now().Add(d)
	delete(p.strikeOne, identity)
	p.mu.Unlock()
	p.events.record(ctx, EventManualBan, identity, "", map[string]string{"reason": reason, "duration": d.String()})
	return nil
}

// Unban clears every penalty tier, breach history, and any persisted
// quarantine record for the identity in one shot.
func (p *PenaltyTracker) Unban(ctx context.Context, identity string) error {
	p.mu.Lock()
	delete(p.breaches, identity)
	delete(p.strikeOne, identity)
	delete(p.strikeTwo, identity)
	delete(p.strikeLog, identity)
	delete(p.permanent, identity)
	p.mu.Unlock()
	if p.quarantine != nil {
		if err := p.quarantine.DeleteQuarantine(ctx, identity); err != nil {
			p.log.Error().Err(err).Str("identity", identity).Msg("failed to delete quarantine record")
			return err
		}
	}
	p.events.record(ctx, EventManualUnban, identity, "", nil)
	return nil
}

// Stats returns an aggregate snapshot for the admin surface. Expired timed
// bans are excluded without being cleared.
func (p *PenaltyTracker) Stats(ctx context.Context) PenaltyStats {
	p.mu.Lock()
	now := p.now()
	st := PenaltyStats{TrackedIdentities: len(p.breaches)}
	for _, exp := range p.strikeOne {
		if now.Before(exp) {
			st.StrikeOneActive++
		}
	}
	for _, exp := range p.strikeTwo {
		if now.Before(exp) {
			st.StrikeTwoActive++
		}
	}
	p.mu.Unlock()

	if p.quarantine != nil {
		recs, err := p.quarantine.ListQuarantine(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to list quarantine records")
		} else {
			for _, rec := range recs {
				st.Quarantined = append(st.Quarantined, rec.Identity)
			}
			sort.Strings(st.Quarantined)
		}
	}
	return st
}

func (p *PenaltyTracker) persistQuarantine(ctx context.Context, identity, ipHash, endpoint string) {
	details := map[string]string{"endpoint": endpoint, "ban_count": strconv.Itoa(p.cfg.StrikeThreeThreshold)}
	if p.quarantine != nil {
		rec := store.QuarantineRecord{
			Identity: identity,
			Reason:   "repeated strike two bans",
			IPHash:   ipHash,
			BannedAt: p.now().UTC(),
		}
		if err := p.quarantine.PutQuarantine(ctx, rec); err != nil {
			// The local cache keeps the ban enforced for this process even
			// when the write fails.
			p.log.Error().Err(err).Str("identity", identity).Msg("failed to persist quarantine record")
		}
	}
	p.events.record(ctx, EventQuarantine, identity, ipHash, details)
	p.log.Error().Str("identity", identity).Str("endpoint", endpoint).Msg("identity quarantined permanently")
}

// trimWindow drops timestamps older than the window measured back from now.
func trimWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

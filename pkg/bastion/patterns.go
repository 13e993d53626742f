package bastion

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// injectionPatterns match known prompt manipulation phrasings. All are
// case-insensitive and matched against the raw request body.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:previous|all|above)\s+instructions`),
	regexp.MustCompile(`(?i)system\s*:?\s*prompt`),
	regexp.MustCompile(`(?i)forget\s+everything`),
	// Tolerates JSON quoting, so a raw {"role": "system"} body trips it.
	regexp.MustCompile(`(?i)role"?\s*[:=]?\s*"?system`),
	regexp.MustCompile(`(?i)act\s+as\s+(?:admin|system|gpt|ai|assistant)`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)override.*(?:protection|security|rule|safeguard)`),
	regexp.MustCompile(`(?i)disable.*(?:safety|filter|check)`),
}

// automationMarkers are substrings of User-Agent values that identify
// scripted clients.
var automationMarkers = []string{
	"curl", "wget", "python", "java", "go-http-client", "node",
	"postman", "insomnia", "paw", "restclient", "bot", "crawler",
	"spider", "scraper", "monitoring", "apache-httpclient", "okhttp",
	"urllib", "httpx",
}

// ContainsInjection reports whether the body trips any known prompt
// manipulation pattern, returning the first matching pattern.
func ContainsInjection(body string) (bool, string) {
	if body == "" {
		return false, ""
	}
	for _, re := range injectionPatterns {
		if re.MatchString(body) {
			return true, re.String()
		}
	}
	return false, ""
}

// BrowserHeaders carries the headers the bot heuristic inspects.
type BrowserHeaders struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
}

// IsBotRequest applies the automation heuristic: any missing browser
// header, or a User-Agent carrying a known automation marker, classifies
// the request as scripted. The check is binary; there is no scoring.
func IsBotRequest(h BrowserHeaders) bool {
	if h.UserAgent == "" || h.Accept == "" || h.AcceptLanguage == "" || h.AcceptEncoding == "" {
		return true
	}
	ua := strings.ToLower(h.UserAgent)
	for _, marker := range automationMarkers {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// PatternDetector tracks per-identity injection hits and raw request
// volume over rolling windows, with looser thresholds for authenticated
// identities. State is process-local and trimmed lazily.
type PatternDetector struct {
	mu         sync.Mutex
	injections map[string][]time.Time
	requests   map[string][]time.Time
	cfg        PatternConfig
	now        func() time.Time
}

// NewPatternDetector builds a detector with the given thresholds.
func NewPatternDetector(cfg PatternConfig) *PatternDetector {
	return &PatternDetector{
		injections: make(map[string][]time.Time),
		requests:   make(map[string][]time.Time),
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetClock overrides the detector's time source. Tests only.
func (d *PatternDetector) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// RecordInjection counts one injection hit against the identity and
// reports whether the hit crossed the escalation threshold.
func (d *PatternDetector) RecordInjection(identity string, authenticated bool) bool {
	threshold := d.cfg.InjectionThresholdAnon
	if authenticated {
		threshold = d.cfg.InjectionThreshold
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	hits := trimWindow(d.injections[identity], d.now(), d.cfg.InjectionWindow.Std())
	hits = append(hits, d.now())
	d.injections[identity] = hits
	return len(hits) >= threshold
}

// RecordRequest counts one request against the identity's DoS window and
// reports whether the volume threshold was crossed.
func (d *PatternDetector) RecordRequest(identity string, authenticated bool) bool {
	threshold := d.cfg.DoSThresholdAnon
	if authenticated {
		threshold = d.cfg.DoSThreshold
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	hits := trimWindow(d.requests[identity], d.now(), d.cfg.DoSWindow.Std())
	hits = append(hits, d.now())
	d.requests[identity] = hits
	return len(hits) >= threshold
}

// Reset clears all tracked windows for an identity.
func (d *PatternDetector) Reset(identity string) {
	d.mu.Lock()
	delete(d.injections, identity)
	delete(d.requests, identity)
	d.mu.Unlock()
}

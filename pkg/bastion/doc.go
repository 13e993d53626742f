// Package bastion provides layered request protection for conversational
// backends: sharded rate limit counters, a global circuit breaker, device
// fingerprint identity, a three-strike penalty ladder and heuristic
// abuse detection, composed into a single per-request pipeline.
//
// # Quick Start
//
// Basic usage with in-memory storage and defaults:
//
//	pipe, err := bastion.NewPipeline(
//	    bastion.WithSecret(os.Getenv("FINGERPRINT_SECRET")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision := pipe.Check(ctx, req)
//	if !decision.Allowed {
//	    // decision.Status and decision.Message are client-ready
//	}
//
// # Pipeline Order
//
// Layers run cheapest-new-information first and each one short-circuits:
//
//  1. Exemptions (CORS preflight, operational paths)
//  2. Per-IP rate limit
//  3. Bot heuristic
//  4. Global counter increment (unconditional)
//  5. Circuit breaker lockdown check
//  6. Global rate limit (breach records a strike)
//  7. Identity resolution (user ID or device fingerprint)
//  8. Fingerprint signature verification
//  9. Pattern detection (prompt injection, request floods)
// 10. Per-endpoint rate limit (breach feeds the penalty ladder)
//
// # Storage
//
// The default in-memory store suits a single instance; wire a Redis
// store to share counters, breaker state and quarantine records across
// replicas:
//
//	rs := store.NewRedisStore(store.RedisConfig{Addr: "localhost:6379"})
//	pipe, err := bastion.NewPipeline(bastion.WithStore(rs))
//
// # Fail Open
//
// Every read-side layer tolerates store outages by allowing the request
// and logging the failure. Only escalation writes (strikes, bans) report
// errors upward.
package bastion

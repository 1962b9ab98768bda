package resilience

import "time"

// RetryPolicy bounds how often and how long an operation is retried. The
// attempt budget is shared by every backoff kind.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// FixedDelay is the wait used for errors classified BackoffFixed.
	FixedDelay time.Duration
}

type BreakerPolicy struct {
	Enabled          bool
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

type Config struct {
	Retry   RetryPolicy
	Breaker BreakerPolicy
}

// DefaultConfig suits short broker calls.
func DefaultConfig() Config {
	return Config{
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
			Multiplier:     2.0,
			FixedDelay:     100 * time.Millisecond,
		},
		Breaker: BreakerPolicy{
			Enabled:          true,
			MinRequests:      10,
			FailureRatio:     0.5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 2,
		},
	}
}

// MailConfig is the SMTP policy: rate limits back off exponentially from
// base up to ceiling, other transient failures wait fixed between attempts.
func MailConfig(attempts int, base, fixed, ceiling time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: base,
		MaxBackoff:     ceiling,
		Multiplier:     2,
		FixedDelay:     fixed,
	}
	cfg.Breaker.MinRequests = 5
	cfg.Breaker.OpenTimeout = 2 * time.Minute
	return cfg
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	r := &out.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.Retry.MaxAttempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.Retry.InitialBackoff
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	if r.Multiplier < 1.0 {
		r.Multiplier = def.Retry.Multiplier
	}
	if r.FixedDelay <= 0 {
		r.FixedDelay = r.InitialBackoff
	}

	b := &out.Breaker
	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = def.Breaker.FailureRatio
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = def.Breaker.OpenTimeout
	}
	if b.HalfOpenMaxCalls == 0 {
		b.HalfOpenMaxCalls = def.Breaker.HalfOpenMaxCalls
	}
	return out
}

package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docgrok/docgrok/internal/common"
)

const window = time.Minute

// Limiter enforces three independent ceilings across every caller sharing the
// instance: admitted starts per sliding minute, in-flight requests, and
// estimated tokens per request. Zero disables a ceiling. Callers that want a
// process-wide limit share one Limiter explicitly; there is no hidden global.
type Limiter struct {
	mu         sync.Mutex
	rpm        int
	concurrent int
	tokens     int

	starts   []time.Time
	inFlight int

	// released is closed and replaced on every permit return so that all
	// waiters re-probe, not just one.
	released chan struct{}

	logger *slog.Logger
	now    func() time.Time
}

// Permit represents granted admission. Release must be called on every exit
// path; it is idempotent.
type Permit struct {
	l    *Limiter
	once sync.Once
}

// Release returns the permit's in-flight slot.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.l.mu.Lock()
		p.l.inFlight--
		close(p.l.released)
		p.l.released = make(chan struct{})
		p.l.mu.Unlock()
	})
}

// New creates a limiter with the given ceilings (0 = unlimited).
func New(cfg common.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		rpm:        cfg.RequestsPerMinute,
		concurrent: cfg.ConcurrentRequests,
		tokens:     cfg.TokensPerRequest,
		released:   make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}
}

// Configure adjusts ceilings at runtime. A nil field inherits the current
// value; 0 means unlimited.
func (l *Limiter) Configure(requestsPerMinute, concurrentRequests, tokensPerRequest *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if requestsPerMinute != nil {
		l.rpm = *requestsPerMinute
	}
	if concurrentRequests != nil {
		l.concurrent = *concurrentRequests
	}
	if tokensPerRequest != nil {
		l.tokens = *tokensPerRequest
	}
	l.logger.Info("ratelimit.configure",
		"requests_per_minute", l.rpm,
		"concurrent_requests", l.concurrent,
		"tokens_per_request", l.tokens,
	)
}

// Admit blocks until admission is granted or maxWait elapses. The check and
// the counter updates happen in one critical section, so concurrent callers
// can never over-admit past a ceiling.
func (l *Limiter) Admit(ctx context.Context, estimatedTokens int, maxWait time.Duration) (*Permit, error) {
	deadline := l.now().Add(maxWait)
	for {
		permit, retryIn, wake, err := l.tryAdmit(estimatedTokens)
		if err != nil {
			return nil, err
		}
		if permit != nil {
			return permit, nil
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return nil, common.Errorf(common.KindRateLimited,
				"rate limit admission not granted within %s", maxWait)
		}
		if retryIn <= 0 || retryIn > remaining {
			retryIn = remaining
		}

		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, common.E(common.KindOf(ctx.Err()), "rate limit wait interrupted", ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryAdmit attempts one admission. When blocked it returns how long until the
// sliding window could free a slot (0 when only the in-flight cap blocks) and
// the channel closed by the next release.
func (l *Limiter) tryAdmit(estimatedTokens int) (*Permit, time.Duration, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The token ceiling can never be satisfied by waiting.
	if l.tokens > 0 && estimatedTokens > l.tokens {
		return nil, 0, nil, common.Errorf(common.KindRateLimited,
			"estimated tokens %d exceed per-request ceiling %d", estimatedTokens, l.tokens)
	}

	now := l.now()
	l.prune(now)

	if l.rpm > 0 && len(l.starts) >= l.rpm {
		return nil, l.starts[0].Add(window).Sub(now), l.released, nil
	}
	if l.concurrent > 0 && l.inFlight >= l.concurrent {
		return nil, 0, l.released, nil
	}

	l.starts = append(l.starts, now)
	l.inFlight++
	return &Permit{l: l}, 0, nil, nil
}

// prune rolls the window forward, dropping starts older than one minute.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}

// InFlight reports the current in-flight count.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

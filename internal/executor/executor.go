package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docgrok/docgrok/internal/common"
	"github.com/docgrok/docgrok/internal/provider"
	"github.com/docgrok/docgrok/internal/ratelimit"
	"github.com/docgrok/docgrok/internal/schema"
)

// TokenEstimator predicts the token cost of a request for rate-limit
// admission. Pluggable; the default assumes ~4 characters per token.
type TokenEstimator func(content, prompt string) int

func defaultEstimator(content, prompt string) int {
	n := (len(content) + len(prompt)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Options bound a single execution.
type Options struct {
	Timeout time.Duration // per-attempt deadline; 0 = adapter default only
	Retries int           // retries after the first attempt; negative = policy default
	Format  string        // "text" | "json" | "markdown"
	Schema  map[string]any // requires Format == "json"
}

// Outcome is a successful execution's payload.
type Outcome struct {
	Text     string
	Metadata map[string]any // set when Format == "json" and a schema was supplied
	Model    string
	Attempts int
}

// Executor runs exactly one request against one adapter with admission,
// deadline and retry controls wrapped around the call.
type Executor struct {
	limiter   *ratelimit.Limiter
	policy    RetryPolicy
	estimate  TokenEstimator
	admitWait time.Duration
	logger    *slog.Logger
}

func New(limiter *ratelimit.Limiter, policy RetryPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		limiter:   limiter,
		policy:    policy,
		estimate:  defaultEstimator,
		admitWait: 10 * time.Second,
		logger:    logger,
	}
}

// WithEstimator overrides the token estimator.
func (e *Executor) WithEstimator(est TokenEstimator) *Executor {
	if est != nil {
		e.estimate = est
	}
	return e
}

// WithAdmitWait overrides how long one attempt may wait for rate-limit
// admission before the attempt counts as rate-limited.
func (e *Executor) WithAdmitWait(d time.Duration) *Executor {
	e.admitWait = d
	return e
}

// Execute runs the request to a terminal outcome or error. Only Timeout,
// RateLimitExceeded and TransientFailure are retried; the rate-limit permit
// is released between attempts and on every exit path.
func (e *Executor) Execute(ctx context.Context, adapter provider.Adapter, req provider.Request, opts Options) (*Outcome, error) {
	rid := uuid.New().String()
	maxAttempts := e.maxAttempts(opts)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := e.attempt(ctx, adapter, req, opts, rid, attempt)
		if err == nil {
			out, verr := e.finish(res, opts, rid)
			if verr != nil {
				// Validation failures are terminal: retrying re-runs the same
				// non-deterministic generation.
				return nil, verr
			}
			out.Attempts = attempt
			return out, nil
		}

		lastErr = err
		kind := common.KindOf(err)
		if !common.IsRetryable(kind) || attempt == maxAttempts {
			e.logger.Error("executor.failed",
				"req_id", rid, "provider", adapter.Name(),
				"attempt", attempt, "kind", string(kind), "error", err,
			)
			return nil, err
		}

		delay := e.policy.Delay(attempt)
		e.logger.Warn("executor.attempt.retry",
			"req_id", rid, "provider", adapter.Name(),
			"attempt", attempt, "kind", string(kind),
			"backoff_ms", delay.Milliseconds(), "error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, common.E(common.KindOf(err), "backoff interrupted", err)
		}
	}
	return nil, lastErr
}

// attempt performs one admitted adapter call under the per-attempt deadline.
func (e *Executor) attempt(ctx context.Context, adapter provider.Adapter, req provider.Request, opts Options, rid string, attempt int) (*provider.Result, error) {
	permit, err := e.limiter.Admit(ctx, e.estimate(req.Content, req.Prompt), e.admitWait)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	attemptCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := adapter.Generate(attemptCtx, req)
	if err != nil {
		// An attempt killed by its own deadline is a Timeout even when the
		// adapter reports the raw context error.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, common.E(common.KindTimeout, "adapter call exceeded timeout", err)
		}
		return nil, err
	}
	e.logger.Debug("executor.attempt.ok",
		"req_id", rid, "provider", adapter.Name(), "attempt", attempt,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// finish applies optional schema validation to a successful generation.
func (e *Executor) finish(res *provider.Result, opts Options, rid string) (*Outcome, error) {
	out := &Outcome{Text: res.Text, Model: res.Model}
	if opts.Format != "json" || opts.Schema == nil {
		return out, nil
	}

	raw := []byte(res.Text)
	if err := schema.Validate(opts.Schema, raw); err != nil {
		cleaned, dropped, serr := schema.Sanitize(raw)
		if serr != nil {
			return nil, err
		}
		if verr := schema.Validate(opts.Schema, cleaned); verr != nil {
			return nil, verr
		}
		e.logger.Warn("executor.sanitize_applied", "req_id", rid, "dropped", dropped)
		raw = cleaned
	}
	meta, err := schema.Structured(raw)
	if err != nil {
		return nil, err
	}
	out.Metadata = meta
	out.Text = string(raw)
	return out, nil
}

// ExecuteStream establishes a streaming call, retrying establishment only.
// Once the first chunk can flow, failures surface as a final error chunk and
// are never retried. The permit is held for the stream's lifetime.
func (e *Executor) ExecuteStream(ctx context.Context, adapter provider.Adapter, req provider.Request, opts Options) (<-chan provider.Chunk, error) {
	rid := uuid.New().String()
	maxAttempts := e.maxAttempts(opts)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ch, err := e.establish(ctx, adapter, req, opts, rid)
		if err == nil {
			return ch, nil
		}

		lastErr = err
		kind := common.KindOf(err)
		if !common.IsRetryable(kind) || attempt == maxAttempts {
			e.logger.Error("executor.stream.failed",
				"req_id", rid, "provider", adapter.Name(),
				"attempt", attempt, "kind", string(kind), "error", err,
			)
			return nil, err
		}

		delay := e.policy.Delay(attempt)
		e.logger.Warn("executor.stream.retry",
			"req_id", rid, "provider", adapter.Name(),
			"attempt", attempt, "kind", string(kind),
			"backoff_ms", delay.Milliseconds(), "error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, common.E(common.KindOf(err), "backoff interrupted", err)
		}
	}
	return nil, lastErr
}

// establish admits and opens one stream; on success the relay goroutine owns
// the permit and the deadline.
func (e *Executor) establish(ctx context.Context, adapter provider.Adapter, req provider.Request, opts Options, rid string) (<-chan provider.Chunk, error) {
	permit, err := e.limiter.Admit(ctx, e.estimate(req.Content, req.Prompt), e.admitWait)
	if err != nil {
		return nil, err
	}

	streamCtx := ctx
	cancel := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	src, err := adapter.GenerateStream(streamCtx, req)
	if err != nil {
		cancel()
		permit.Release()
		return nil, err
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		defer permit.Release()
		defer cancel()

		sawFinal := false
		for ch := range src {
			if ch.Final {
				sawFinal = true
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
			if ch.Final {
				return
			}
		}
		if !sawFinal {
			// Source closed without marking termination; synthesize the
			// error chunk so consumers always see an unambiguous end.
			errKind := common.KindTransient
			if streamCtx.Err() != nil {
				errKind = common.KindOf(streamCtx.Err())
			}
			select {
			case out <- provider.Chunk{
				Final: true,
				Err:   common.Errorf(errKind, "stream ended without final chunk"),
			}:
			case <-ctx.Done():
			}
		}
	}()

	e.logger.Info("executor.stream.established", "req_id", rid, "provider", adapter.Name())
	return out, nil
}

// maxAttempts resolves the total attempt budget: a non-negative request
// retry count wins, otherwise the policy default applies.
func (e *Executor) maxAttempts(opts Options) int {
	if opts.Retries >= 0 {
		return opts.Retries + 1
	}
	if e.policy.MaxAttempts > 0 {
		return e.policy.MaxAttempts
	}
	return 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

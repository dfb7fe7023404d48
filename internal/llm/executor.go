package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
)

// Observer event vocabulary. Surfaced to the UI layer as transient banners.
const (
	EventFallingBack = "falling back to secondary"
	EventAllFailed   = "all providers failed"
)

// Observer receives executor lifecycle events. No return value is consumed.
type Observer func(event string)

// Attempt records one provider call made during Execute. Transient, for
// logging only; never persisted.
type Attempt struct {
	Provider  string
	StartedAt time.Time
	Err       error
}

// ExecutorConfig holds retry and fallback policy. All values are policy
// inputs, not constants: the defaults mirror a fast-fallback setup where a
// healthy secondary makes local retries pointless.
type ExecutorConfig struct {
	// MaxRetries is the number of attempts on the primary provider before
	// fallback is considered. Default: 1 (no local retry).
	MaxRetries int

	// RetryDelay is the wait between primary attempts. Default: 0.
	RetryDelay time.Duration

	// ExponentialBackoff doubles the delay after each failed attempt.
	ExponentialBackoff bool

	// Observer receives fallback lifecycle events. Optional.
	Observer Observer

	// Logger for attempt tracing. Optional.
	Logger *slog.Logger
}

// Executor issues operations against the primary provider and transparently
// fails over to the secondary. It is constructed once at startup by the
// composition root and passed by reference to all call sites.
type Executor struct {
	primary   Provider
	secondary Provider // nil when no fallback is configured
	cfg       ExecutorConfig
}

// NewExecutor creates an executor. secondary may be nil.
func NewExecutor(primary Provider, secondary Provider, cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Executor{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
	}
}

// HasFallback reports whether a secondary provider is configured.
func (ex *Executor) HasFallback() bool {
	return ex.secondary != nil
}

// Primary returns the primary provider's name.
func (ex *Executor) Primary() string {
	return ex.primary.Name()
}

func (ex *Executor) notify(event string) {
	if ex.cfg.Observer != nil {
		ex.cfg.Observer(event)
	}
}

func (ex *Executor) logAttempt(att Attempt) {
	if ex.cfg.Logger == nil {
		return
	}
	if att.Err != nil {
		ex.cfg.Logger.Warn("provider attempt failed",
			"provider", att.Provider,
			"started_at", att.StartedAt,
			"error", att.Err)
		return
	}
	ex.cfg.Logger.Debug("provider attempt succeeded",
		"provider", att.Provider,
		"started_at", att.StartedAt)
}

// Execute runs op against the primary provider with the configured retry
// policy, falling back to the secondary at most once. Generic over the
// operation result so one policy wraps every distinct AI operation.
//
// The caller always receives either a success value or a single classified
// *Error. When both providers fail, the primary's error is surfaced, not the
// secondary's. Authentication and unknown errors are never retried or failed
// over. Fallback is strictly sequential, never parallel, to avoid duplicate
// side effects and billing.
func Execute[T any](ctx context.Context, ex *Executor, op func(context.Context, Provider) (T, error)) (T, error) {
	var zero T

	attempt := func(p Provider) (T, *Error) {
		started := time.Now()
		v, err := op(ctx, p)
		classified := Classify(p.Name(), err)
		ex.logAttempt(Attempt{Provider: p.Name(), StartedAt: started, Err: err})
		if classified != nil {
			return zero, classified
		}
		return v, nil
	}

	var lastErr *Error
	if ex.cfg.MaxRetries > 1 {
		multiplier := 1.0
		if ex.cfg.ExponentialBackoff {
			multiplier = 2.0
		}
		retrier := retry.New[T](retry.Config{
			MaxAttempts:   ex.cfg.MaxRetries,
			InitialDelay:  ex.cfg.RetryDelay,
			MaxDelay:      time.Minute,
			Multiplier:    multiplier,
			BackoffPolicy: retry.BackoffExponential,
			IsRetryable: func(err error) bool {
				classified := Classify(ex.primary.Name(), err)
				return classified.Transient()
			},
		})
		v, err := retrier.Do(ctx, func(ctx context.Context) (T, error) {
			v, attErr := attempt(ex.primary)
			if attErr != nil {
				return zero, attErr
			}
			return v, nil
		})
		if err == nil {
			return v, nil
		}
		lastErr = Classify(ex.primary.Name(), err)
	} else {
		v, attErr := attempt(ex.primary)
		if attErr == nil {
			return v, nil
		}
		lastErr = attErr
	}

	if ex.secondary != nil && lastErr.FallbackEligible() {
		ex.notify(EventFallingBack)
		v, fallbackErr := attempt(ex.secondary)
		if fallbackErr == nil {
			return v, nil
		}
		ex.notify(EventAllFailed)
		// The original primary error carries the relevant diagnosis.
		return zero, lastErr
	}

	return zero, lastErr
}

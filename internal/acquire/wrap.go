package acquire

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/property-cli/internal/config"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/internal/resilience"
)

// Middleware decorates an Acquirer.
type Middleware func(Acquirer) Acquirer

// Wrap applies middlewares so that the first one is outermost.
func Wrap(a Acquirer, mws ...Middleware) Acquirer {
	for i := len(mws) - 1; i >= 0; i-- {
		a = mws[i](a)
	}
	return a
}

type acquireFunc func(ctx context.Context, addr model.NormalizedAddress) (*Result, error)

type wrapped struct {
	name string
	fn   acquireFunc
}

func (w *wrapped) Name() string { return w.name }

func (w *wrapped) Acquire(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
	return w.fn(ctx, addr)
}

// WithRetry retries transient failures according to p.
func WithRetry(p resilience.RetryPolicy) Middleware {
	return func(next Acquirer) Acquirer {
		if p.OnRetry == nil {
			p.OnRetry = resilience.LogRetry(next.Name(), "acquire")
		}
		return &wrapped{name: next.Name(), fn: func(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
			return resilience.DoVal(ctx, p, func(ctx context.Context) (*Result, error) {
				return next.Acquire(ctx, addr)
			})
		}}
	}
}

// WithBreaker stops calling a source that keeps failing. Missing listings
// and missing endpoints do not count as failures.
func WithBreaker(b *resilience.Breaker) Middleware {
	return func(next Acquirer) Acquirer {
		return &wrapped{name: next.Name(), fn: func(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
			res, err := resilience.Call(ctx, b, func(ctx context.Context) (*Result, error) {
				return next.Acquire(ctx, addr)
			})
			if errors.Is(err, resilience.ErrBreakerOpen) {
				return nil, eris.Wrapf(err, "acquire: %s", next.Name())
			}
			return res, err
		}}
	}
}

// BreakerTrips reports whether err should count against a source's breaker.
func BreakerTrips(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoEndpoint) &&
		!errors.Is(err, context.Canceled)
}

// WithRateLimit spaces out calls to one source.
func WithRateLimit(l *rate.Limiter) Middleware {
	return func(next Acquirer) Acquirer {
		return &wrapped{name: next.Name(), fn: func(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
			if err := l.Wait(ctx); err != nil {
				return nil, eris.Wrapf(err, "acquire: %s rate limit", next.Name())
			}
			return next.Acquire(ctx, addr)
		}}
	}
}

// Build constructs the listing-site registry from configuration. Sources
// named in cfg.Disabled are left out and report no-endpoint.
func Build(cfg config.AcquireConfig, browser Browser, getter HTTPGetter) *Registry {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, d := range cfg.Disabled {
		disabled[registryKey(d)] = true
	}

	vendors := []Acquirer{
		NewZillow(browser, ""),
		NewRedfin(getter, ""),
		NewRealtor(browser, ""),
		NewMovoto(browser, ""),
	}

	var acqs []Acquirer
	for _, v := range vendors {
		if disabled[registryKey(v.Name())] {
			continue
		}
		acqs = append(acqs, Decorate(cfg, v))
	}
	return NewRegistry(acqs...)
}

// Decorate applies the configured breaker, retry and rate limit to a.
func Decorate(cfg config.AcquireConfig, a Acquirer) Acquirer {
	var mws []Middleware
	if cfg.BreakerThreshold > 0 {
		mws = append(mws, WithBreaker(resilience.NewBreaker(
			cfg.BreakerThreshold,
			time.Duration(cfg.BreakerResetSecs)*time.Second,
			BreakerTrips,
		)))
	}
	mws = append(mws, WithRetry(resilience.FixedRetry(cfg.Retries, cfg.RetryDelay())))
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, WithRateLimit(rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)))
	}
	return Wrap(a, mws...)
}

// ChromeOptionsFromConfig maps acquisition settings onto the browser.
func ChromeOptionsFromConfig(cfg config.AcquireConfig) ChromeOptions {
	return ChromeOptions{
		Headless:   cfg.Headless,
		ProxyURL:   strings.TrimSpace(cfg.ProxyURL),
		UserAgents: cfg.UserAgents,
		Settle:     2 * time.Second,
	}
}

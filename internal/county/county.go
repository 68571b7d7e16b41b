// Package county resolves county assessor records for an address through
// an ordered list of strategies: the county's own parcel layer first, then
// best-effort extraction from its web pages.
package county

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/model"
)

// Strategy looks up a county record. It returns (nil, nil) when it has no
// data for the address.
type Strategy interface {
	Name() string
	Lookup(ctx context.Context, addr model.NormalizedAddress) (*model.CountyRecord, error)
}

// Applicable is implemented by strategies that can tell up front, without
// any network call, that they cannot serve an address.
type Applicable interface {
	Applicable(addr model.NormalizedAddress) (bool, string)
}

// Resolver tries strategies strictly in order.
type Resolver struct {
	strategies []Strategy
	timeout    time.Duration
	log        *zap.Logger
}

// NewResolver creates a Resolver. timeout bounds each strategy; zero means
// only the caller's context applies.
func NewResolver(timeout time.Duration, strategies ...Strategy) *Resolver {
	return &Resolver{
		strategies: strategies,
		timeout:    timeout,
		log:        zap.L().With(zap.String("component", "county")),
	}
}

// Resolve returns the first record any strategy finds. Missing data is an
// unresolved resolution, never an error.
func (r *Resolver) Resolve(ctx context.Context, addr model.NormalizedAddress) *model.CountyResolution {
	res := &model.CountyResolution{
		Status: model.CountyUnresolved,
		County: addr.Components.County,
	}
	log := r.log.With(zap.String("canonical", addr.Canonical), zap.String("county", addr.Components.County))

	for _, s := range r.strategies {
		if a, ok := s.(Applicable); ok {
			if applicable, why := a.Applicable(addr); !applicable {
				res.Attempts = append(res.Attempts, model.StrategyAttempt{
					Strategy: s.Name(), Outcome: model.AttemptSkipped, Detail: why,
				})
				log.Debug("county: strategy not applicable", zap.String("strategy", s.Name()), zap.String("reason", why))
				continue
			}
		}

		rec, err := r.lookup(ctx, s, addr)
		switch {
		case err != nil:
			res.Attempts = append(res.Attempts, model.StrategyAttempt{
				Strategy: s.Name(), Outcome: model.AttemptFailed, Detail: err.Error(),
			})
			log.Warn("county: strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
		case rec == nil:
			res.Attempts = append(res.Attempts, model.StrategyAttempt{
				Strategy: s.Name(), Outcome: model.AttemptNoData,
			})
			log.Debug("county: strategy found no data", zap.String("strategy", s.Name()))
		default:
			res.Attempts = append(res.Attempts, model.StrategyAttempt{
				Strategy: s.Name(), Outcome: model.AttemptMatched,
			})
			res.Status = model.CountyResolved
			res.Strategy = s.Name()
			res.Record = rec
			log.Info("county: resolved", zap.String("strategy", s.Name()), zap.String("parcel_id", rec.ParcelID))
			return res
		}
	}

	log.Info("county: unresolved", zap.Int("attempts", len(res.Attempts)))
	return res
}

func (r *Resolver) lookup(ctx context.Context, s Strategy, addr model.NormalizedAddress) (*model.CountyRecord, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return s.Lookup(ctx, addr)
}

// Package address turns free-text addresses into the canonical form used
// to deduplicate properties.
package address

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-cli/internal/config"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/pkg/geocode"
)

// ErrInvalidAddress is returned when an address cannot be normalized.
var ErrInvalidAddress = eris.New("address: invalid address")

// Normalizer resolves a raw address to its canonical form.
type Normalizer interface {
	Normalize(ctx context.Context, raw string) (*model.NormalizedAddress, error)
}

// New returns the normalizer selected by cfg.Backend.
func New(cfg config.NormalizerConfig) (Normalizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local":
		return NewLocal(), nil
	case "census":
		var opts []geocode.Option
		if cfg.CensusURL != "" {
			opts = append(opts, geocode.WithBaseURL(cfg.CensusURL))
		}
		return NewCensus(geocode.NewClient(opts...), NewLocal()), nil
	default:
		return nil, eris.Errorf("address: unknown normalizer backend %q", cfg.Backend)
	}
}

// canonical joins the components into the dedup key.
func canonical(c model.AddressComponents) string {
	parts := make([]string, 0, 6)
	for _, p := range []string{c.Number, c.Street, c.Unit, c.City, c.State, c.Zip} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

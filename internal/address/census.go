package address

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/pkg/geocode"
)

// CensusNormalizer normalizes through the Census geocoder and falls back to
// a local parser when the geocoder has no match or fails.
type CensusNormalizer struct {
	client   geocode.Client
	fallback Normalizer
	log      *zap.Logger
}

// NewCensus creates a CensusNormalizer.
func NewCensus(client geocode.Client, fallback Normalizer) *CensusNormalizer {
	return &CensusNormalizer{
		client:   client,
		fallback: fallback,
		log:      zap.L().With(zap.String("component", "address.census")),
	}
}

// Normalize implements Normalizer.
func (n *CensusNormalizer) Normalize(ctx context.Context, raw string) (*model.NormalizedAddress, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return nil, ErrInvalidAddress
	}

	m, err := n.client.Geocode(ctx, input)
	if err != nil {
		n.log.Warn("census geocode failed, using local parser", zap.String("address", input), zap.Error(err))
		return n.local(ctx, input)
	}
	if !m.Matched {
		n.log.Debug("census geocode no match, using local parser", zap.String("address", input))
		return n.local(ctx, input)
	}

	street := strings.Join(nonEmpty(
		m.Components.PreDirection,
		m.Components.StreetName,
		m.Components.SuffixType,
		m.Components.SuffixDirection,
	), " ")
	comp := model.AddressComponents{
		Number: m.Components.Number,
		Street: strings.ToUpper(street),
		City:   strings.ToUpper(m.Components.City),
		State:  strings.ToUpper(m.Components.State),
		Zip:    m.Components.Zip,
		County: strings.ToUpper(m.County),
	}

	// The geocoder drops unit designators; keep the one the local parser finds.
	if local, lerr := n.fallback.Normalize(ctx, input); lerr == nil {
		comp.Unit = local.Components.Unit
		if comp.County == "" {
			comp.County = local.Components.County
		}
	}

	return &model.NormalizedAddress{
		Input:      input,
		Canonical:  canonical(comp),
		Components: comp,
	}, nil
}

func (n *CensusNormalizer) local(ctx context.Context, input string) (*model.NormalizedAddress, error) {
	if n.fallback == nil {
		return nil, ErrInvalidAddress
	}
	return n.fallback.Normalize(ctx, input)
}

func nonEmpty(vals ...string) []string {
	out := vals[:0]
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

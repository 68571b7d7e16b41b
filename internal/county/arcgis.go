package county

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/pkg/arcgis"
)

const defaultAddressField = "SITE_ADDRESS"

// ArcGISStrategy queries the county's public parcel layer.
type ArcGISStrategy struct {
	registry *Registry
	client   arcgis.Client
}

// NewArcGISStrategy creates the parcel layer strategy.
func NewArcGISStrategy(registry *Registry, client arcgis.Client) *ArcGISStrategy {
	return &ArcGISStrategy{registry: registry, client: client}
}

// Name implements Strategy.
func (s *ArcGISStrategy) Name() string { return "arcgis" }

// Applicable requires a known county with a configured parcel layer.
func (s *ArcGISStrategy) Applicable(addr model.NormalizedAddress) (bool, string) {
	if addr.Components.County == "" {
		return false, "county unknown"
	}
	ep, ok := s.registry.Lookup(addr.Components.County)
	if !ok || ep.URL == "" {
		return false, "no parcel layer configured for " + addr.Components.County
	}
	if addr.StreetLine() == "" {
		return false, "no street line"
	}
	return true, ""
}

// Lookup implements Strategy.
func (s *ArcGISStrategy) Lookup(ctx context.Context, addr model.NormalizedAddress) (*model.CountyRecord, error) {
	ep, ok := s.registry.Lookup(addr.Components.County)
	if !ok || ep.URL == "" {
		return nil, nil
	}
	field := ep.AddressField
	if field == "" {
		field = defaultAddressField
	}

	fs, err := s.client.Query(ctx, ep.URL, ep.Layer, arcgis.Query{
		Where: arcgis.EqualsUpper(field, addr.StreetLine()),
		Limit: 1,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "county: arcgis query for %s", addr.Components.County)
	}
	if len(fs.Features) == 0 {
		return nil, nil
	}
	return recordFromAttributes(fs.Features[0].Attributes, ep.Fields), nil
}

package county

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/pkg/anthropic"
	"github.com/sells-group/property-cli/pkg/jina"
)

const (
	maxPageChars     = 30000
	maxSearchResults = 3
)

const extractionPrompt = `You extract county assessor data for a single parcel from web page text.
Reply with one JSON object and nothing else.
If the text does not describe the requested parcel, reply {"found": false}.
Otherwise reply {"found": true, ...} with any of these keys you can fill:
parcel_id, full_address, legal_description, land_use_code, property_class,
lot_size_sqft, acreage, building_sqft, year_built, market_value, assessed_value,
tax_year, annual_property_tax, delinquent_tax_amount, last_sale_date (YYYY-MM-DD),
last_sale_price, owner_name, owner_mailing_address.
Use numbers for numeric fields. Omit keys you cannot find. Never guess.`

// ExtractionConfig configures ExtractionStrategy.
type ExtractionConfig struct {
	Model          string
	MaxTokens      int64
	SearchFallback bool
}

// ExtractionStrategy reads assessor pages through the Jina reader and asks
// the model to pull the record out of the page text.
type ExtractionStrategy struct {
	registry *Registry
	reader   jina.Client
	ai       anthropic.Client
	cfg      ExtractionConfig
	log      *zap.Logger
}

// NewExtractionStrategy creates the page extraction strategy.
func NewExtractionStrategy(registry *Registry, reader jina.Client, ai anthropic.Client, cfg ExtractionConfig) *ExtractionStrategy {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &ExtractionStrategy{
		registry: registry,
		reader:   reader,
		ai:       ai,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "county.extract")),
	}
}

// Name implements Strategy.
func (s *ExtractionStrategy) Name() string { return "extraction" }

// Applicable requires an assessor page template or search fallback.
func (s *ExtractionStrategy) Applicable(addr model.NormalizedAddress) (bool, string) {
	if s.reader == nil || s.ai == nil {
		return false, "extraction not configured"
	}
	if addr.StreetLine() == "" {
		return false, "no street line"
	}
	if ep, ok := s.registry.Lookup(addr.Components.County); ok && ep.AssessorURL != "" {
		return true, ""
	}
	if s.cfg.SearchFallback && addr.Components.County != "" {
		return true, ""
	}
	return false, "no assessor page for " + addr.Components.County
}

// Lookup implements Strategy.
func (s *ExtractionStrategy) Lookup(ctx context.Context, addr model.NormalizedAddress) (*model.CountyRecord, error) {
	page, err := s.pageText(ctx, addr)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(page) == "" {
		return nil, nil
	}

	resp, err := s.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    extractionPrompt,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Parcel address: %s\n\nPage text:\n%s", addr.Canonical, page),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "county: extraction call")
	}
	resp.Usage.LogCost(s.cfg.Model, "county_extraction")

	return parseExtraction(resp.Text())
}

func (s *ExtractionStrategy) pageText(ctx context.Context, addr model.NormalizedAddress) (string, error) {
	if ep, ok := s.registry.Lookup(addr.Components.County); ok && ep.AssessorURL != "" {
		target := expandTemplate(ep.AssessorURL, addr)
		r, err := s.reader.Read(ctx, target)
		if err != nil {
			return "", eris.Wrapf(err, "county: read assessor page %s", target)
		}
		return clip(r.Data.Content), nil
	}

	query := fmt.Sprintf("%s %s %s County %s property assessor parcel",
		addr.StreetLine(), addr.Components.City, addr.Components.County, addr.Components.State)
	sr, err := s.reader.Search(ctx, query)
	if err != nil {
		return "", eris.Wrap(err, "county: assessor search")
	}
	var b strings.Builder
	for i, r := range sr.Data {
		if i == maxSearchResults {
			break
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", r.URL, r.Content)
	}
	s.log.Debug("county: search fallback", zap.String("query", query), zap.Int("results", len(sr.Data)))
	return clip(b.String()), nil
}

// expandTemplate fills {address}, {number}, {street}, {city}, {state} and
// {zip} placeholders with query-escaped address parts.
func expandTemplate(tpl string, addr model.NormalizedAddress) string {
	c := addr.Components
	return strings.NewReplacer(
		"{address}", url.QueryEscape(addr.StreetLine()),
		"{number}", url.QueryEscape(c.Number),
		"{street}", url.QueryEscape(c.Street),
		"{city}", url.QueryEscape(c.City),
		"{state}", url.QueryEscape(c.State),
		"{zip}", url.QueryEscape(c.Zip),
	).Replace(tpl)
}

// clip caps s at maxPageChars bytes without splitting a UTF-8 sequence.
func clip(s string) string {
	if len(s) <= maxPageChars {
		return s
	}
	cut := maxPageChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// parseExtraction reads the model reply. {"found": false} is no data.
func parseExtraction(text string) (*model.CountyRecord, error) {
	body := stripFences(text)
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, eris.New("county: extraction reply is not JSON")
	}

	var attrs map[string]any
	if err := json.Unmarshal([]byte(body[start:end+1]), &attrs); err != nil {
		return nil, eris.Wrap(err, "county: decode extraction reply")
	}
	if found, _ := attrs["found"].(bool); !found {
		return nil, nil
	}
	delete(attrs, "found")

	rec := recordFromAttributes(attrs, nil)
	if rec.ParcelID == "" && rec.OwnerName == "" && rec.MarketValue == nil && rec.AssessedValue == nil {
		return nil, nil
	}
	return rec, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

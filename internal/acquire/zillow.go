package acquire

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/property-cli/internal/model"
)

// Zillow reads the property record from the gdpClientCache embedded in a
// Zillow homes page.
type Zillow struct {
	browser Browser
	baseURL string
}

// NewZillow creates a Zillow acquirer. baseURL defaults to the public site.
func NewZillow(browser Browser, baseURL string) *Zillow {
	if baseURL == "" {
		baseURL = "https://www.zillow.com"
	}
	return &Zillow{browser: browser, baseURL: strings.TrimRight(baseURL, "/")}
}

func (z *Zillow) Name() string { return model.SourceZillow }

// Acquire implements Acquirer.
func (z *Zillow) Acquire(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
	if addr.Canonical == "" {
		return nil, ErrNoEndpoint
	}
	url := z.baseURL + "/homes/" + slug(addr.Canonical, "-") + "_rb/"

	page, err := z.browser.Render(ctx, url, nextDataSelector)
	if err != nil {
		return nil, eris.Wrap(err, "zillow: render")
	}
	raw, err := nextData(page.HTML)
	if err != nil {
		return nil, eris.Wrap(err, "zillow")
	}

	res := &Result{Raw: json.RawMessage(raw)}
	fields, err := parseZillow(raw)
	if err != nil {
		res.ParseError = err.Error()
		return res, nil
	}
	res.Fields = fields
	return res, nil
}

// parseZillow extracts fields from Zillow's __NEXT_DATA__. The property
// lives in a JSON string keyed by a "zpid_" prefixed cache key.
func parseZillow(nextData string) (*model.NormalizedFields, error) {
	cache := gjson.Get(nextData, "props.pageProps.componentProps.gdpClientCache")
	if !cache.Exists() || cache.String() == "" {
		return nil, eris.New("zillow: gdpClientCache not found")
	}
	cacheJSON := cache.String()
	if cache.IsObject() {
		cacheJSON = cache.Raw
	}
	if !gjson.Valid(cacheJSON) {
		return nil, eris.New("zillow: gdpClientCache is not valid json")
	}

	var entry, fallback gjson.Result
	gjson.Parse(cacheJSON).ForEach(func(key, value gjson.Result) bool {
		if !fallback.Exists() {
			fallback = value
		}
		if strings.HasPrefix(key.String(), "zpid_") {
			entry = value
			return false
		}
		return true
	})
	if !entry.Exists() {
		entry = fallback
	}
	p := entry.Get("property")
	if !p.Exists() || !p.IsObject() {
		return nil, eris.New("zillow: property data not found")
	}

	return &model.NormalizedFields{
		SaleAVM:           intField(p.Get("zestimate")),
		RentAVM:           intField(p.Get("rentZestimate")),
		Beds:              floatField(p.Get("bedrooms")),
		Baths:             floatField(p.Get("bathrooms")),
		Sqft:              intField(p.Get("livingArea")),
		LotSqft:           intField(firstOf(p.Get("lotSize"), p.Get("lotAreaValue"))),
		YearBuilt:         yearField(p.Get("yearBuilt")),
		PropertyType:      textField(p.Get("homeType")),
		LastSalePrice:     intField(p.Get("lastSoldPrice")),
		LastSaleDate:      dateField(p.Get("lastSoldDate")),
		PropertyTaxAmount: intField(firstOf(p.Get("taxAnnualAmount"), p.Get("taxHistory.0.taxPaid"))),
		PropertyTaxYear:   taxYear(p.Get("taxHistory.0.time")),
	}, nil
}

func taxYear(r gjson.Result) *int {
	d := dateField(r)
	if d == nil || len(*d) < 4 {
		return nil
	}
	y, err := strconv.Atoi((*d)[:4])
	if err != nil || y <= 0 {
		return nil
	}
	return &y
}

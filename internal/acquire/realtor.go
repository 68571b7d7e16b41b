package acquire

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/property-cli/internal/model"
)

// Realtor searches realtor.com for the address and reads the detail page.
type Realtor struct {
	browser Browser
	baseURL string
}

// NewRealtor creates a Realtor acquirer.
func NewRealtor(browser Browser, baseURL string) *Realtor {
	if baseURL == "" {
		baseURL = "https://www.realtor.com"
	}
	return &Realtor{browser: browser, baseURL: strings.TrimRight(baseURL, "/")}
}

func (r *Realtor) Name() string { return model.SourceRealtor }

// Acquire implements Acquirer.
func (r *Realtor) Acquire(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
	if addr.Canonical == "" {
		return nil, ErrNoEndpoint
	}
	page, err := searchThenDetail(ctx, r.browser, r.baseURL,
		r.baseURL+"/search/"+slug(addr.Canonical, "_"),
		`[data-testid="property-card-link"]`)
	if err != nil {
		return nil, eris.Wrap(err, "realtor")
	}
	raw, err := nextData(page.HTML)
	if err != nil {
		return nil, eris.Wrap(err, "realtor")
	}

	res := &Result{Raw: json.RawMessage(raw)}
	fields, err := parseRealtor(raw)
	if err != nil {
		res.ParseError = err.Error()
		return res, nil
	}
	res.Fields = fields
	return res, nil
}

func parseRealtor(nextData string) (*model.NormalizedFields, error) {
	p := gjson.Get(nextData, "props.pageProps.initialReduxState.property.detailsV2")
	if !p.IsObject() {
		p = gjson.Get(nextData, "props.pageProps.property")
	}
	if !p.IsObject() {
		return nil, eris.New("realtor: property data not found")
	}

	return &model.NormalizedFields{
		SaleAVM:       intField(p.Get("estimates.0.estimate")),
		Beds:          floatField(p.Get("beds")),
		Baths:         floatField(firstOf(p.Get("baths_full"), p.Get("baths"))),
		Sqft:          intField(p.Get("sqft")),
		LotSqft:       intField(p.Get("lot_sqft")),
		YearBuilt:     yearField(p.Get("year_built")),
		PropertyType:  textField(p.Get("type")),
		LastSalePrice: intField(p.Get("last_sold_price")),
		LastSaleDate:  dateField(p.Get("last_sold_date")),
	}, nil
}

// searchThenDetail renders a search page. When the site does not redirect
// straight to the listing, the first result card is followed.
func searchThenDetail(ctx context.Context, b Browser, baseURL, searchURL, cardSelector string) (*Page, error) {
	page, err := b.Render(ctx, searchURL, "body")
	if err != nil {
		return nil, eris.Wrap(err, "render search")
	}
	if !strings.Contains(page.URL, "/search/") {
		if _, nerr := nextData(page.HTML); nerr == nil {
			return page, nil
		}
	}

	link, err := firstLink(page.HTML, cardSelector, baseURL)
	if err != nil {
		return nil, eris.Wrap(err, "no result card")
	}
	detail, err := b.Render(ctx, link, nextDataSelector)
	if err != nil {
		return nil, eris.Wrap(err, "render detail")
	}
	return detail, nil
}

package acquire

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/property-cli/internal/model"
)

// Movoto searches movoto.com and reads the listing's pageData.
type Movoto struct {
	browser Browser
	baseURL string
}

// NewMovoto creates a Movoto acquirer.
func NewMovoto(browser Browser, baseURL string) *Movoto {
	if baseURL == "" {
		baseURL = "https://www.movoto.com"
	}
	return &Movoto{browser: browser, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *Movoto) Name() string { return model.SourceMovoto }

// Acquire implements Acquirer.
func (m *Movoto) Acquire(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
	if addr.Canonical == "" {
		return nil, ErrNoEndpoint
	}
	page, err := searchThenDetail(ctx, m.browser, m.baseURL,
		m.baseURL+"/search/real_estate/"+slug(addr.Canonical, "-")+"/",
		`a[data-context="card-anchor"]`)
	if err != nil {
		return nil, eris.Wrap(err, "movoto")
	}
	raw, err := nextData(page.HTML)
	if err != nil {
		return nil, eris.Wrap(err, "movoto")
	}

	res := &Result{Raw: json.RawMessage(raw)}
	fields, err := parseMovoto(raw)
	if err != nil {
		res.ParseError = err.Error()
		return res, nil
	}
	res.Fields = fields
	return res, nil
}

func parseMovoto(nextData string) (*model.NormalizedFields, error) {
	p := gjson.Get(nextData, "props.pageProps.pageData.property")
	if !p.IsObject() {
		return nil, eris.New("movoto: property data not found")
	}
	d := p.Get("details")

	return &model.NormalizedFields{
		SaleAVM:       intField(d.Get("avm.avm")),
		Beds:          floatField(d.Get("beds")),
		Baths:         floatField(d.Get("baths")),
		Sqft:          intField(d.Get("sqft")),
		LotSqft:       intField(d.Get("lotSize.value")),
		YearBuilt:     yearField(d.Get("yearBuilt")),
		PropertyType:  textField(d.Get("propertyType")),
		LastSalePrice: intField(p.Get("priceHistory.0.price")),
		LastSaleDate:  dateField(p.Get("priceHistory.0.date")),
	}, nil
}

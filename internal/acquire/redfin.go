package acquire

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/property-cli/internal/model"
)

// Redfin resolves a property id through the stingray initial-info API and
// then reads the main-info details.
type Redfin struct {
	http    HTTPGetter
	baseURL string
}

// NewRedfin creates a Redfin acquirer.
func NewRedfin(getter HTTPGetter, baseURL string) *Redfin {
	if baseURL == "" {
		baseURL = "https://www.redfin.com"
	}
	return &Redfin{http: getter, baseURL: strings.TrimRight(baseURL, "/")}
}

func (r *Redfin) Name() string { return model.SourceRedfin }

// Acquire implements Acquirer.
func (r *Redfin) Acquire(ctx context.Context, addr model.NormalizedAddress) (*Result, error) {
	if addr.Canonical == "" {
		return nil, ErrNoEndpoint
	}

	path := "/" + strings.ToLower(slug(strings.ReplaceAll(addr.Canonical, ",", ""), "-"))
	initial, err := r.http.Get(ctx, r.baseURL+"/stingray/do/v2/public/initial-info?path="+url.QueryEscape(path))
	if err != nil {
		return nil, eris.Wrap(err, "redfin: initial-info")
	}
	initialJSON := stripStingrayPrefix(initial)
	if !gjson.Valid(initialJSON) {
		return nil, eris.New("redfin: initial-info is not valid json")
	}
	propertyID := gjson.Get(initialJSON, "payload.propertyId").String()
	if propertyID == "" {
		return nil, eris.Wrap(ErrNotFound, "redfin: propertyId missing")
	}

	q := url.Values{"propertyId": {propertyID}, "accessLevel": {"1"}}
	if listingID := gjson.Get(initialJSON, "payload.listingId").String(); listingID != "" {
		q.Set("listingId", listingID)
	}
	main, err := r.http.Get(ctx, r.baseURL+"/stingray/api/home/details/main-info?"+q.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "redfin: main-info")
	}
	mainJSON := stripStingrayPrefix(main)
	if !gjson.Valid(mainJSON) {
		return nil, eris.New("redfin: main-info is not valid json")
	}

	res := &Result{Raw: json.RawMessage(mainJSON)}
	fields, err := parseRedfin(mainJSON)
	if err != nil {
		res.ParseError = err.Error()
		return res, nil
	}
	res.Fields = fields
	return res, nil
}

// stripStingrayPrefix removes the "{}&&" anti-JSON-hijacking prefix.
func stripStingrayPrefix(b []byte) string {
	s := strings.TrimSpace(string(b))
	return strings.TrimSpace(strings.TrimPrefix(s, "{}&&"))
}

func parseRedfin(mainInfo string) (*model.NormalizedFields, error) {
	payload := gjson.Get(mainInfo, "payload")
	if !payload.Exists() || !payload.IsObject() {
		return nil, eris.New("redfin: payload not found")
	}
	pd := payload.Get("propertyData")
	if !pd.Exists() {
		return nil, eris.New("redfin: property data not found")
	}

	return &model.NormalizedFields{
		SaleAVM:           intField(payload.Get("marketSourcedData.predictedValue.predictedValue")),
		RentAVM:           intField(payload.Get("rentalEstimate.rentalEstimate")),
		Beds:              floatField(pd.Get("numBeds")),
		Baths:             floatField(pd.Get("numBaths")),
		Sqft:              intField(pd.Get("sqFt.value")),
		LotSqft:           intField(pd.Get("lotSize.value")),
		YearBuilt:         yearField(pd.Get("yearBuilt")),
		PropertyType:      textField(pd.Get("propertyTypeWithCondo")),
		LastSalePrice:     intField(payload.Get("publicRecordsInfo.lastSalePriceData.lastSoldPrice")),
		LastSaleDate:      dateField(payload.Get("publicRecordsInfo.lastSalePriceData.lastSoldDate")),
		PropertyTaxAmount: intField(payload.Get("publicRecordsInfo.taxInfo.taxesDue")),
		PropertyTaxYear:   yearField(payload.Get("publicRecordsInfo.taxInfo.rollYear")),
	}, nil
}

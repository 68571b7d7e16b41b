package model

// CountyRecord is the normalized county assessor record for a parcel.
type CountyRecord struct {
	ParcelID            string         `json:"parcel_id,omitempty"`
	FullAddress         string         `json:"full_address,omitempty"`
	LegalDescription    string         `json:"legal_description,omitempty"`
	LandUseCode         string         `json:"land_use_code,omitempty"`
	PropertyClass       string         `json:"property_class,omitempty"`
	LotSizeSqft         *float64       `json:"lot_size_sqft,omitempty"`
	Acreage             *float64       `json:"acreage,omitempty"`
	BuildingSqft        *float64       `json:"building_sqft,omitempty"`
	YearBuilt           *int           `json:"year_built,omitempty"`
	MarketValue         *float64       `json:"market_value,omitempty"`
	AssessedValue       *float64       `json:"assessed_value,omitempty"`
	TaxYear             *int           `json:"tax_year,omitempty"`
	AnnualPropertyTax   *float64       `json:"annual_property_tax,omitempty"`
	DelinquentTax       *float64       `json:"delinquent_tax_amount,omitempty"`
	LastSaleDate        string         `json:"last_sale_date,omitempty"`
	LastSalePrice       *float64       `json:"last_sale_price,omitempty"`
	OwnerName           string         `json:"owner_name,omitempty"`
	OwnerMailingAddress string         `json:"owner_mailing_address,omitempty"`
	Attributes          map[string]any `json:"attributes,omitempty"`
}

// CountyStatus tags the outcome of county resolution.
type CountyStatus string

const (
	CountyResolved   CountyStatus = "resolved"
	CountyUnresolved CountyStatus = "unresolved"
)

// AttemptOutcome records what one strategy did.
type AttemptOutcome string

const (
	AttemptMatched AttemptOutcome = "matched"
	AttemptNoData  AttemptOutcome = "no-data"
	AttemptSkipped AttemptOutcome = "skipped"
	AttemptFailed  AttemptOutcome = "failed"
)

// StrategyAttempt is the trace of one strategy invocation.
type StrategyAttempt struct {
	Strategy string         `json:"strategy"`
	Outcome  AttemptOutcome `json:"outcome"`
	Detail   string         `json:"detail,omitempty"`
}

// CountyResolution is the tagged result of the county resolver.
type CountyResolution struct {
	Status   CountyStatus      `json:"status"`
	County   string            `json:"county,omitempty"`
	Strategy string            `json:"strategy,omitempty"`
	Record   *CountyRecord     `json:"record,omitempty"`
	Attempts []StrategyAttempt `json:"attempts"`
}

// Resolved reports whether a record was found.
func (r *CountyResolution) Resolved() bool {
	return r != nil && r.Status == CountyResolved && r.Record != nil
}

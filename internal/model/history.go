package model

import "time"

// AttributeRecord is one SCD2 row of structured attributes for a
// (property, source) pair. ValidTo is nil iff IsCurrent.
type AttributeRecord struct {
	ID                int64      `json:"id"`
	PropertyID        int64      `json:"property_id"`
	SourceID          int64      `json:"source_id"`
	SnapshotID        int64      `json:"snapshot_id"`
	Beds              *float64   `json:"beds,omitempty"`
	Baths             *float64   `json:"baths,omitempty"`
	Sqft              *int64     `json:"sqft,omitempty"`
	LotSqft           *int64     `json:"lot_sqft,omitempty"`
	YearBuilt         *int       `json:"year_built,omitempty"`
	PropertyType      *string    `json:"property_type,omitempty"`
	LastSalePrice     *int64     `json:"last_sale_price,omitempty"`
	LastSaleDate      *time.Time `json:"last_sale_date,omitempty"`
	PropertyTaxAmount *int64     `json:"property_tax_amount,omitempty"`
	PropertyTaxYear   *int       `json:"property_tax_year,omitempty"`
	ValidFrom         time.Time  `json:"valid_from"`
	ValidTo           *time.Time `json:"valid_to,omitempty"`
	IsCurrent         bool       `json:"is_current"`
}

// ValuationKind distinguishes sale and rent estimates.
type ValuationKind string

const (
	ValuationSale ValuationKind = "sale"
	ValuationRent ValuationKind = "rent"
)

// Valuation is one append-only AVM observation.
type Valuation struct {
	ID         int64         `json:"id"`
	PropertyID int64         `json:"property_id"`
	SourceID   int64         `json:"source_id"`
	Provider   string        `json:"provider"`
	Kind       ValuationKind `json:"kind"`
	Value      int64         `json:"value"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// ETLReport summarizes one batch pass of the ETL engine.
type ETLReport struct {
	Processed int           `json:"processed"`
	Errored   int           `json:"errored"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

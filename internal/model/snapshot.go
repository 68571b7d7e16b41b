package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// SnapshotStatus is the processing state of a snapshot.
type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "pending"
	SnapshotProcessed SnapshotStatus = "processed"
	SnapshotError     SnapshotStatus = "error"
)

// ErrCorruptStatus is returned when a persisted status is outside the
// three-state enumeration.
var ErrCorruptStatus = eris.New("model: corrupt snapshot status")

// ParseSnapshotStatus validates a persisted status value.
func ParseSnapshotStatus(s string) (SnapshotStatus, error) {
	switch st := SnapshotStatus(s); st {
	case SnapshotPending, SnapshotProcessed, SnapshotError:
		return st, nil
	default:
		return "", eris.Wrapf(ErrCorruptStatus, "value %q", s)
	}
}

// Terminal reports whether no further transition is allowed.
func (s SnapshotStatus) Terminal() bool {
	return s == SnapshotProcessed || s == SnapshotError
}

// CanTransition reports whether a snapshot may move from one status to another.
// Only pending snapshots move, and only to a terminal status.
func CanTransition(from, to SnapshotStatus) bool {
	return from == SnapshotPending && to.Terminal()
}

// Snapshot is one immutable raw observation from one source.
type Snapshot struct {
	ID           int64           `json:"id"`
	PropertyID   int64           `json:"property_id"`
	SourceID     int64           `json:"source_id"`
	SourceName   string          `json:"source_name,omitempty"`
	CapturedAt   time.Time       `json:"captured_at"`
	Payload      json.RawMessage `json:"payload"`
	Status       SnapshotStatus  `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// SnapshotPayload is the envelope persisted in snapshots.payload.
type SnapshotPayload struct {
	Raw        json.RawMessage   `json:"raw,omitempty"`
	Normalized *NormalizedFields `json:"normalized,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NormalizedFields is the source-independent field set extracted by an acquirer.
// Nil pointers mean the source did not report the value.
type NormalizedFields struct {
	Beds              *float64 `json:"beds,omitempty"`
	Baths             *float64 `json:"baths,omitempty"`
	Sqft              *int64   `json:"sqft,omitempty"`
	LotSqft           *int64   `json:"lot_sqft,omitempty"`
	YearBuilt         *int     `json:"year_built,omitempty"`
	PropertyType      *string  `json:"property_type,omitempty"`
	LastSalePrice     *int64   `json:"last_sale_price,omitempty"`
	LastSaleDate      *string  `json:"last_sale_date,omitempty"`
	PropertyTaxAmount *int64   `json:"property_tax_amount,omitempty"`
	PropertyTaxYear   *int     `json:"property_tax_year,omitempty"`
	SaleAVM           *int64   `json:"sale_avm,omitempty"`
	RentAVM           *int64   `json:"rent_avm,omitempty"`
}

// IsEmpty reports whether no field carries a value.
func (f *NormalizedFields) IsEmpty() bool {
	if f == nil {
		return true
	}
	return f.Beds == nil && f.Baths == nil && f.Sqft == nil && f.LotSqft == nil &&
		f.YearBuilt == nil && f.PropertyType == nil && f.LastSalePrice == nil &&
		f.LastSaleDate == nil && f.PropertyTaxAmount == nil && f.PropertyTaxYear == nil &&
		f.SaleAVM == nil && f.RentAVM == nil
}

// ValuationEstimate is one AVM value carried by normalized fields.
type ValuationEstimate struct {
	Kind  ValuationKind
	Value int64
}

// Valuations returns the present, non-zero AVM estimates, sale first.
func (f *NormalizedFields) Valuations() []ValuationEstimate {
	if f == nil {
		return nil
	}
	var out []ValuationEstimate
	if f.SaleAVM != nil && *f.SaleAVM != 0 {
		out = append(out, ValuationEstimate{Kind: ValuationSale, Value: *f.SaleAVM})
	}
	if f.RentAVM != nil && *f.RentAVM != 0 {
		out = append(out, ValuationEstimate{Kind: ValuationRent, Value: *f.RentAVM})
	}
	return out
}

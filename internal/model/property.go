package model

import (
	"strings"
	"time"
)

// AddressComponents is the structured decomposition of a canonical address.
type AddressComponents struct {
	Number string `json:"number,omitempty"`
	Street string `json:"street,omitempty"`
	Unit   string `json:"unit,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip,omitempty"`
	County string `json:"county,omitempty"`
}

// NormalizedAddress is the normalizer's view of a free-text address.
type NormalizedAddress struct {
	Input      string            `json:"input"`
	Canonical  string            `json:"canonical"`
	Components AddressComponents `json:"components"`
}

// StreetLine returns "number street unit" without city, state or zip.
func (a NormalizedAddress) StreetLine() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Components.Number, a.Components.Street, a.Components.Unit} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Property is one real-world address the system has been asked about.
type Property struct {
	ID               int64             `json:"id"`
	InputAddress     string            `json:"input_address"`
	CanonicalAddress string            `json:"canonical_address"`
	Components       AddressComponents `json:"components"`
	CreatedAt        time.Time         `json:"created_at"`
}

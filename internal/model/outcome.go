package model

import "time"

// SourceOutcome is the per-source result of one acquisition run.
type SourceOutcome string

const (
	OutcomeIngested    SourceOutcome = "ingested"
	OutcomeSourceError SourceOutcome = "source-error"
	OutcomeNoEndpoint  SourceOutcome = "no-endpoint"
)

// SourceResult reports what happened for one source.
type SourceResult struct {
	Source     string        `json:"source"`
	Outcome    SourceOutcome `json:"outcome"`
	SnapshotID int64         `json:"snapshot_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
}

// AcquisitionReport is the result of one orchestrator run for an address.
type AcquisitionReport struct {
	PropertyID       int64          `json:"property_id"`
	CanonicalAddress string         `json:"canonical_address"`
	Results          []SourceResult `json:"results"`
}

// Count returns the number of sources with the given outcome.
func (r *AcquisitionReport) Count(o SourceOutcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestParseSnapshotStatus(t *testing.T) {
	for _, s := range []string{"pending", "processed", "error"} {
		st, err := ParseSnapshotStatus(s)
		require.NoError(t, err)
		assert.Equal(t, SnapshotStatus(s), st)
	}

	_, err := ParseSnapshotStatus("done")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptStatus))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(SnapshotPending, SnapshotProcessed))
	assert.True(t, CanTransition(SnapshotPending, SnapshotError))
	assert.False(t, CanTransition(SnapshotPending, SnapshotPending))
	assert.False(t, CanTransition(SnapshotError, SnapshotProcessed))
	assert.False(t, CanTransition(SnapshotProcessed, SnapshotError))
	assert.False(t, CanTransition(SnapshotError, SnapshotPending))
}

func TestNormalizedFields_IsEmpty(t *testing.T) {
	var nilFields *NormalizedFields
	assert.True(t, nilFields.IsEmpty())
	assert.True(t, (&NormalizedFields{}).IsEmpty())
	assert.False(t, (&NormalizedFields{Beds: ptr(3.0)}).IsEmpty())
}

func TestNormalizedFields_Valuations(t *testing.T) {
	tests := []struct {
		name   string
		fields *NormalizedFields
		want   []ValuationEstimate
	}{
		{"nil", nil, nil},
		{"none", &NormalizedFields{Beds: ptr(2.0)}, nil},
		{"sale only", &NormalizedFields{SaleAVM: ptr(int64(450000))}, []ValuationEstimate{{ValuationSale, 450000}}},
		{"rent only", &NormalizedFields{RentAVM: ptr(int64(2100))}, []ValuationEstimate{{ValuationRent, 2100}}},
		{"both", &NormalizedFields{SaleAVM: ptr(int64(1)), RentAVM: ptr(int64(2))},
			[]ValuationEstimate{{ValuationSale, 1}, {ValuationRent, 2}}},
		{"zero skipped", &NormalizedFields{SaleAVM: ptr(int64(0)), RentAVM: ptr(int64(1800))},
			[]ValuationEstimate{{ValuationRent, 1800}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fields.Valuations())
		})
	}
}

func TestSnapshotPayload_JSONShape(t *testing.T) {
	p := SnapshotPayload{
		Raw:        json.RawMessage(`{"zpid":1}`),
		Normalized: &NormalizedFields{Beds: ptr(3.0)},
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":{"zpid":1},"normalized":{"beds":3}}`, string(b))
}

func TestAcquisitionReport_Count(t *testing.T) {
	r := &AcquisitionReport{Results: []SourceResult{
		{Source: "a", Outcome: OutcomeIngested},
		{Source: "b", Outcome: OutcomeIngested},
		{Source: "c", Outcome: OutcomeSourceError},
	}}
	assert.Equal(t, 2, r.Count(OutcomeIngested))
	assert.Equal(t, 1, r.Count(OutcomeSourceError))
	assert.Equal(t, 0, r.Count(OutcomeNoEndpoint))
}

func TestNormalizedAddress_StreetLine(t *testing.T) {
	a := NormalizedAddress{Components: AddressComponents{Number: "123", Street: "MAIN ST", Unit: "APT 4"}}
	assert.Equal(t, "123 MAIN ST APT 4", a.StreetLine())
	assert.Equal(t, "", NormalizedAddress{}.StreetLine())
}

func TestDefaultSources(t *testing.T) {
	srcs := DefaultSources()
	require.Len(t, srcs, 4)
	names := map[string]bool{}
	for _, s := range srcs {
		names[s.Name] = true
		assert.Equal(t, SourceKindCommercial, s.Kind)
		assert.NotEmpty(t, s.BaseURL)
	}
	assert.Len(t, names, 4)
}

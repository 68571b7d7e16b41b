package model

// SourceKind classifies a data provider.
type SourceKind string

const (
	SourceKindCommercial SourceKind = "commercial"
	SourceKindCounty     SourceKind = "county"
)

// Source names of the commercial listing sites.
const (
	SourceZillow  = "Zillow"
	SourceRedfin  = "Redfin"
	SourceRealtor = "Realtor"
	SourceMovoto  = "Movoto"
)

// Source is reference data describing one provider.
type Source struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	BaseURL string     `json:"base_url"`
	Kind    SourceKind `json:"kind"`
}

// DefaultSources returns the fixed catalog of commercial listing sites
// seeded at startup.
func DefaultSources() []Source {
	return []Source{
		{Name: SourceZillow, BaseURL: "https://www.zillow.com", Kind: SourceKindCommercial},
		{Name: SourceRedfin, BaseURL: "https://www.redfin.com", Kind: SourceKindCommercial},
		{Name: SourceRealtor, BaseURL: "https://www.realtor.com", Kind: SourceKindCommercial},
		{Name: SourceMovoto, BaseURL: "https://www.movoto.com", Kind: SourceKindCommercial},
	}
}

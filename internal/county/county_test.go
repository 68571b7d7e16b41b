package county

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-cli/internal/config"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/pkg/anthropic"
	"github.com/sells-group/property-cli/pkg/arcgis"
	"github.com/sells-group/property-cli/pkg/jina"
)

func cookAddress() model.NormalizedAddress {
	return model.NormalizedAddress{
		Input:     "123 Main St, Springfield, Cook County, IL 62701",
		Canonical: "123 MAIN ST, SPRINGFIELD, IL 62701",
		Components: model.AddressComponents{
			Number: "123", Street: "MAIN ST", City: "SPRINGFIELD",
			State: "IL", Zip: "62701", County: "COOK",
		},
	}
}

type fakeReader struct {
	readURL string
	query   string
	content string
	err     error
}

func (f *fakeReader) Read(_ context.Context, targetURL string) (*jina.ReadResponse, error) {
	f.readURL = targetURL
	if f.err != nil {
		return nil, f.err
	}
	return &jina.ReadResponse{Code: 200, Data: jina.ReadData{URL: targetURL, Content: f.content}}, nil
}

func (f *fakeReader) Search(_ context.Context, query string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	f.query = query
	if f.err != nil {
		return nil, f.err
	}
	return &jina.SearchResponse{Code: 200, Data: []jina.SearchResult{{URL: "https://assessor.example/p/1", Content: f.content}}}, nil
}

type fakeAI struct {
	reply string
	err   error
	calls int
	last  anthropic.MessageRequest
}

func (f *fakeAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: f.reply}}}, nil
}

func parcelServer(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		assert.Equal(t, "UPPER(SITE_ADDR) = '123 MAIN ST'", r.URL.Query().Get("where"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cookRegistry(url string) *Registry {
	return NewRegistry(map[string]config.CountyEndpoint{
		"Cook County": {
			URL:          url,
			Layer:        0,
			AddressField: "SITE_ADDR",
			Fields: map[string]string{
				"parcel_id":      "PIN14",
				"owner_name":     "OWNER",
				"market_value":   "MKT_VAL",
				"year_built":     "YR_BLT",
				"last_sale_date": "SALE_DT",
			},
		},
	})
}

func TestResolve_NoEndpointMakesNoCalls(t *testing.T) {
	var hits int32
	srv := parcelServer(t, `{"features":[]}`, &hits)
	_ = srv

	reg := NewRegistry(nil)
	r := NewResolver(0,
		NewArcGISStrategy(reg, arcgis.NewClient()),
		NewExtractionStrategy(reg, nil, nil, ExtractionConfig{}),
	)

	res := r.Resolve(context.Background(), cookAddress())

	assert.Equal(t, model.CountyUnresolved, res.Status)
	assert.Nil(t, res.Record)
	assert.Zero(t, atomic.LoadInt32(&hits))
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.AttemptSkipped, res.Attempts[0].Outcome)
	assert.Equal(t, model.AttemptSkipped, res.Attempts[1].Outcome)
}

func TestResolve_ParcelLayerMatch(t *testing.T) {
	var hits int32
	srv := parcelServer(t, `{"features":[{"attributes":{
		"PIN14":"16-10-400-001","OWNER":"JANE DOE","MKT_VAL":"$250,000",
		"YR_BLT":1925,"SALE_DT":1577836800000}}]}`, &hits)

	reg := cookRegistry(srv.URL)
	ai := &fakeAI{}
	r := NewResolver(0,
		NewArcGISStrategy(reg, arcgis.NewClient()),
		NewExtractionStrategy(reg, &fakeReader{}, ai, ExtractionConfig{SearchFallback: true}),
	)

	res := r.Resolve(context.Background(), cookAddress())

	require.True(t, res.Resolved())
	assert.Equal(t, "arcgis", res.Strategy)
	assert.Equal(t, "16-10-400-001", res.Record.ParcelID)
	assert.Equal(t, "JANE DOE", res.Record.OwnerName)
	require.NotNil(t, res.Record.MarketValue)
	assert.InDelta(t, 250000, *res.Record.MarketValue, 0.001)
	require.NotNil(t, res.Record.YearBuilt)
	assert.Equal(t, 1925, *res.Record.YearBuilt)
	assert.Equal(t, "2020-01-01", res.Record.LastSaleDate)
	assert.Equal(t, "JANE DOE", res.Record.Attributes["OWNER"])
	assert.Zero(t, ai.calls)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, model.AttemptMatched, res.Attempts[0].Outcome)
}

func TestResolve_FallsBackToExtraction(t *testing.T) {
	var hits int32
	srv := parcelServer(t, `{"features":[]}`, &hits)

	reg := cookRegistry(srv.URL)
	reader := &fakeReader{content: "Parcel 16-10-400-001 owned by JANE DOE"}
	ai := &fakeAI{reply: "```json\n{\"found\": true, \"parcel_id\": \"16-10-400-001\", \"owner_name\": \"JANE DOE\", \"assessed_value\": 81000}\n```"}
	r := NewResolver(0,
		NewArcGISStrategy(reg, arcgis.NewClient()),
		NewExtractionStrategy(reg, reader, ai, ExtractionConfig{Model: "claude-haiku-4-5", SearchFallback: true}),
	)

	res := r.Resolve(context.Background(), cookAddress())

	require.True(t, res.Resolved())
	assert.Equal(t, "extraction", res.Strategy)
	assert.Equal(t, "16-10-400-001", res.Record.ParcelID)
	require.NotNil(t, res.Record.AssessedValue)
	assert.InDelta(t, 81000, *res.Record.AssessedValue, 0.001)
	assert.Contains(t, reader.query, "123 MAIN ST")
	assert.Contains(t, reader.query, "COOK County")
	assert.Equal(t, "claude-haiku-4-5", ai.last.Model)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.AttemptNoData, res.Attempts[0].Outcome)
	assert.Equal(t, model.AttemptMatched, res.Attempts[1].Outcome)
}

func TestResolve_AllStrategiesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := cookRegistry(srv.URL)
	ai := &fakeAI{reply: `{"found": false}`}
	r := NewResolver(0,
		NewArcGISStrategy(reg, arcgis.NewClient()),
		NewExtractionStrategy(reg, &fakeReader{content: "nothing useful"}, ai, ExtractionConfig{SearchFallback: true}),
	)

	res := r.Resolve(context.Background(), cookAddress())

	assert.Equal(t, model.CountyUnresolved, res.Status)
	assert.Nil(t, res.Record)
	assert.Equal(t, "COOK", res.County)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, model.AttemptFailed, res.Attempts[0].Outcome)
	assert.NotEmpty(t, res.Attempts[0].Detail)
	assert.Equal(t, model.AttemptNoData, res.Attempts[1].Outcome)
}

func TestResolve_ReaderErrorIsFailedAttempt(t *testing.T) {
	reg := NewRegistry(nil)
	r := NewResolver(0, NewExtractionStrategy(reg, &fakeReader{err: errors.New("reader down")}, &fakeAI{}, ExtractionConfig{SearchFallback: true}))

	res := r.Resolve(context.Background(), cookAddress())

	assert.Equal(t, model.CountyUnresolved, res.Status)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, model.AttemptFailed, res.Attempts[0].Outcome)
	assert.Contains(t, res.Attempts[0].Detail, "reader down")
}

func TestResolve_UnknownCountySkipsParcelLayer(t *testing.T) {
	addr := cookAddress()
	addr.Components.County = ""

	r := NewResolver(0, NewArcGISStrategy(cookRegistry("http://127.0.0.1:1"), arcgis.NewClient()))
	res := r.Resolve(context.Background(), addr)

	assert.Equal(t, model.CountyUnresolved, res.Status)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, model.AttemptSkipped, res.Attempts[0].Outcome)
	assert.Equal(t, "county unknown", res.Attempts[0].Detail)
}

func TestExtraction_AssessorTemplate(t *testing.T) {
	reg := NewRegistry(map[string]config.CountyEndpoint{
		"cook": {AssessorURL: "https://assessor.example/search?addr={address}&zip={zip}"},
	})
	reader := &fakeReader{content: "page"}
	ai := &fakeAI{reply: `{"found": true, "parcel_id": "1"}`}
	s := NewExtractionStrategy(reg, reader, ai, ExtractionConfig{})

	ok, _ := s.Applicable(cookAddress())
	require.True(t, ok)

	rec, err := s.Lookup(context.Background(), cookAddress())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "1", rec.ParcelID)
	assert.Equal(t, "https://assessor.example/search?addr=123+MAIN+ST&zip=62701", reader.readURL)
	assert.EqualValues(t, 1024, ai.last.MaxTokens)
}

func TestExtraction_NotApplicableWithoutPageOrFallback(t *testing.T) {
	s := NewExtractionStrategy(NewRegistry(nil), &fakeReader{}, &fakeAI{}, ExtractionConfig{})
	ok, why := s.Applicable(cookAddress())
	assert.False(t, ok)
	assert.Contains(t, why, "COOK")
}

func TestClip_KeepsRunesWhole(t *testing.T) {
	short := "Assessed Value: $412,000"
	assert.Equal(t, short, clip(short))

	// "é" is two bytes and straddles the limit.
	page := strings.Repeat("a", maxPageChars-1) + "é" + "tail"
	got := clip(page)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxPageChars-1, len(got))

	// "名" is three bytes; the cut lands in its middle.
	page = strings.Repeat("b", maxPageChars-2) + "名所"
	got = clip(page)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("b", maxPageChars-2), got)

	exact := strings.Repeat("c", maxPageChars-3) + "名" + "x"
	got = clip(exact)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxPageChars)
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{name: "plain", reply: `{"found": true, "parcel_id": "P-1"}`, want: "P-1"},
		{name: "fenced", reply: "```json\n{\"found\": true, \"parcel_id\": \"P-2\"}\n```", want: "P-2"},
		{name: "prose around json", reply: `Here it is: {"found": true, "parcel_id": "P-3"} done`, want: "P-3"},
		{name: "not found", reply: `{"found": false}`},
		{name: "found but empty", reply: `{"found": true}`},
		{name: "no json", reply: "I could not find it.", wantErr: true},
		{name: "broken json", reply: `{"found": true, "parcel_id": }`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseExtraction(tt.reply)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.ParcelID)
		})
	}
}

func TestRecordFromAttributes(t *testing.T) {
	rec := recordFromAttributes(map[string]any{
		"pin":     float64(1610400001),
		"acres":   "0.25",
		"tax":     "1,234.50",
		"yr":      "n/a",
		"sold_on": "2019-06-30",
	}, map[string]string{
		"parcel_id":           "PIN",
		"acreage":             "acres",
		"annual_property_tax": "tax",
		"year_built":          "yr",
		"last_sale_date":      "sold_on",
		"owner_name":          "missing",
	})

	assert.Equal(t, "1610400001", rec.ParcelID)
	require.NotNil(t, rec.Acreage)
	assert.InDelta(t, 0.25, *rec.Acreage, 1e-9)
	require.NotNil(t, rec.AnnualPropertyTax)
	assert.InDelta(t, 1234.5, *rec.AnnualPropertyTax, 1e-9)
	assert.Nil(t, rec.YearBuilt)
	assert.Equal(t, "2019-06-30", rec.LastSaleDate)
	assert.Empty(t, rec.OwnerName)
	assert.Nil(t, rec.MarketValue)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "cook", Key("Cook County"))
	assert.Equal(t, "cook", Key("COOK"))
	assert.Equal(t, "st louis", Key("  St   Louis  County "))
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counties.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
counties:
  Dane County:
    url: https://gis.example/dane/MapServer
    layer: 3
    address_field: FULL_ADDR
    fields:
      parcel_id: PARCELNO
  cook:
    url: https://gis.example/cook-override/MapServer
`), 0o600))

	reg, err := LoadRegistry(config.CountyConfig{
		Endpoints:    map[string]config.CountyEndpoint{"cook": {URL: "https://gis.example/cook/MapServer"}},
		RegistryFile: path,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	dane, ok := reg.Lookup("DANE")
	require.True(t, ok)
	assert.Equal(t, 3, dane.Layer)
	assert.Equal(t, "FULL_ADDR", dane.AddressField)
	assert.Equal(t, "PARCELNO", dane.Fields["parcel_id"])

	cook, ok := reg.Lookup("Cook County")
	require.True(t, ok)
	assert.Equal(t, "https://gis.example/cook-override/MapServer", cook.URL)
}

func TestLoadRegistry_Errors(t *testing.T) {
	_, err := LoadRegistry(config.CountyConfig{RegistryFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("counties:\n  cook:\n    layer: 1\n"), 0o600))
	_, err = LoadRegistry(config.CountyConfig{RegistryFile: path})
	assert.Error(t, err)
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	_, ok := r.Lookup("cook")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

// Package geocode is a client for the US Census Bureau geocoder's
// one-line geographies lookup.
package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://geocoding.geo.census.gov/geocoder"
	censusBenchmark = "Public_AR_Current"
	censusVintage   = "Current_Current"
)

// Components are the parsed parts of a matched address.
type Components struct {
	Number          string
	PreDirection    string
	StreetName      string
	SuffixType      string
	SuffixDirection string
	City            string
	State           string
	Zip             string
}

// Match is the geocoder's best match for an address.
type Match struct {
	Matched        bool
	MatchedAddress string
	Components     Components
	County         string
	Latitude       float64
	Longitude      float64
}

// Client geocodes one-line addresses.
type Client interface {
	Geocode(ctx context.Context, oneLine string) (*Match, error)
}

// Option configures the client.
type Option func(*censusClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *censusClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *censusClient) { c.http = hc }
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *censusClient) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

type censusClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Census geocoder client.
func NewClient(opts ...Option) Client {
	c := &censusClient{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geographiesResponse struct {
	Result struct {
		AddressMatches []struct {
			MatchedAddress string `json:"matchedAddress"`
			Coordinates    struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"coordinates"`
			AddressComponents struct {
				PreDirection    string `json:"preDirection"`
				StreetName      string `json:"streetName"`
				SuffixType      string `json:"suffixType"`
				SuffixDirection string `json:"suffixDirection"`
				City            string `json:"city"`
				State           string `json:"state"`
				Zip             string `json:"zip"`
			} `json:"addressComponents"`
			Geographies struct {
				Counties []struct {
					Name     string `json:"NAME"`
					BaseName string `json:"BASENAME"`
				} `json:"Counties"`
			} `json:"geographies"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// Geocode looks up a single address. An address with no match returns
// Match{Matched: false} and a nil error.
func (c *censusClient) Geocode(ctx context.Context, oneLine string) (*Match, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"address":   {oneLine},
		"benchmark": {censusBenchmark},
		"vintage":   {censusVintage},
		"layers":    {"Counties"},
		"format":    {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/geographies/onelineaddress?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("geocode: census returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}

	var parsed geographiesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	if len(parsed.Result.AddressMatches) == 0 {
		return &Match{Matched: false}, nil
	}

	m := parsed.Result.AddressMatches[0]
	out := &Match{
		Matched:        true,
		MatchedAddress: m.MatchedAddress,
		Latitude:       m.Coordinates.Y,
		Longitude:      m.Coordinates.X,
		Components: Components{
			Number:          houseNumber(m.MatchedAddress),
			PreDirection:    m.AddressComponents.PreDirection,
			StreetName:      m.AddressComponents.StreetName,
			SuffixType:      m.AddressComponents.SuffixType,
			SuffixDirection: m.AddressComponents.SuffixDirection,
			City:            m.AddressComponents.City,
			State:           m.AddressComponents.State,
			Zip:             m.AddressComponents.Zip,
		},
	}
	if counties := m.Geographies.Counties; len(counties) > 0 {
		out.County = counties[0].BaseName
		if out.County == "" {
			out.County = strings.TrimSuffix(counties[0].Name, " County")
		}
	}
	return out, nil
}

// houseNumber returns the leading token of a matched address, the range
// fields in addressComponents being the street segment, not the house.
func houseNumber(matched string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(matched), " ")
	for _, r := range first {
		if r >= '0' && r <= '9' {
			return first
		}
	}
	return ""
}

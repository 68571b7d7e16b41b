// Package arcgis queries ArcGIS REST FeatureServer and MapServer layers.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client queries layers on an ArcGIS REST service.
type Client interface {
	Query(ctx context.Context, serviceURL string, layer int, q Query) (*FeatureSet, error)
}

// Query is a layer query.
type Query struct {
	Where     string
	OutFields []string
	Limit     int
}

// Feature is one returned row.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
}

// FeatureSet is a layer query response.
type FeatureSet struct {
	Features []Feature `json:"features"`
	Error    *APIError `json:"error,omitempty"`
}

// APIError is the error object ArcGIS returns with a 200 status.
type APIError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

type httpClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an ArcGIS client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EqualsUpper builds a case-insensitive equality where clause for field.
// Single quotes in value are doubled.
func EqualsUpper(field, value string) string {
	v := strings.ReplaceAll(strings.ToUpper(value), "'", "''")
	return fmt.Sprintf("UPPER(%s) = '%s'", field, v)
}

func (c *httpClient) Query(ctx context.Context, serviceURL string, layer int, q Query) (*FeatureSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "arcgis: rate limit")
	}

	outFields := "*"
	if len(q.OutFields) > 0 {
		outFields = strings.Join(q.OutFields, ",")
	}
	params := url.Values{
		"where":          {q.Where},
		"outFields":      {outFields},
		"returnGeometry": {"false"},
		"f":              {"json"},
	}
	if q.Limit > 0 {
		params.Set("resultRecordCount", fmt.Sprint(q.Limit))
	}
	endpoint := fmt.Sprintf("%s/%d/query", strings.TrimRight(serviceURL, "/"), layer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("arcgis: %s returned status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: read body")
	}

	var fs FeatureSet
	if err := json.Unmarshal(body, &fs); err != nil {
		return nil, eris.Wrap(err, "arcgis: parse response")
	}
	if fs.Error != nil {
		return nil, eris.Errorf("arcgis: query failed (%d): %s", fs.Error.Code, fs.Error.Message)
	}
	return &fs, nil
}

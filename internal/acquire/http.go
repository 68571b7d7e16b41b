package acquire

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-cli/internal/resilience"
)

const maxBodyBytes = 8 << 20

// HTTPGetter fetches JSON endpoints that need no rendering.
type HTTPGetter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// HTTPClient is the HTTPGetter used for vendor JSON APIs.
type HTTPClient struct {
	client     *http.Client
	userAgents []string
}

// NewHTTPClient creates an HTTPClient. proxyURL may be empty.
func NewHTTPClient(timeout time.Duration, proxyURL string, userAgents []string) (*HTTPClient, error) {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyURL != "" {
		pu, err := url.Parse(proxyURL)
		if err != nil {
			return nil, eris.Wrap(err, "acquire: parse proxy url")
		}
		transport.Proxy = http.ProxyURL(pu)
	}
	return &HTTPClient{
		client:     &http.Client{Timeout: timeout, Transport: transport},
		userAgents: userAgents,
	}, nil
}

// Get performs a GET and returns the body. 404 maps to ErrNotFound, 429 and
// 5xx are transient, bot walls are ErrBlocked.
func (c *HTTPClient) Get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "acquire: create request")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if len(c.userAgents) > 0 {
		req.Header.Set("User-Agent", c.userAgents[rand.IntN(len(c.userAgents))])
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "acquire: get %s", target)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "acquire: read body")
	}

	if blocked, kind := DetectBlock(resp.StatusCode, resp.Header, body); blocked {
		return nil, eris.Wrapf(ErrBlocked, "acquire: %s served %s wall", req.URL.Host, kind)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, eris.Wrapf(ErrNotFound, "acquire: %s", target)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.Transient(eris.Errorf("acquire: %s returned status %d", req.URL.Host, resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, eris.Errorf("acquire: %s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return body, nil
}

// Package acquire fetches listing-site data for one canonical address.
//
// Each vendor is an Acquirer registered under its source name. Acquirers
// return the raw payload they observed together with the normalized field
// set extracted from it. Retries, rate limiting and circuit breaking are
// layered on with Wrap.
package acquire

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-cli/internal/model"
)

var (
	// ErrNoEndpoint means the source has no acquisition strategy for the address.
	ErrNoEndpoint = eris.New("acquire: no endpoint")
	// ErrNotFound means the source has no listing for the address.
	ErrNotFound = eris.New("acquire: property not found")
	// ErrBlocked means the source served an anti-bot page.
	ErrBlocked = eris.New("acquire: blocked")
)

// Result is one successful acquisition. ParseError is set when the raw
// payload was retrieved but the normalized fields could not be extracted;
// the payload is still worth keeping for audit.
type Result struct {
	Raw        json.RawMessage
	Fields     *model.NormalizedFields
	ParseError string
}

// Payload returns the snapshot envelope for r.
func (r *Result) Payload() model.SnapshotPayload {
	return model.SnapshotPayload{Raw: r.Raw, Normalized: r.Fields, Error: r.ParseError}
}

// Acquirer fetches one source's data for one address.
type Acquirer interface {
	Name() string
	Acquire(ctx context.Context, addr model.NormalizedAddress) (*Result, error)
}

// Registry is the fixed set of acquirers keyed by source name.
type Registry struct {
	acquirers map[string]Acquirer
}

// NewRegistry creates a Registry. Later acquirers replace earlier ones with
// the same name.
func NewRegistry(acqs ...Acquirer) *Registry {
	r := &Registry{acquirers: make(map[string]Acquirer, len(acqs))}
	for _, a := range acqs {
		r.acquirers[registryKey(a.Name())] = a
	}
	return r
}

// Get returns the acquirer for a source name.
func (r *Registry) Get(name string) (Acquirer, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.acquirers[registryKey(name)]
	return a, ok
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.acquirers))
	for _, a := range r.acquirers {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}

func registryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

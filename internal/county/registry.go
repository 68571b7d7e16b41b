package county

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/property-cli/internal/config"
)

// Registry maps county names to their parcel layer configuration.
type Registry struct {
	endpoints map[string]config.CountyEndpoint
}

// registryFile is the on-disk YAML layout.
type registryFile struct {
	Counties map[string]config.CountyEndpoint `yaml:"counties"`
}

// NewRegistry builds a registry from configured endpoints.
func NewRegistry(endpoints map[string]config.CountyEndpoint) *Registry {
	r := &Registry{endpoints: make(map[string]config.CountyEndpoint, len(endpoints))}
	for name, ep := range endpoints {
		r.endpoints[Key(name)] = ep
	}
	return r
}

// LoadRegistry builds the registry from cfg, merging cfg.RegistryFile over
// the inline endpoints when set.
func LoadRegistry(cfg config.CountyConfig) (*Registry, error) {
	r := NewRegistry(cfg.Endpoints)
	if cfg.RegistryFile == "" {
		return r, nil
	}

	data, err := os.ReadFile(cfg.RegistryFile)
	if err != nil {
		return nil, eris.Wrapf(err, "county: read registry file %s", cfg.RegistryFile)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "county: parse registry file %s", cfg.RegistryFile)
	}
	for name, ep := range f.Counties {
		if ep.URL == "" && ep.AssessorURL == "" {
			return nil, eris.Errorf("county: registry entry %q has neither url nor assessor_url", name)
		}
		r.endpoints[Key(name)] = ep
	}
	return r, nil
}

// Lookup returns the endpoint for a county name.
func (r *Registry) Lookup(county string) (config.CountyEndpoint, bool) {
	if r == nil {
		return config.CountyEndpoint{}, false
	}
	ep, ok := r.endpoints[Key(county)]
	return ep, ok
}

// Len returns the number of registered counties.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.endpoints)
}

// Key normalizes a county name: "Cook County" and "COOK" share the key "cook".
func Key(name string) string {
	k := strings.ToLower(strings.Join(strings.Fields(name), " "))
	k = strings.TrimSuffix(k, " county")
	return k
}

package idem

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Route override file format:
//
//	[[route]]
//	prefix = "/v1/dialogs"
//	ttl = "1s"
type routesFile struct {
	Route []routeEntry `toml:"route"`
}

type routeEntry struct {
	Prefix string   `toml:"prefix"`
	TTL    duration `toml:"ttl"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadRoutes reads per-route TTL overrides from a TOML file.
func LoadRoutes(path string) ([]RouteTTL, error) {
	var f routesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("idem: load routes %s: %w", path, err)
	}
	return parseRoutes(f)
}

// ParseRoutes reads overrides from inline TOML, used by tests and embedded
// configuration.
func ParseRoutes(data string) ([]RouteTTL, error) {
	var f routesFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("idem: parse routes: %w", err)
	}
	return parseRoutes(f)
}

func parseRoutes(f routesFile) ([]RouteTTL, error) {
	out := make([]RouteTTL, 0, len(f.Route))
	for _, r := range f.Route {
		if r.Prefix == "" {
			return nil, fmt.Errorf("idem: route override without prefix")
		}
		out = append(out, RouteTTL{Prefix: r.Prefix, TTL: time.Duration(r.TTL)})
	}
	return out, nil
}

package executor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one upstream AI provider endpoint.
type ProviderConfig struct {
	Label     string `yaml:"label"`
	URL       string `yaml:"url"`
	SecretEnv string `yaml:"secret_env"` // name of the env var holding the HMAC secret
	Timeout   string `yaml:"timeout"`

	Secret        string        `yaml:"-"`
	ParsedTimeout time.Duration `yaml:"-"`
}

// Routing maps run types to the providers that can serve them, in
// preference order. The breaker ranking reorders them at call time.
type Routing struct {
	Providers []ProviderConfig    `yaml:"providers"`
	Routes    map[string][]string `yaml:"routes"`
}

func LoadRouting(path string) (Routing, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Routing{}, fmt.Errorf("read provider routing file: %w", err)
	}
	r, err := ParseRouting(b, os.Getenv)
	if err != nil {
		return Routing{}, fmt.Errorf("parse provider routing file %s: %w", path, err)
	}
	return r, nil
}

// ParseRouting decodes and validates a routing document. getenv resolves
// secret_env references.
func ParseRouting(b []byte, getenv func(string) string) (Routing, error) {
	var r Routing
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Routing{}, err
	}

	seen := make(map[string]bool, len(r.Providers))
	var errs []error
	for i := range r.Providers {
		p := &r.Providers[i]
		p.Label = strings.TrimSpace(p.Label)
		if p.Label == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: label is required", i))
			continue
		}
		if seen[p.Label] {
			errs = append(errs, fmt.Errorf("provider %q: duplicate label", p.Label))
		}
		seen[p.Label] = true
		if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
			errs = append(errs, fmt.Errorf("provider %q: url must be http(s)", p.Label))
		}
		if p.Timeout != "" {
			d, err := time.ParseDuration(p.Timeout)
			if err != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("provider %q: invalid timeout %q", p.Label, p.Timeout))
			}
			p.ParsedTimeout = d
		}
		if p.SecretEnv != "" {
			p.Secret = getenv(p.SecretEnv)
		}
	}
	for runType, labels := range r.Routes {
		if len(labels) == 0 {
			errs = append(errs, fmt.Errorf("route %q: no providers", runType))
		}
		for _, l := range labels {
			if !seen[l] {
				errs = append(errs, fmt.Errorf("route %q: unknown provider %q", runType, l))
			}
		}
	}
	if len(errs) > 0 {
		return Routing{}, errors.Join(errs...)
	}
	return r, nil
}

// RunTypes lists the routed run types in sorted order.
func (r Routing) RunTypes() []string {
	out := make([]string, 0, len(r.Routes))
	for t := range r.Routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r Routing) provider(label string) (ProviderConfig, bool) {
	for _, p := range r.Providers {
		if p.Label == label {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

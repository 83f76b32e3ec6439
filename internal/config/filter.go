package config

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects tool names or resource URIs with doublestar globs.
// An empty Include admits everything; Exclude always wins. Prefix
// filters are written as globs ("search_*", "file:///reports/**").
type Filter struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// Match reports whether name passes the filter. Patterns are validated
// at load time, so a malformed pattern simply does not match here.
func (f Filter) Match(name string) bool {
	for _, p := range f.Exclude {
		if doublestar.MatchUnvalidated(p, name) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if doublestar.MatchUnvalidated(p, name) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the filter admits everything.
func (f Filter) IsEmpty() bool {
	return len(f.Include) == 0 && len(f.Exclude) == 0
}

// validate checks every pattern.
func (f Filter) validate() error {
	for _, p := range append(append([]string(nil), f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

func (f Filter) clone() Filter {
	return Filter{
		Include: append([]string(nil), f.Include...),
		Exclude: append([]string(nil), f.Exclude...),
	}
}

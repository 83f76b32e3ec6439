package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// LookupFunc resolves an environment variable. It has the signature of
// [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// MapLookup returns a LookupFunc backed by a fixed map.
func MapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// ExpandEnv returns a copy of c with ${VAR} and $VAR references resolved
// in server URLs, headers, commands, arguments and subprocess env. A
// reference to an unset variable is an error wrapping [ErrConfig];
// empty strings are never substituted silently. "$$" produces a literal
// dollar sign.
func (c *Config) ExpandEnv(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	out := c.clone()
	for _, name := range out.ServerNames() {
		s := out.Servers[name]
		if err := s.expand(lookup); err != nil {
			return nil, fmt.Errorf("%w: server %q: %v", ErrConfig, name, err)
		}
		out.Servers[name] = s
	}
	return out, nil
}

// expand resolves env references in place. s must already be a clone.
func (s *ServerConfig) expand(lookup LookupFunc) error {
	var err error
	if st := s.Stdio; st != nil {
		if st.Command, err = expandStrict(st.Command, lookup); err != nil {
			return fmt.Errorf("command: %w", err)
		}
		for i, a := range st.Args {
			if st.Args[i], err = expandStrict(a, lookup); err != nil {
				return fmt.Errorf("args[%d]: %w", i, err)
			}
		}
		for _, k := range sortedKeys(st.Env) {
			if st.Env[k], err = expandStrict(st.Env[k], lookup); err != nil {
				return fmt.Errorf("env %s: %w", k, err)
			}
		}
	}
	if h := s.HTTP; h != nil {
		if h.URL, err = expandStrict(h.URL, lookup); err != nil {
			return fmt.Errorf("url: %w", err)
		}
		for _, k := range sortedKeys(h.Headers) {
			if h.Headers[k], err = expandStrict(h.Headers[k], lookup); err != nil {
				return fmt.Errorf("header %s: %w", k, err)
			}
		}
	}
	return nil
}

// expandStrict is os.Expand that fails on unset variables.
func expandStrict(s string, lookup LookupFunc) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var missing []string
	out := os.Expand(s, func(key string) string {
		if key == "$" {
			return "$"
		}
		v, ok := lookup(key)
		if !ok {
			missing = append(missing, key)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

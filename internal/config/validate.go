package config

import (
	"fmt"
	"net/url"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// nameRe restricts server and agent names so they stay usable inside
// namespaced tool names and log fields.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks the whole configuration. Dangling server references in
// agent scopes are not checked here; [Config.Resolve] reports them for
// the agent actually being resolved.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.LogFormat, validation.In("", "text", "json")),
		validation.Field(&c.LogLevel, validation.By(func(any) error {
			_, err := ParseLogLevel(c.LogLevel)
			return err
		})),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrConfig, err)
	}

	for _, name := range c.ServerNames() {
		s := c.Servers[name]
		if err := s.validate(name); err != nil {
			return fmt.Errorf("%w: server %q: %v", ErrConfig, name, err)
		}
	}

	for _, name := range c.AgentNames() {
		a := c.Agents[name]
		if err := a.validate(name); err != nil {
			return fmt.Errorf("%w: agent %q: %v", ErrConfig, name, err)
		}
	}
	return nil
}

func (s ServerConfig) validate(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name must match %s", nameRe)
	}
	if s.ResourceTTL < 0 {
		return fmt.Errorf("resource_ttl must not be negative")
	}

	switch s.Transport() {
	case "stdio":
		st := s.Stdio
		return validation.ValidateStruct(st,
			validation.Field(&st.Command, validation.Required),
			validation.Field(&st.Framing, validation.In("", "newline", "length")),
		)
	case "http":
		h := s.HTTP
		return validation.ValidateStruct(h,
			validation.Field(&h.URL, validation.Required, validation.By(httpURL)),
			validation.Field(&h.TimeoutSecs, validation.Min(0)),
		)
	default:
		return fmt.Errorf("exactly one of stdio or http must be set")
	}
}

func (a AgentScope) validate(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name must match %s", nameRe)
	}
	if err := validation.Validate(a.Servers, validation.Required); err != nil {
		return fmt.Errorf("servers: %v", err)
	}
	if err := a.Tools.validate(); err != nil {
		return fmt.Errorf("tools: %v", err)
	}
	if err := a.Resources.validate(); err != nil {
		return fmt.Errorf("resources: %v", err)
	}
	return nil
}

// httpURL accepts absolute http and https URLs.
func httpURL(v any) error {
	s, _ := v.(string)
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}

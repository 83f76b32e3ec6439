// Package config handles thane-mcp configuration loading.
//
// A configuration describes named MCP servers (stdio or HTTP) and the
// agent scopes that may use them. Several YAML sources can be merged;
// later sources override earlier ones per server and per agent name.
// Once loaded, a Config is read-only and may be shared freely.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/thane-mcp/internal/retry"
)

// Sentinel errors returned by loading and resolution.
var (
	// ErrConfig marks a configuration that cannot be used: bad syntax,
	// failed validation, or a missing environment-sourced value.
	ErrConfig = errors.New("config error")

	// ErrServerNotFound is returned when a server name is not defined.
	ErrServerNotFound = errors.New("server not found")

	// ErrAgentNotFound is returned when an agent has no scope.
	ErrAgentNotFound = errors.New("agent not found")
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./thane-mcp.yaml, ~/.config/thane-mcp/config.yaml, /etc/thane-mcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"thane-mcp.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thane-mcp", "config.yaml"))
	}

	paths = append(paths, "/etc/thane-mcp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all thane-mcp configuration.
type Config struct {
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json
	Retry     retry.Policy `yaml:"retry"`
	Cache     CacheConfig  `yaml:"cache"`
	Health    HealthConfig `yaml:"health"`

	Servers map[string]ServerConfig `yaml:"servers"`
	Agents  map[string]AgentScope   `yaml:"agents"`
}

// CacheConfig controls the per-agent resource cache.
type CacheConfig struct {
	// DefaultTTL applies to resources from servers without their own
	// resource_ttl (default 5m).
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// HealthConfig controls background ping monitoring of connected servers.
type HealthConfig struct {
	// Enabled is a pointer so a later config file can switch the watch
	// off again. Unset means off.
	Enabled      *bool         `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"` // default 60s
	ProbeTimeout time.Duration `yaml:"probe_timeout"` // default 10s
}

// On reports whether the health watch is enabled.
func (h HealthConfig) On() bool {
	return h.Enabled != nil && *h.Enabled
}

// ServerConfig describes how to reach one MCP server. Exactly one of
// Stdio or HTTP is set.
type ServerConfig struct {
	// Name is the server's key in the servers map. It is filled in by
	// the loader and not read from YAML.
	Name string `yaml:"-"`

	Stdio *StdioConfig `yaml:"stdio,omitempty"`
	HTTP  *HTTPConfig  `yaml:"http,omitempty"`

	// ResourceTTL is how long resources from this server stay cached.
	// Zero means the cache default.
	ResourceTTL time.Duration `yaml:"resource_ttl,omitempty"`
}

// Transport returns "stdio", "http", or "" for an invalid config.
func (s ServerConfig) Transport() string {
	switch {
	case s.Stdio != nil && s.HTTP == nil:
		return "stdio"
	case s.HTTP != nil && s.Stdio == nil:
		return "http"
	default:
		return ""
	}
}

// StdioConfig launches a server as a subprocess.
type StdioConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Framing is "newline" (default) or "length" for Content-Length
	// delimited messages.
	Framing string `yaml:"framing,omitempty"`
}

// EnvList renders Env as sorted KEY=VALUE pairs for exec.Cmd.
func (s StdioConfig) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// HTTPConfig reaches a server over streamable HTTP.
type HTTPConfig struct {
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	TimeoutSecs int               `yaml:"timeout_secs,omitempty"`

	// InsecureSkipVerify disables TLS verification. Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// DefaultHTTPTimeout is the per-request timeout when timeout_secs is unset.
const DefaultHTTPTimeout = 30 * time.Second

// Timeout returns the per-request timeout.
func (h HTTPConfig) Timeout() time.Duration {
	if h.TimeoutSecs <= 0 {
		return DefaultHTTPTimeout
	}
	return time.Duration(h.TimeoutSecs) * time.Second
}

// AgentScope lists the servers, tools, and resources an agent may use.
type AgentScope struct {
	Servers   []string `yaml:"servers"`
	Tools     Filter   `yaml:"tools"`
	Resources Filter   `yaml:"resources"`
}

// Parse decodes a single YAML document. Environment references are
// left untouched; see [Config.ExpandEnv].
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	for name, s := range cfg.Servers {
		s.Name = name
		cfg.Servers[name] = s
	}
	return cfg, nil
}

// Load reads and parses one YAML file without merging, expansion, or
// validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadMerged loads every path in order, merges them last-wins, resolves
// environment references through lookup (os.LookupEnv when nil),
// applies defaults, and validates the result.
func LoadMerged(lookup LookupFunc, paths ...string) (*Config, error) {
	sources := make([]*Config, 0, len(paths))
	for _, p := range paths {
		cfg, err := Load(p)
		if err != nil {
			return nil, err
		}
		sources = append(sources, cfg)
	}
	return Finalize(lookup, sources...)
}

// Finalize merges already-parsed sources and produces a validated,
// env-resolved Config.
func Finalize(lookup LookupFunc, sources ...*Config) (*Config, error) {
	merged := &Config{}
	for _, src := range sources {
		merged = Merge(merged, src)
	}

	expanded, err := merged.ExpandEnv(lookup)
	if err != nil {
		return nil, err
	}
	expanded.applyDefaults()

	if err := expanded.Validate(); err != nil {
		return nil, err
	}
	return expanded, nil
}

// Merge returns a new Config with overlay applied on top of base.
// Servers and agents are replaced whole by name (last write wins).
// Scalar settings take the overlay value when it is non-zero. Neither
// input is modified.
func Merge(base, overlay *Config) *Config {
	out := base.clone()
	if overlay == nil {
		return out
	}

	if overlay.LogLevel != "" {
		out.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		out.LogFormat = overlay.LogFormat
	}

	if overlay.Retry.MaxAttempts != 0 {
		out.Retry.MaxAttempts = overlay.Retry.MaxAttempts
	}
	if overlay.Retry.InitialBackoff != 0 {
		out.Retry.InitialBackoff = overlay.Retry.InitialBackoff
	}
	if overlay.Retry.MaxBackoff != 0 {
		out.Retry.MaxBackoff = overlay.Retry.MaxBackoff
	}
	if overlay.Retry.Multiplier != 0 {
		out.Retry.Multiplier = overlay.Retry.Multiplier
	}

	if overlay.Cache.DefaultTTL != 0 {
		out.Cache.DefaultTTL = overlay.Cache.DefaultTTL
	}

	if overlay.Health.Enabled != nil {
		on := *overlay.Health.Enabled
		out.Health.Enabled = &on
	}
	if overlay.Health.PollInterval != 0 {
		out.Health.PollInterval = overlay.Health.PollInterval
	}
	if overlay.Health.ProbeTimeout != 0 {
		out.Health.ProbeTimeout = overlay.Health.ProbeTimeout
	}

	for name, s := range overlay.Servers {
		s.Name = name
		out.Servers[name] = s.clone()
	}
	for name, a := range overlay.Agents {
		out.Agents[name] = a.clone()
	}

	return out
}

// clone deep-copies c. A nil receiver yields an empty Config.
func (c *Config) clone() *Config {
	out := &Config{
		Servers: make(map[string]ServerConfig),
		Agents:  make(map[string]AgentScope),
	}
	if c == nil {
		return out
	}

	out.LogLevel = c.LogLevel
	out.LogFormat = c.LogFormat
	out.Retry = c.Retry
	out.Cache = c.Cache
	out.Health = c.Health
	if c.Health.Enabled != nil {
		on := *c.Health.Enabled
		out.Health.Enabled = &on
	}
	for name, s := range c.Servers {
		out.Servers[name] = s.clone()
	}
	for name, a := range c.Agents {
		out.Agents[name] = a.clone()
	}
	return out
}

func (s ServerConfig) clone() ServerConfig {
	out := s
	if s.Stdio != nil {
		st := *s.Stdio
		st.Args = append([]string(nil), s.Stdio.Args...)
		st.Env = cloneMap(s.Stdio.Env)
		out.Stdio = &st
	}
	if s.HTTP != nil {
		h := *s.HTTP
		h.Headers = cloneMap(s.HTTP.Headers)
		out.HTTP = &h
	}
	return out
}

func (a AgentScope) clone() AgentScope {
	return AgentScope{
		Servers:   append([]string(nil), a.Servers...),
		Tools:     a.Tools.clone(),
		Resources: a.Resources.clone(),
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyDefaults fills zero-value settings.
func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.Retry = c.Retry.WithDefaults()
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Health.PollInterval <= 0 {
		c.Health.PollInterval = 60 * time.Second
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 10 * time.Second
	}
}

// ResourceTTL returns the cache TTL for resources from the named server.
func (c *Config) ResourceTTL(server string) time.Duration {
	if s, ok := c.Servers[server]; ok && s.ResourceTTL > 0 {
		return s.ResourceTTL
	}
	return c.Cache.DefaultTTL
}

// ServerNames returns all configured server names, sorted.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scope is a resolved agent scope: the concrete server configs plus the
// tool and resource filters.
type Scope struct {
	Agent     string
	Servers   []ServerConfig // sorted by name
	Tools     Filter
	Resources Filter
}

// Resolve returns the scope for agent. Every server the scope names
// must be defined; a dangling reference fails here rather than at
// connection time.
func (c *Config) Resolve(agent string) (*Scope, error) {
	a, ok := c.Agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, agent)
	}

	seen := make(map[string]bool, len(a.Servers))
	servers := make([]ServerConfig, 0, len(a.Servers))
	for _, name := range a.Servers {
		if seen[name] {
			continue
		}
		seen[name] = true

		s, ok := c.Servers[name]
		if !ok {
			return nil, fmt.Errorf("%w: agent %q references %q", ErrServerNotFound, agent, name)
		}
		s.Name = name
		servers = append(servers, s.clone())
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	return &Scope{
		Agent:     agent,
		Servers:   servers,
		Tools:     a.Tools.clone(),
		Resources: a.Resources.clone(),
	}, nil
}

// AgentNames returns all configured agent names, sorted.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

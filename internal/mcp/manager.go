package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/thane-mcp/internal/config"
	"github.com/nugget/thane-mcp/internal/connwatch"
	"github.com/nugget/thane-mcp/internal/rescache"
	"github.com/nugget/thane-mcp/internal/retry"
	"github.com/nugget/thane-mcp/internal/tools"
)

// errNoTools is the warning for a connected server with an empty catalog.
var errNoTools = errors.New("server returned no tools")

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegistry publishes discovered tools into r instead of a private
// registry, so they sit alongside the caller's local tools.
func WithRegistry(r *tools.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithManagerTransportFactory replaces [NewTransport] for every
// connection the manager builds.
func WithManagerTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

// WithPolicy overrides the retry policy from the config.
func WithPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithEmptyDiscoveryWarning makes an empty tool catalog from a connected
// server a discovery warning. Off by default.
func WithEmptyDiscoveryWarning(on bool) Option {
	return func(m *Manager) { m.warnEmpty = on }
}

// WithCacheClock sets the clock used by the resource cache.
func WithCacheClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// Warning is a per-server failure inside a multi-server operation.
type Warning struct {
	Server string
	Err    error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.Server, w.Err)
}

// MarshalJSON renders the error as a string.
func (w Warning) MarshalJSON() ([]byte, error) {
	msg := ""
	if w.Err != nil {
		msg = w.Err.Error()
	}
	return json.Marshal(struct {
		Server string `json:"server"`
		Error  string `json:"error"`
	}{w.Server, msg})
}

// Summary is the outcome of Initialize.
type Summary struct {
	Connected []string  `json:"connected"`
	Warnings  []Warning `json:"warnings,omitempty"`
}

// ToolDiscovery is the outcome of DiscoverTools.
type ToolDiscovery struct {
	// Tools lists every published name, sorted.
	Tools []string `json:"tools"`
	// ByServer maps each server to the names published for it.
	ByServer map[string][]string `json:"by_server"`
	Warnings []Warning           `json:"warnings,omitempty"`
}

// ResourceDiscovery is the outcome of DiscoverResources.
type ResourceDiscovery struct {
	// Resources lists every cached URI, sorted.
	Resources []string  `json:"resources"`
	Warnings  []Warning `json:"warnings,omitempty"`
}

// Resource is a cached resource descriptor.
type Resource struct {
	Server string `json:"server"`
	ResourceDefinition
	ExpiresAt time.Time `json:"expires_at"`
}

// ServerStatus is a point-in-time view of one connection.
type ServerStatus struct {
	Name      string                   `json:"name"`
	Transport string                   `json:"transport"`
	State     State                    `json:"state"`
	Session   string                   `json:"session"`
	Since     time.Time                `json:"since"`
	Attempts  int                      `json:"attempts"`
	Info      ServerInfo               `json:"info"`
	Tools     int                      `json:"tools"`
	Resources int                      `json:"resources"`
	LastError string                   `json:"last_error,omitempty"`
	Health    *connwatch.ServiceStatus `json:"health,omitempty"`
}

type cachedContents struct {
	server   string
	contents []ResourceContent
}

type staleness struct {
	tools     bool
	resources bool
}

// Manager owns the connections for one agent scope. It connects them,
// publishes their tools into a registry, caches their resources, and
// reconnects them on demand or from the health watch.
type Manager struct {
	id           string
	cfg          *config.Config
	scope        *config.Scope
	policy       retry.Policy
	logger       *slog.Logger
	registry     *tools.Registry
	newTransport TransportFactory
	warnEmpty    bool
	clock        func() time.Time

	catalog    *rescache.Cache[Resource]
	contents   *rescache.Cache[cachedContents]
	reconnects singleflight.Group

	mu               sync.RWMutex
	conns            map[string]*Conn
	toolCatalogs     map[string][]ToolDefinition
	published        map[string]*RemoteTool
	resourceCatalogs map[string][]ResourceDefinition
	owners           map[string]string // resource URI -> server
	stale            map[string]staleness
	watch            *connwatch.Manager
	closed           bool
}

// NewManager resolves agent's scope in cfg and builds one Uninitialized
// connection per server. No transport is opened until Initialize.
func NewManager(cfg *config.Config, agent string, opts ...Option) (*Manager, error) {
	scope, err := cfg.Resolve(agent)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		id:               uuid.NewString(),
		cfg:              cfg,
		scope:            scope,
		policy:           cfg.Retry,
		logger:           slog.Default(),
		newTransport:     NewTransport,
		clock:            time.Now,
		conns:            make(map[string]*Conn, len(scope.Servers)),
		toolCatalogs:     make(map[string][]ToolDefinition),
		published:        make(map[string]*RemoteTool),
		resourceCatalogs: make(map[string][]ResourceDefinition),
		owners:           make(map[string]string),
		stale:            make(map[string]staleness),
	}
	for _, o := range opts {
		o(m)
	}
	if m.registry == nil {
		m.registry = tools.NewRegistry()
	}
	m.policy = m.policy.WithDefaults()
	m.logger = m.logger.With("agent", agent, "manager", m.id)
	m.catalog = rescache.New[Resource](rescache.WithClock(m.clock))
	m.contents = rescache.New[cachedContents](rescache.WithClock(m.clock))

	for _, s := range scope.Servers {
		m.conns[s.Name] = m.newConn(s)
	}

	return m, nil
}

func (m *Manager) newConn(cfg config.ServerConfig) *Conn {
	return NewConn(cfg, m.policy,
		WithConnLogger(m.logger),
		WithTransportFactory(m.newTransport),
		WithNotificationHandler(m.handleNotification),
	)
}

// Agent returns the agent name the manager was built for.
func (m *Manager) Agent() string { return m.scope.Agent }

// Registry returns the registry discovered tools are published into.
func (m *Manager) Registry() *tools.Registry { return m.registry }

// conn returns the current connection for server, or nil.
func (m *Manager) conn(server string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[server]
}

// snapshot returns the connections sorted by name.
func (m *Manager) snapshot() ([]*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, newError(ErrClosed, "", "manager", nil)
	}
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Name() < conns[j].Name() })
	return conns, nil
}

// usable returns the Connected or Degraded connections sorted by name.
func (m *Manager) usable() ([]*Conn, error) {
	conns, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	out := conns[:0]
	for _, c := range conns {
		if c.State().Usable() {
			out = append(out, c)
		}
	}
	return out, nil
}

// each runs fn for every connection concurrently, one goroutine per
// connection, and waits for all of them.
func each(conns []*Conn, fn func(i int, c *Conn)) {
	var g errgroup.Group
	g.SetLimit(max(len(conns), 1))
	for i, c := range conns {
		g.Go(func() error {
			fn(i, c)
			return nil
		})
	}
	_ = g.Wait()
}

// Initialize connects every Uninitialized connection concurrently. The
// summary lists the servers that connected and a warning per failure.
// If no server connects the error is [ErrInitializationFailed]; the
// summary is returned either way.
func (m *Manager) Initialize(ctx context.Context) (*Summary, error) {
	conns, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	m.logger.Info("initializing MCP servers", "servers", len(conns))

	errs := make([]error, len(conns))
	each(conns, func(i int, c *Conn) {
		switch st := c.State(); {
		case st == StateUninitialized:
			errs[i] = c.Connect(ctx)
		case st == StateClosed:
			errs[i] = newError(ErrClosed, c.Name(), "initialize", c.LastError())
		case !st.Usable():
			errs[i] = newError(ErrInternal, c.Name(), "initialize", fmt.Errorf("connection is %s", st))
		}
	})

	summary := &Summary{}
	for i, c := range conns {
		if errs[i] == nil {
			summary.Connected = append(summary.Connected, c.Name())
			continue
		}
		summary.Warnings = append(summary.Warnings, Warning{Server: c.Name(), Err: errs[i]})
		m.logger.Warn("MCP server failed to initialize", "mcp_server", c.Name(), "error", errs[i])
	}

	if len(conns) > 0 && len(summary.Connected) == 0 {
		return summary, newError(ErrInitializationFailed, "", "initialize", errors.Join(errs...))
	}

	m.logger.Info("MCP initialization complete",
		"connected", len(summary.Connected),
		"warnings", len(summary.Warnings),
	)
	return summary, nil
}

// DiscoverTools lists tools from every usable connection, filters them
// by the agent's tool filter, and republishes the full set into the
// registry. A tool name offered by more than one server, or already
// taken by a local tool, is published as server__tool. Per-server
// failures become warnings.
func (m *Manager) DiscoverTools(ctx context.Context) (*ToolDiscovery, error) {
	conns, err := m.usable()
	if err != nil {
		return nil, err
	}
	disc := m.refreshTools(ctx, conns, true)

	m.logger.Info("MCP tool discovery complete",
		"tools", len(disc.Tools),
		"warnings", len(disc.Warnings),
	)
	return disc, nil
}

// refreshTools lists tools from conns and republishes. With replace,
// catalogs of servers not in conns are dropped; otherwise they are kept
// and a server whose listing fails keeps its previous catalog.
func (m *Manager) refreshTools(ctx context.Context, conns []*Conn, replace bool) *ToolDiscovery {
	listed := make([][]ToolDefinition, len(conns))
	errs := make([]error, len(conns))
	each(conns, func(i int, c *Conn) {
		if !c.Info().Tools {
			return
		}
		listed[i], errs[i] = c.ListTools(ctx)
	})

	disc := &ToolDiscovery{}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return disc
	}

	catalogs := make(map[string][]ToolDefinition, len(m.toolCatalogs))
	if !replace {
		for name, defs := range m.toolCatalogs {
			catalogs[name] = defs
		}
	}

	for i, c := range conns {
		name := c.Name()
		if m.conns[name] != c {
			// Replaced by a reconnect while listing.
			continue
		}
		if errs[i] != nil {
			disc.Warnings = append(disc.Warnings, Warning{Server: name, Err: errs[i]})
			continue
		}
		if len(listed[i]) == 0 && m.warnEmpty {
			disc.Warnings = append(disc.Warnings, Warning{Server: name, Err: errNoTools})
		}

		var defs []ToolDefinition
		for _, d := range listed[i] {
			if m.scope.Tools.Match(d.Name) {
				defs = append(defs, d)
			}
		}
		catalogs[name] = defs

		st := m.stale[name]
		st.tools = false
		m.stale[name] = st
	}
	m.toolCatalogs = catalogs

	byServer, warnings := m.publishLocked()
	disc.ByServer = byServer
	disc.Warnings = append(disc.Warnings, warnings...)
	disc.Tools = sortedKeys(m.published)

	for _, w := range disc.Warnings {
		m.logger.Warn("MCP tool discovery warning", "mcp_server", w.Server, "error", w.Err)
	}
	return disc
}

// publishLocked replaces everything the manager registered with adapters
// for the current catalogs. Caller holds m.mu.
func (m *Manager) publishLocked() (map[string][]string, []Warning) {
	m.unpublishLocked()

	servers := sortedKeys(m.toolCatalogs)
	owners := make(map[string]int)
	for _, s := range servers {
		for _, d := range m.toolCatalogs[s] {
			owners[d.Name]++
		}
	}

	byServer := make(map[string][]string)
	var warnings []Warning
	for _, s := range servers {
		for _, def := range m.toolCatalogs[s] {
			name := def.Name
			if owners[name] > 1 || m.registry.Get(name) != nil {
				name = ToolName(s, def.Name)
			}
			if _, taken := m.published[name]; taken || m.registry.Get(name) != nil {
				warnings = append(warnings, Warning{
					Server: s,
					Err:    fmt.Errorf("tool %q skipped: name %q is already registered", def.Name, name),
				})
				continue
			}

			rt := &RemoteTool{manager: m, server: s, name: name, def: def}
			m.published[name] = rt
			m.registry.Register(rt)
			byServer[s] = append(byServer[s], name)
		}
	}
	return byServer, warnings
}

// unpublishLocked removes the manager's adapters from the registry,
// leaving any tool that has since replaced one of them. Caller holds m.mu.
func (m *Manager) unpublishLocked() {
	for name, rt := range m.published {
		if m.registry.Get(name) == tools.Tool(rt) {
			m.registry.Unregister(name)
		}
	}
	m.published = make(map[string]*RemoteTool)
}

// DiscoverResources lists resources from every usable connection,
// filters them by the agent's resource filter, and refills the resource
// cache. Each descriptor lives for its server's resource TTL. A URI
// offered by two servers goes to the first by name.
func (m *Manager) DiscoverResources(ctx context.Context) (*ResourceDiscovery, error) {
	conns, err := m.usable()
	if err != nil {
		return nil, err
	}
	disc := m.refreshResources(ctx, conns, true)

	m.logger.Info("MCP resource discovery complete",
		"resources", len(disc.Resources),
		"warnings", len(disc.Warnings),
	)
	return disc, nil
}

// refreshResources is the resource counterpart of refreshTools.
func (m *Manager) refreshResources(ctx context.Context, conns []*Conn, replace bool) *ResourceDiscovery {
	listed := make([][]ResourceDefinition, len(conns))
	errs := make([]error, len(conns))
	each(conns, func(i int, c *Conn) {
		if !c.Info().Resources {
			return
		}
		listed[i], errs[i] = c.ListResources(ctx)
	})

	disc := &ResourceDiscovery{}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return disc
	}

	catalogs := make(map[string][]ResourceDefinition, len(m.resourceCatalogs))
	if !replace {
		for name, defs := range m.resourceCatalogs {
			catalogs[name] = defs
		}
	}

	refreshed := make(map[string]bool)
	for i, c := range conns {
		name := c.Name()
		if m.conns[name] != c {
			continue
		}
		if errs[i] != nil {
			disc.Warnings = append(disc.Warnings, Warning{Server: name, Err: errs[i]})
			continue
		}

		var defs []ResourceDefinition
		for _, d := range listed[i] {
			if m.scope.Resources.Match(d.URI) {
				defs = append(defs, d)
			}
		}
		catalogs[name] = defs
		refreshed[name] = true

		st := m.stale[name]
		st.resources = false
		m.stale[name] = st
	}
	m.resourceCatalogs = catalogs

	if replace {
		refreshed = nil
	}
	disc.Warnings = append(disc.Warnings, m.indexResourcesLocked(refreshed)...)
	disc.Resources = sortedKeys(m.owners)

	for _, w := range disc.Warnings {
		m.logger.Warn("MCP resource discovery warning", "mcp_server", w.Server, "error", w.Err)
	}
	return disc
}

// indexResourcesLocked rebuilds URI ownership from the catalogs and
// brings the caches in line. Entries of refreshed servers (all servers
// when refreshed is nil) and entries whose owner changed are dropped;
// refreshed servers' descriptors are stored again with a fresh TTL.
// Caller holds m.mu.
func (m *Manager) indexResourcesLocked(refreshed map[string]bool) []Warning {
	servers := sortedKeys(m.resourceCatalogs)

	owners := make(map[string]string)
	var warnings []Warning
	for _, s := range servers {
		for _, def := range m.resourceCatalogs[s] {
			if prev, dup := owners[def.URI]; dup {
				warnings = append(warnings, Warning{
					Server: s,
					Err:    fmt.Errorf("resource %q skipped: already provided by %q", def.URI, prev),
				})
				continue
			}
			owners[def.URI] = s
		}
	}
	m.owners = owners

	drop := func(uri, server string) bool {
		return refreshed == nil || refreshed[server] || owners[uri] != server
	}
	m.catalog.DeleteFunc(func(uri string, r Resource) bool { return drop(uri, r.Server) })
	m.contents.DeleteFunc(func(uri string, c cachedContents) bool { return drop(uri, c.server) })

	for _, s := range servers {
		if refreshed != nil && !refreshed[s] {
			continue
		}
		ttl := m.cfg.ResourceTTL(s)
		for _, def := range m.resourceCatalogs[s] {
			if owners[def.URI] != s {
				continue
			}
			m.catalog.Put(def.URI, Resource{Server: s, ResourceDefinition: def}, ttl)
		}
	}
	return warnings
}

// Reconnect replaces the named server's connection with a fresh one,
// drops the server's tools and resources, connects, and rediscovers.
// Concurrent calls for the same server share one attempt.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	m.mu.RLock()
	_, ok := m.conns[name]
	closed := m.closed
	m.mu.RUnlock()

	switch {
	case closed:
		return newError(ErrClosed, name, "reconnect", nil)
	case !ok:
		return newError(ErrServerNotFound, name, "reconnect", nil)
	}

	_, err, _ := m.reconnects.Do(name, func() (any, error) {
		return nil, m.reconnect(ctx, name)
	})
	return err
}

func (m *Manager) reconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError(ErrClosed, name, "reconnect", nil)
	}
	old := m.conns[name]
	fresh := m.newConn(old.Config())
	m.conns[name] = fresh

	delete(m.toolCatalogs, name)
	delete(m.resourceCatalogs, name)
	delete(m.stale, name)
	m.publishLocked()
	m.indexResourcesLocked(map[string]bool{name: true})
	m.mu.Unlock()

	_ = old.Close()
	m.logger.Info("reconnecting MCP server", "mcp_server", name, "session", fresh.Session())

	if err := fresh.Connect(ctx); err != nil {
		return err
	}

	var errs []error
	for _, w := range m.refreshTools(ctx, []*Conn{fresh}, false).Warnings {
		if w.Server == name {
			errs = append(errs, w.Err)
		}
	}
	for _, w := range m.refreshResources(ctx, []*Conn{fresh}, false).Warnings {
		if w.Server == name {
			errs = append(errs, w.Err)
		}
	}
	return errors.Join(errs...)
}

// HasConnections reports whether any connection is usable.
func (m *Manager) HasConnections() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.State().Usable() {
			return true
		}
	}
	return false
}

// ConnectedServers returns the names of usable connections, sorted.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, c := range m.conns {
		if c.State().Usable() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Status returns a snapshot of every connection, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	toolCounts := make(map[string]int)
	for _, rt := range m.published {
		toolCounts[rt.server]++
	}
	resourceCounts := make(map[string]int)
	for _, s := range m.owners {
		resourceCounts[s]++
	}
	watch := m.watch
	m.mu.RUnlock()

	var health map[string]connwatch.ServiceStatus
	if watch != nil {
		health = watch.Status()
	}

	out := make([]ServerStatus, 0, len(conns))
	for _, c := range conns {
		s := ServerStatus{
			Name:      c.Name(),
			Transport: c.Config().Transport(),
			State:     c.State(),
			Session:   c.Session(),
			Since:     c.Since(),
			Attempts:  c.Attempts(),
			Info:      c.Info(),
			Tools:     toolCounts[c.Name()],
			Resources: resourceCounts[c.Name()],
		}
		if err := c.LastError(); err != nil {
			s.LastError = err.Error()
		}
		if h, ok := health[c.Name()]; ok {
			s.Health = &h
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tools returns the published remote tools, sorted by name.
func (m *Manager) Tools() []tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tools.Tool, 0, len(m.published))
	for _, name := range sortedKeys(m.published) {
		out = append(out, m.published[name])
	}
	return out
}

// Tool returns the published remote tool with the given name, or nil.
func (m *Manager) Tool(name string) tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt, ok := m.published[name]; ok {
		return rt
	}
	return nil
}

// CallTool invokes a published remote tool by its published name.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	m.mu.RLock()
	rt := m.published[name]
	m.mu.RUnlock()
	if rt == nil {
		return "", &tools.ErrToolUnavailable{ToolName: name}
	}
	return rt.Execute(ctx, args)
}

// Resources returns the live cached descriptors whose URI matches the
// doublestar pattern, sorted by URI. An empty pattern matches all.
func (m *Manager) Resources(pattern string) ([]Resource, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", doublestar.ErrBadPattern, pattern)
	}

	entries := m.catalog.Filter(func(uri string) bool {
		return pattern == "" || doublestar.MatchUnvalidated(pattern, uri)
	})
	out := make([]Resource, 0, len(entries))
	for _, e := range entries {
		r := e.Value
		r.ExpiresAt = e.ExpiresAt
		out = append(out, r)
	}
	return out, nil
}

// ReadResource returns a resource's contents, from the cache when a
// live copy exists, otherwise from the owning server. Fetched contents
// are cached for the server's resource TTL.
func (m *Manager) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	if v, ok := m.contents.Get(uri); ok {
		return v.contents, nil
	}

	m.mu.RLock()
	server, ok := m.owners[uri]
	c := m.conns[server]
	m.mu.RUnlock()
	if !ok || c == nil {
		return nil, newError(ErrServerNotFound, "", "resources/read", fmt.Errorf("no server provides %q", uri))
	}

	contents, err := c.ReadResource(ctx, uri)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	current := m.owners[uri] == server && m.conns[server] == c
	m.mu.RUnlock()
	if current {
		m.contents.Put(uri, cachedContents{server: server, contents: contents}, m.cfg.ResourceTTL(server))
	}
	return contents, nil
}

type listResourcesInput struct {
	Pattern string `json:"pattern,omitempty" jsonschema:"description=Glob over resource URIs (** crosses path separators). Empty lists everything."`
}

type readResourceInput struct {
	URI string `json:"uri" jsonschema:"description=URI of the resource to read"`
}

// ResourceTools returns local tools that let an agent list and read the
// scope's resources.
func (m *Manager) ResourceTools() []tools.Tool {
	list := tools.NewTyped("mcp_list_resources",
		"List resources offered by connected MCP servers. Returns one line per resource: URI, name, MIME type, and server.",
		func(ctx context.Context, in listResourcesInput) (string, error) {
			res, err := m.Resources(in.Pattern)
			if err != nil {
				return "", err
			}
			if len(res) == 0 {
				return "No resources available.", nil
			}
			var sb strings.Builder
			for _, r := range res {
				fmt.Fprintf(&sb, "%s\t%s\t%s\t(%s)\n", r.URI, r.Name, r.MimeType, r.Server)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		})

	read := tools.NewTyped("mcp_read_resource",
		"Read a resource from a connected MCP server by URI.",
		func(ctx context.Context, in readResourceInput) (string, error) {
			if in.URI == "" {
				return "", errors.New("uri is required")
			}
			contents, err := m.ReadResource(ctx, in.URI)
			if err != nil {
				return "", err
			}
			return resourceText(contents), nil
		})

	return []tools.Tool{list, read}
}

// handleNotification marks a server's catalog stale on list_changed.
func (m *Manager) handleNotification(server string, n *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stale[server]
	switch n.Method {
	case methodToolsListChanged:
		st.tools = true
	case methodResourcesListChanged:
		st.resources = true
	default:
		return
	}
	m.stale[server] = st
	m.logger.Info("MCP catalog changed", "mcp_server", server, "method", n.Method)
}

// Watch starts a health watcher per server. A usable connection is
// pinged; a failed ping degrades it through the normal request path and
// exhausted retries close it. A Closed connection is reconnected with
// backoff. An outage marks the server's catalogs stale. Stale catalogs
// are refreshed after a successful ping, as are resource descriptors
// that have all expired. Calling Watch again is a
// no-op; Close stops the watchers.
func (m *Manager) Watch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.watch != nil {
		return
	}

	m.watch = connwatch.NewManager(m.logger)
	for _, name := range sortedKeys(m.conns) {
		m.watch.Watch(ctx, connwatch.WatcherConfig{
			Name:         name,
			Probe:        func(ctx context.Context) error { return m.probe(ctx, name) },
			OnDown:       func(error) { m.markStale(name) },
			Backoff:      m.policy,
			PollInterval: m.cfg.Health.PollInterval,
			ProbeTimeout: m.cfg.Health.ProbeTimeout,
		})
	}
}

// probe is the health check for one server.
func (m *Manager) probe(ctx context.Context, name string) error {
	c := m.conn(name)
	if c == nil {
		return newError(ErrServerNotFound, name, "probe", nil)
	}

	switch st := c.State(); {
	case st == StateClosed:
		return m.Reconnect(ctx, name)
	case st.Usable():
		if err := c.Ping(ctx); err != nil {
			return err
		}
		m.refreshStale(ctx, c)
		return nil
	default:
		return newError(ErrInternal, name, "probe", fmt.Errorf("connection is %s", st))
	}
}

// refreshStale rediscovers whichever of c's catalogs is stale.
func (m *Manager) refreshStale(ctx context.Context, c *Conn) {
	name := c.Name()

	m.mu.RLock()
	st := m.stale[name]
	owners := make(map[string]bool)
	for uri, s := range m.owners {
		if s == name {
			owners[uri] = true
		}
	}
	m.mu.RUnlock()

	if !st.resources && len(owners) > 0 {
		live := m.catalog.Filter(func(uri string) bool { return owners[uri] })
		st.resources = len(live) == 0
	}

	if st.tools {
		m.refreshTools(ctx, []*Conn{c}, false)
	}
	if st.resources {
		m.refreshResources(ctx, []*Conn{c}, false)
	}
}

// markStale flags both of a server's catalogs for refetch.
func (m *Manager) markStale(server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[server]; !ok || m.closed {
		return
	}
	m.stale[server] = staleness{tools: true, resources: true}
}

// Close stops the health watch, withdraws published tools, empties the
// caches, and closes every connection. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	watch := m.watch
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.unpublishLocked()
	m.toolCatalogs = make(map[string][]ToolDefinition)
	m.resourceCatalogs = make(map[string][]ResourceDefinition)
	m.owners = make(map[string]string)
	m.mu.Unlock()

	if watch != nil {
		watch.Stop()
	}

	m.catalog.DeleteFunc(func(string, Resource) bool { return true })
	m.contents.DeleteFunc(func(string, cachedContents) bool { return true })

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("MCP manager closed", "servers", len(conns))
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

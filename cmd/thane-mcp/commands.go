package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/nugget/thane-mcp/internal/config"
	"github.com/nugget/thane-mcp/internal/mcp"
	"github.com/nugget/thane-mcp/internal/tools"
)

// serverView is one row of `servers`.
type serverView struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"`
	Target    string   `json:"target"`
	Agents    []string `json:"agents"`
}

func describeServers(cfg *config.Config) []serverView {
	agents := make(map[string][]string)
	for _, a := range cfg.AgentNames() {
		for _, s := range cfg.Agents[a].Servers {
			agents[s] = append(agents[s], a)
		}
	}

	views := make([]serverView, 0, len(cfg.Servers))
	for _, name := range cfg.ServerNames() {
		s := cfg.Servers[name]
		v := serverView{Name: name, Transport: s.Transport(), Agents: agents[name]}
		switch {
		case s.Stdio != nil:
			v.Target = strings.TrimSpace(s.Stdio.Command + " " + strings.Join(s.Stdio.Args, " "))
		case s.HTTP != nil:
			v.Target = s.HTTP.URL
		}
		if v.Agents == nil {
			v.Agents = []string{}
		}
		views = append(views, v)
	}
	return views
}

func (c *cli) serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured MCP servers without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			views := describeServers(cfg)
			if c.jsonOutput() {
				return c.writeJSON(views)
			}

			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRANSPORT\tTARGET\tAGENTS")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Transport, v.Target, strings.Join(v.Agents, ","))
			}
			return tw.Flush()
		},
	}
}

// printStatus renders the per-server status table.
func (c *cli) printStatus(status []mcp.ServerStatus) error {
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tTOOLS\tRESOURCES\tSESSION\tERROR")
	for _, s := range status {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Name, s.State, s.Tools, s.Resources, s.Session, s.LastError)
	}
	return tw.Flush()
}

func (c *cli) connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect the agent's servers, run discovery, and report status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			td, err := s.manager.DiscoverTools(ctx)
			if err != nil {
				return err
			}
			rd, err := s.manager.DiscoverResources(ctx)
			if err != nil {
				return err
			}

			if c.jsonOutput() {
				return c.writeJSON(struct {
					Agent     string                 `json:"agent"`
					Summary   *mcp.Summary           `json:"summary"`
					Tools     *mcp.ToolDiscovery     `json:"tools"`
					Resources *mcp.ResourceDiscovery `json:"resources"`
					Servers   []mcp.ServerStatus     `json:"servers"`
				}{s.manager.Agent(), s.summary, td, rd, s.manager.Status()})
			}

			if err := c.printStatus(s.manager.Status()); err != nil {
				return err
			}
			c.printWarnings(s.summary.Warnings)
			c.printWarnings(td.Warnings)
			c.printWarnings(rd.Warnings)
			return nil
		},
	}
}

func (c *cli) toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools [pattern]",
		Short: "List the tools an agent sees, optionally filtered by a name glob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pattern := "*"
			if len(args) == 1 {
				pattern = args[0]
			}
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("%w: %q", doublestar.ErrBadPattern, pattern)
			}

			s, err := c.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			td, err := s.manager.DiscoverTools(ctx)
			if err != nil {
				return err
			}
			reg := s.registry.Select(func(name string) bool {
				return doublestar.MatchUnvalidated(pattern, name)
			})

			if c.jsonOutput() {
				return c.writeJSON(reg.List())
			}

			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
			for _, t := range reg.Tools() {
				server := "local"
				if rt, ok := t.(*mcp.RemoteTool); ok {
					server = rt.Server()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name(), server, firstLine(t.Description()))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			c.printWarnings(td.Warnings)
			return nil
		},
	}
}

func (c *cli) callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-args]",
		Short: "Call a tool by its published name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, argsJSON := args[0], "{}"
			if len(args) == 2 {
				argsJSON = args[1]
			}

			s, err := c.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.manager.DiscoverTools(ctx); err != nil {
				return err
			}
			if _, err := s.manager.DiscoverResources(ctx); err != nil {
				return err
			}

			out, err := s.registry.Execute(ctx, name, argsJSON)
			var unavailable *tools.ErrToolUnavailable
			if errors.As(err, &unavailable) {
				return fmt.Errorf("%w (available: %s)", err, strings.Join(s.registry.AllToolNames(), ", "))
			}
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.writeJSON(map[string]string{"tool": name, "result": out})
			}
			fmt.Fprintln(c.stdout, out)
			return nil
		},
	}
}

func (c *cli) resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources [pattern]",
		Short: "List cached resources, optionally filtered by a URI glob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}

			s, err := c.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			rd, err := s.manager.DiscoverResources(ctx)
			if err != nil {
				return err
			}
			res, err := s.manager.Resources(pattern)
			if err != nil {
				return err
			}

			if c.jsonOutput() {
				return c.writeJSON(res)
			}

			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "URI\tNAME\tMIME\tSERVER")
			for _, r := range res {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.URI, r.Name, r.MimeType, r.Server)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			c.printWarnings(rd.Warnings)
			return nil
		},
	}
}

func (c *cli) readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <uri>",
		Short: "Read a resource by URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.open(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.manager.DiscoverResources(ctx); err != nil {
				return err
			}
			contents, err := s.manager.ReadResource(ctx, args[0])
			if err != nil {
				return err
			}

			if c.jsonOutput() {
				return c.writeJSON(contents)
			}
			for _, rc := range contents {
				if rc.Text != "" || rc.Blob == "" {
					fmt.Fprintln(c.stdout, rc.Text)
					continue
				}
				fmt.Fprintf(c.stdout, "[binary %s, %d bytes base64]\n", rc.MimeType, len(rc.Blob))
			}
			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect, keep connections healthy, and print status until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			ctx := cmd.Context()
			s, err := c.open(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.manager.DiscoverTools(ctx); err != nil {
				return err
			}
			if _, err := s.manager.DiscoverResources(ctx); err != nil {
				return err
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := c.report(s.manager.Status()); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "status report interval")
	return cmd
}

// report prints one status snapshot: a JSON line per snapshot, or a
// timestamped table.
func (c *cli) report(status []mcp.ServerStatus) error {
	if c.jsonOutput() {
		return c.writeJSON(status)
	}
	fmt.Fprintf(c.stdout, "# %s\n", time.Now().Format(time.RFC3339))
	return c.printStatus(status)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

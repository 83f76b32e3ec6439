package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nugget/thane-mcp/internal/buildinfo"
	"github.com/nugget/thane-mcp/internal/config"
	"github.com/nugget/thane-mcp/internal/mcp"
	"github.com/nugget/thane-mcp/internal/tools"
)

// cli holds the global flags and output streams for one invocation.
// Every command tree gets its own, so run is safe to call from parallel
// tests.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPaths []string
	envFile     string
	agent       string
	output      string
	logLevel    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "thane-mcp",
		Short:         "Connect an agent scope to its MCP servers",
		Long:          "thane-mcp connects the MCP servers in an agent's scope, discovers their tools and resources, and lets you inspect and call them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", c.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringArrayVarP(&c.configPaths, "config", "c", nil, "config file (repeatable, later files override earlier ones)")
	flags.StringVar(&c.envFile, "env-file", "", "dotenv file consulted for ${VAR} references not set in the environment")
	flags.StringVarP(&c.agent, "agent", "a", "", "agent scope to use (default: the only configured agent)")
	flags.StringVarP(&c.output, "output", "o", "text", "output format: text or json")
	flags.StringVar(&c.logLevel, "log-level", "", "log level override: trace, debug, info, warn, error")

	root.AddCommand(
		c.serversCmd(),
		c.connectCmd(),
		c.toolsCmd(),
		c.callCmd(),
		c.resourcesCmd(),
		c.readCmd(),
		c.watchCmd(),
		c.initCmd(),
		c.versionCmd(),
	)
	return root
}

// lookup resolves ${VAR} references from the process environment first,
// then from --env-file.
func (c *cli) lookup() (config.LookupFunc, error) {
	if c.envFile == "" {
		return os.LookupEnv, nil
	}
	env, err := godotenv.Read(c.envFile)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	file := config.MapLookup(env)
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		return file(key)
	}, nil
}

// loadConfig merges every --config file, or the first file found on
// the default search path when none is given.
func (c *cli) loadConfig() (*config.Config, error) {
	lookup, err := c.lookup()
	if err != nil {
		return nil, err
	}

	paths := c.configPaths
	if len(paths) == 0 {
		p, err := config.FindConfig("")
		if err != nil {
			return nil, err
		}
		paths = []string{p}
	}
	return config.LoadMerged(lookup, paths...)
}

func (c *cli) newLogger(cfg *config.Config) (*slog.Logger, error) {
	name := cfg.LogLevel
	if c.logLevel != "" {
		name = c.logLevel
	}
	level, err := config.ParseLogLevel(name)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(c.stderr, level, cfg.LogFormat), nil
}

// agentName picks the agent scope: --agent, or the only one configured.
func (c *cli) agentName(cfg *config.Config) (string, error) {
	if c.agent != "" {
		return c.agent, nil
	}
	names := cfg.AgentNames()
	switch len(names) {
	case 0:
		return "", errors.New("no agents configured")
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("--agent is required (configured agents: %s)", strings.Join(names, ", "))
	}
}

// session is a connected manager plus the registry it publishes into.
type session struct {
	logger   *slog.Logger
	manager  *mcp.Manager
	registry *tools.Registry
	summary  *mcp.Summary
}

func (s *session) Close() {
	if err := s.manager.Close(); err != nil {
		s.logger.Warn("MCP shutdown error", "error", err)
	}
}

// open loads the config and connects the agent's servers. The resource
// tools are registered alongside whatever the servers publish later.
// When watch is set, or health.enabled is true, the health watch runs
// for the session's lifetime.
func (c *cli) open(ctx context.Context, watch bool) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.newLogger(cfg)
	if err != nil {
		return nil, err
	}
	agent, err := c.agentName(cfg)
	if err != nil {
		return nil, err
	}

	reg := tools.NewRegistry()
	m, err := mcp.NewManager(cfg, agent,
		mcp.WithLogger(logger),
		mcp.WithRegistry(reg),
	)
	if err != nil {
		return nil, err
	}
	for _, t := range m.ResourceTools() {
		reg.Register(t)
	}

	s := &session{logger: logger, manager: m, registry: reg}
	s.summary, err = m.Initialize(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	if watch || cfg.Health.On() {
		m.Watch(ctx)
	}
	return s, nil
}

func (c *cli) jsonOutput() bool { return c.output == "json" }

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printWarnings(warnings []mcp.Warning) {
	for _, w := range warnings {
		fmt.Fprintf(c.stdout, "warning: %s\n", w)
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := buildinfo.BuildInfo()
			if c.jsonOutput() {
				return c.writeJSON(info)
			}
			fmt.Fprintln(c.stdout, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(c.stdout, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}

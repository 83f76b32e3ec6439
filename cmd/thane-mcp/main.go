// Thane-mcp connects an agent scope to its MCP servers and exposes the
// result on the command line: connection status, discovered tools and
// resources, tool calls, and a health watch.
//
// Usage:
//
//	thane-mcp servers                 List configured servers
//	thane-mcp connect                 Connect and report status
//	thane-mcp tools                   List discovered tools
//	thane-mcp call <tool> [json]      Call a tool
//	thane-mcp resources [pattern]     List resources
//	thane-mcp read <uri>              Read a resource
//	thane-mcp watch                   Keep connections healthy until interrupted
//	thane-mcp version                 Print version and build information
//
// Configuration is read from one or more YAML files (--config, repeatable,
// merged in order) or discovered automatically (see
// [config.DefaultSearchPaths]).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Command output goes to stdout, logs to
// stderr. It returns nil on success and the failure otherwise; the
// caller prints it and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

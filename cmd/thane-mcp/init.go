package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/thane-mcp/examples"
)

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example config and env file (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(c.stdout, dir)
		},
	}
}

// runInit writes the bundled example files into dir. Existing files are
// never overwritten. Both files may hold secrets, so they are 0600.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing thane-mcp configuration in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content []byte
	}{
		{"thane-mcp.yaml", examples.ConfigYAML},
		{".env", examples.EnvFile},
	}
	for _, f := range files {
		if err := writeIfMissing(w, filepath.Join(dir, f.name), f.content, 0o600); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit thane-mcp.yaml, put secrets in .env, then run:")
	fmt.Fprintln(w, "  thane-mcp --env-file .env connect --agent analyst")
	return nil
}

// writeIfMissing creates path with content and mode unless it exists.
// O_EXCL makes the existence check and the create one step.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}

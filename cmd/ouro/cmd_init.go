package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ouro/pkg/config"

	"github.com/spf13/cobra"
)

// initOptions holds the flags for "ouro init".
type initOptions struct {
	home    string
	repoDir string
	workers int
	force   bool
}

// newInitCmd creates the "ouro init" subcommand.
func newInitCmd() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the ouro home directory and a default config",
		Long:  "Writes $OURO_HOME/config.toml with the default settings and creates\nthe state directories. An existing config is kept unless --force is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.repoDir != "" {
				abs, err := filepath.Abs(opts.repoDir)
				if err != nil {
					return fmt.Errorf("resolve repo dir: %w", err)
				}
				opts.repoDir = abs
			}
			return runInit(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.home, "home", "", "ouro home directory (default $OURO_HOME or ~/.ouro)")
	cmd.Flags().StringVar(&opts.repoDir, "repo", "", "repository the agent works on")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "worker pool size")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite an existing config")
	return cmd
}

// runInit writes the default config under the resolved home.
func runInit(w io.Writer, opts initOptions) error {
	paths, err := ResolvePaths(opts.home)
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	for _, dir := range []string{paths.Home, paths.ResultsDir, paths.InboxDir, filepath.Dir(paths.LogPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(paths.ConfigPath); err == nil && !opts.force {
		fmt.Fprintf(w, "config already exists at %s (use --force to overwrite)\n", paths.ConfigPath)
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	cfg := config.Default()
	cfg.Home = paths.Home
	cfg.RepoDir = opts.repoDir
	if opts.workers > 0 {
		cfg.MaxWorkers = opts.workers
	}
	if err := config.Save(paths.ConfigPath, cfg); err != nil {
		return err
	}

	fmt.Fprintf(w, "✓ wrote %s\n", paths.ConfigPath)
	fmt.Fprintf(w, "✓ state directory %s\n", paths.Home)
	if cfg.RepoDir == "" {
		fmt.Fprintln(w, "note: repo_dir is empty; restarts and promotion will skip git until it is set")
	}
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete the build cache",
	Long: `Clean deletes the cache directory so the next build starts from scratch.
With --all the artifact output is removed as well.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Also remove the artifact output")
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	targets := []string{cfg.Abs(cfg.Cache.Dir)}
	if cleanAll {
		targets = append(targets, cfg.Abs(cfg.Output))
	}
	for _, path := range targets {
		if path == cfg.Root {
			return fmt.Errorf("refusing to remove the project root %s", path)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", path)
	}
	return nil
}

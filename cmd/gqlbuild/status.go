package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gqlbuild/scheduler"
	"gqlbuild/tracker"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show files changed since the last build",
	Long: `Status scans the entrypoints and compares them with the baseline saved
by the last build. Nothing is analyzed or written.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	resolver, err := p.entries()
	if err != nil {
		return err
	}
	entries, err := resolver.Resolve()
	if err != nil {
		return err
	}

	t := tracker.New(tracker.Options{
		Store:        p.store,
		Fingerprints: p.cfg.Fingerprinter(),
		Mode:         scheduler.ModeAsync,
		Host:         scheduler.Rooted(p.cfg.Root, nil),
		Concurrency:  p.cfg.Concurrency,
		Logger:       p.log,
	})
	ctx, cancel := signalContext()
	defer cancel()

	previous := t.LoadState()
	current, err := t.Scan(ctx, entries.Files, previous)
	if err != nil {
		return err
	}
	changes := tracker.DetectChanges(previous, current)

	w := cmd.OutOrStdout()
	if statusJSON {
		return writeJSON(w, changes)
	}
	printChanges(w, changes, len(previous.Files) == 0)
	return nil
}

func printChanges(w io.Writer, cs tracker.ChangeSet, fresh bool) {
	if fresh {
		fmt.Fprintln(w, "No previous build (run 'gqlbuild build')")
	}
	if cs.Empty() {
		fmt.Fprintln(w, "Up to date")
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, fc := range cs.Added {
		fmt.Fprintf(w, "  %s %s\n", green("A"), fc.FilePath)
	}
	for _, fc := range cs.Updated {
		fmt.Fprintf(w, "  %s %s\n", yellow("M"), fc.FilePath)
	}
	for _, path := range cs.Removed {
		fmt.Fprintf(w, "  %s %s\n", red("D"), path)
	}
	fmt.Fprintf(w, "\n%d added, %d modified, %d removed\n", len(cs.Added), len(cs.Updated), len(cs.Removed))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

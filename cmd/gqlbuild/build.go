package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gqlbuild/artifact"
	"gqlbuild/session"
)

var (
	buildForce  bool
	buildOutput string
	buildStrict bool
	buildQuiet  bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the artifact for the project",
	Long: `Build scans the configured entrypoints, re-analyzes files that changed
since the last build (plus every file importing them) and writes the
merged artifact.

Examples:
  gqlbuild build                      # Incremental build
  gqlbuild build --force              # Ignore cached results
  gqlbuild build -o dist/gql.json     # Write the artifact elsewhere
  gqlbuild build --strict             # Fail when the build reports warnings`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&buildForce, "force", false, "Re-analyze every file, bypassing cached elements")
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Artifact output path (default from config)")
	buildCmd.Flags().BoolVar(&buildStrict, "strict", false, "Exit with an error when warnings are reported")
	buildCmd.Flags().BoolVarP(&buildQuiet, "quiet", "q", false, "Only print warnings and errors")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runBuild(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signalContext()
	defer cancel()

	a, err := p.session.Build(ctx, session.BuildOptions{Force: buildForce})
	if err != nil {
		return err
	}

	out := buildOutput
	if out == "" {
		out = p.cfg.Output
	}
	out = p.cfg.Abs(out)
	if err := writeArtifact(out, a); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	printWarnings(w, a.Report.Warnings)
	if !buildQuiet {
		printSummary(w, a, p.session.LastBuild(), out)
	}
	if buildStrict && len(a.Report.Warnings) > 0 {
		return fmt.Errorf("build reported %d warning(s)", len(a.Report.Warnings))
	}
	return nil
}

// writeArtifact writes a to path through a temp file and rename.
func writeArtifact(path string, a *artifact.Artifact) error {
	data, err := artifact.Encode(a)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*.json")
	if err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	return nil
}

func printWarnings(w io.Writer, warnings []artifact.Warning) {
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, warn := range warnings {
		fmt.Fprintf(w, "%s %s\n", yellow("warning:"), warn.String())
	}
}

func printSummary(w io.Writer, a *artifact.Artifact, info session.BuildInfo, out string) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	counts := make(map[artifact.Kind]int)
	for _, el := range a.Elements {
		counts[el.Type]++
	}
	kinds := make([]string, 0, len(counts))
	for k, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%d %s", n, k))
	}
	sort.Strings(kinds)

	fmt.Fprintf(w, "%s generation %d in %s\n", green("Built"), info.Generation, info.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  %s %d %v\n", bold("Elements:"), len(a.Elements), kinds)
	fmt.Fprintf(w, "  %s %d added, %d updated, %d removed\n", bold("Files:   "),
		len(info.Changes.Added), len(info.Changes.Updated), len(info.Changes.Removed))
	fmt.Fprintf(w, "  %s %d\n", bold("Analyzed:"), len(info.Analyzed))
	stats := a.Report.Stats
	fmt.Fprintf(w, "  %s %d hits, %d misses, %d skips\n", bold("Cache:   "), stats.Hits, stats.Misses, stats.Skips)
	if len(a.Report.Warnings) > 0 {
		fmt.Fprintf(w, "  %s %d\n", bold("Warnings:"), len(a.Report.Warnings))
	}
	fmt.Fprintf(w, "  %s %s\n", bold("Output:  "), out)
}

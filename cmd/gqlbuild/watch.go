package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gqlbuild/coordinator"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild whenever sources change",
	Long: `Watch polls the entrypoints and rebuilds when a file changes. Each
new artifact is written to the configured output path.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signalContext()
	defer cancel()

	c := p.coordinator(nil)
	defer c.Close()
	out := p.cfg.Abs(p.cfg.Output)
	w := cmd.OutOrStdout()
	c.Subscribe(func(ev coordinator.Event) {
		reportEvent(w, ev)
		if ev.Err == nil && !ev.Diff.Empty() {
			if err := writeArtifact(out, ev.Snapshot.Artifact); err != nil {
				p.log.Error("writing artifact", "error", err)
			}
		}
	})

	fmt.Fprintf(w, "Watching %s (every %s, Ctrl-C to stop)\n", p.cfg.Root, watchInterval)
	poll(ctx, c, watchInterval, p.log.Debug)
	return nil
}

// poll runs EnsureLatest immediately and then every interval until ctx ends.
// Build errors are delivered to subscribers and do not stop the loop.
func poll(ctx context.Context, c *coordinator.Coordinator, interval time.Duration, debug func(string, ...any)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.EnsureLatest(ctx); err != nil && ctx.Err() == nil {
			debug("poll build failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reportEvent(w io.Writer, ev coordinator.Event) {
	stamp := time.Now().Format(time.TimeOnly)
	if ev.Err != nil {
		fmt.Fprintf(w, "%s %s %v\n", stamp, color.RedString("error"), ev.Err)
		return
	}
	if ev.Diff.FromGeneration != 0 && ev.Diff.Empty() && len(ev.Snapshot.Artifact.Report.Warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "%s %s generation %d: %s added, %s updated, %s removed\n",
		stamp,
		color.GreenString("built"),
		ev.Snapshot.Generation,
		color.GreenString("%d", len(ev.Diff.Added)),
		color.YellowString("%d", len(ev.Diff.Updated)),
		color.RedString("%d", len(ev.Diff.Removed)),
	)
	printWarnings(w, ev.Snapshot.Artifact.Report.Warnings)
}

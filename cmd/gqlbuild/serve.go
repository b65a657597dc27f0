package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"gqlbuild/internal/feed"
	"gqlbuild/internal/metrics"
)

var (
	serveListen   string
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the artifact, a live build feed and metrics over HTTP",
	Long: `Serve keeps the build current like watch and exposes it over HTTP:

  GET  /api/snapshot   summary of the current snapshot
  GET  /api/artifact   the current artifact
  POST /api/build      build now
  GET  /api/feed       WebSocket stream of build events
  GET  /metrics        Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", time.Second, "Polling interval")
}

func runServe(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New()
	m.MustRegister(registry)

	c := p.coordinator(m)
	fs := feed.NewServer(c, feed.Options{Logger: p.log})

	mux := http.NewServeMux()
	mux.Handle("/api/", fs.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := serveListen
	if addr == "" {
		addr = p.cfg.Serve.Listen
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := signalContext()
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", p.cfg.Root, addr)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poll(ctx, c, serveInterval, p.log.Debug)
	}()

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		serveErr = srv.Shutdown(shutdownCtx)
	}

	// the session must not be disposed while a build is running
	cancel()
	<-pollDone
	c.Close()
	fs.Close()
	return serveErr
}

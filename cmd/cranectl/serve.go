package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/crane-dl/crane/internal/analyzer"
	"github.com/crane-dl/crane/internal/command"
	"github.com/crane-dl/crane/internal/config"
	"github.com/crane-dl/crane/internal/engine"
	"github.com/crane-dl/crane/internal/limiter"
	"github.com/crane-dl/crane/internal/netguard"
	"github.com/crane-dl/crane/internal/progress"
	"github.com/crane-dl/crane/internal/protocol"
	"github.com/crane-dl/crane/internal/storage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the crane daemon: queue, engine and command surface",
	Long: `Start the crane daemon in the foreground.

The daemon owns the durable store, the download queue and every active
engine.Coordinator, and exposes spec.md's command surface (add/pause/
resume/.../get_downloads, a Prometheus /metrics endpoint, and an SSE
progress stream) over HTTP. cranectl's other subcommands are thin HTTP
clients against this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP listen port (default: configured port, 8787)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg := config.LoadOrDefault(log)
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	srv, cleanup, err := buildServer(cfg, entry)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := srv.Bootstrap(context.Background()); err != nil {
		entry.WithError(err).Warn("auto-resume failed")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router}

	entry.WithField("addr", addr).Info("crane daemon listening")

	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-httpErrCh:
		return err
	case <-sigCh:
		entry.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	}
}

// buildServer wires every collaborator a command.Server needs: the
// network guard, the HTTP/FTP protocol clients, the bandwidth limiter, the
// durable store, and the progress hub, per SPEC_FULL.md's component graph.
func buildServer(cfg *config.Config, log *logrus.Entry) (*command.Server, func(), error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, err
	}

	store, err := storage.Open(filepath.Join(dataDir, "crane.db"), log)
	if err != nil {
		return nil, nil, err
	}

	guard := netguard.New()
	httpClient := protocol.NewHTTPClient(guard)
	ftpClient := protocol.NewFTPClient(guard)

	var schedule []limiter.Window
	for _, w := range cfg.BandwidthSchedule {
		schedule = append(schedule, limiter.Window{
			StartHour: w.StartHour, EndHour: w.EndHour,
			RateOverride: w.RateOverride, Unlimited: w.Unlimited,
		})
	}
	bucket := limiter.NewScheduled(cfg.BandwidthRateBps, schedule, time.Now)

	hub := progress.NewHub()
	az := analyzer.New(httpClient)

	deps := engine.Deps{
		HTTP: httpClient, FTP: ftpClient, Limiter: bucket,
		Store: store, Hub: hub, Log: log,
	}

	srv := command.New(cfg, store, az, hub, deps, log)
	cleanup := func() {
		store.Close()
	}
	return srv, cleanup, nil
}

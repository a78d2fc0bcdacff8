// Command tsbengine runs the time-shift-buffer engine as a standalone
// process: it mounts the §6 virtual-file path table via FUSE and serves
// Prometheus metrics over HTTP, the same two ambient surfaces plex-tuner
// exposes (HTTP handlers + an optional VODFS mount) wired onto this
// engine's own subsystems instead.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/plextuner/tsbengine/internal/config"
	"github.com/plextuner/tsbengine/internal/engine"
	"github.com/plextuner/tsbengine/internal/fusehost"
)

func main() {
	if envFile := os.Getenv("TSBENGINE_ENV_FILE"); envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			log.Fatalf("tsbengine: load env file %q: %v", envFile, err)
		}
	}
	cfg := config.Load()

	mount := flag.String("mount", cfg.MountPoint, "FUSE mount point for the virtual-file path table")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "HTTP listen address for /metrics")
	flag.Parse()
	cfg.MountPoint = *mount
	cfg.MetricsAddr = *metricsAddr

	e := engine.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)
	defer e.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Metrics().Handler())
	go func() {
		log.Printf("tsbengine: metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("tsbengine: metrics server: %v", err)
		}
	}()

	log.Printf("tsbengine: mounting virtual-file path table at %s", cfg.MountPoint)
	if err := fusehost.Mount(cfg.MountPoint, e); err != nil {
		log.Fatalf("tsbengine: mount: %v", err)
	}
}

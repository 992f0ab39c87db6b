package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gueridon/backend/internal/config"
	"github.com/gueridon/backend/internal/logging"
	"github.com/gueridon/backend/internal/reaper"
	"github.com/gueridon/backend/internal/runtime"
	"github.com/gueridon/backend/internal/scan"
	"github.com/gueridon/backend/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	root := flag.String("root", "", "Override scan root")
	flag.Parse()

	log := logging.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Server.ScanRoot = *root
	}

	// Children a crashed predecessor left behind die before any client can
	// bind to a folder they still own.
	reaper.ReapOrphans(cfg.RecordsFile(), cfg.Session.OrphanMaxAge)

	scanner := scan.NewScanner(cfg.Server.ScanRoot)
	recorder := reaper.NewRecorder(cfg.RecordsFile())
	registry := runtime.NewRegistry(cfg, scanner, recorder)
	srv := server.New(cfg, scanner, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		srv.Close()
		registry.Shutdown()
		os.Exit(0)
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

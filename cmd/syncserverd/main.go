// Command syncserverd runs the Sync Server (spec.md §4.I): HTTP auth,
// push/pull, and root-key envelope endpoints backed by Postgres.
package main

import (
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cardvault/cardvault/internal/config"
	"github.com/cardvault/cardvault/internal/syncserver"
)

func main() {
	configPath := flag.String("config", "syncserverd.yaml", "path to the syncserverd config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "", "log format: text or json (overrides config)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	format := cfg.LogFormat
	if *logFormat != "" {
		format = *logFormat
	}
	setupLogging(*verbose, format)

	db, err := syncserver.OpenDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database failed: %v", err)
	}

	srv := syncserver.NewServer(db, syncserver.Config{
		JWTSecret:       []byte(cfg.JWTSecret),
		AccessTokenTTL:  time.Duration(cfg.AccessTokenTTLMin) * time.Minute,
		RefreshTokenTTL: time.Duration(cfg.RefreshTokenTTLHr) * time.Hour,
	})

	slog.Info("syncserverd listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.Handler()); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func setupLogging(verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

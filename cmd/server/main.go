package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andy6609/chat-relay/internal/chat"
	"github.com/andy6609/chat-relay/internal/config"
	"github.com/andy6609/chat-relay/internal/store"
)

func main() {
	configPath := flag.String("config", "chat-relay.toml", "path to config file")
	addr := flag.String("addr", "", "chat listen address (overrides config)")
	wsAddr := flag.String("ws-addr", "", "websocket listen address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address (overrides config)")
	dbPath := flag.String("db", "", "path to the history database (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *wsAddr != "" {
		cfg.Server.WebSocketAddr = *wsAddr
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}
	if *dbPath != "" {
		cfg.Server.DatabasePath = *dbPath
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)

	path, err := cfg.DatabasePath()
	if err != nil {
		logger.Error("failed to resolve database path", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Error("failed to create database directory", "error", err)
		os.Exit(1)
	}
	history, err := store.Open(path)
	if err != nil {
		logger.Error("failed to open history", "path", path, "error", err)
		os.Exit(1)
	}
	logger.Info("history opened", "path", path)

	srv := chat.NewServer(chat.Config{
		Addr:          cfg.Server.ListenAddr,
		WebSocketAddr: cfg.Server.WebSocketAddr,
		IdleTimeout:   cfg.Limits.IdleTimeout(),
		OutboundQueue: cfg.Limits.OutboundQueue,
		Registry: chat.RegistryConfig{
			MaxHistory:        cfg.Limits.MaxHistory,
			MaxClients:        cfg.Limits.MaxClients,
			MaxNicknameLength: cfg.Limits.MaxNicknameLength,
			MaxImageBytes:     cfg.Limits.MaxImageBytes,
			ShutdownFlush:     cfg.Limits.ShutdownFlush(),
		},
	}, history, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		history.Close()
		os.Exit(1)
	}

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr, logger)
	}

	console := chat.NewConsole(srv.Registry(), os.Stdin, os.Stdout, logger)
	console.Exit = func(code int) {
		history.Close()
		os.Exit(code)
	}
	go func() {
		if err := console.Run(); err != nil {
			logger.Warn("admin console stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
	if err := history.Close(); err != nil {
		logger.Error("failed to close history", "error", err)
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics listening", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "error", err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"overnet/config"
	"overnet/observability/logging"
	"overnet/p2p"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("OVERNET_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("overnetd", env, logging.Options{File: cfg.LogFile})

	externalAddr, err := p2p.ParseAddress(cfg.ExternalAddress)
	if err != nil {
		logger.Error("Invalid ExternalAddress", slog.Any("error", err))
		os.Exit(1)
	}

	directory, err := p2p.OpenDirectory(filepath.Join(cfg.DataDir, "peers"), externalAddr)
	if err != nil {
		logger.Error("Failed to open peer directory", slog.Any("error", err))
		os.Exit(1)
	}
	defer directory.Close()

	node := p2p.NewNode(p2p.NodeConfig{
		ListenAddress:  cfg.ListenAddress,
		Address:        externalAddr,
		MaxConnections: cfg.MaxConnections,
	})
	if err := node.Start(); err != nil {
		logger.Error("Failed to start node", slog.Any("error", err))
		os.Exit(1)
	}
	defer node.Close()
	node.StartMaintenance()

	registry := p2p.NewRegistry(node, directory, externalAddr)
	if delay := cfg.SettlingDelay(); delay > 0 {
		registry.SetSettlingDelay(delay)
	}
	defer registry.Close()

	if cfg.MetricsAddress != "" {
		go serveMetrics(logger, cfg.MetricsAddress)
	}

	for _, raw := range cfg.Bootnodes {
		bootnode, err := p2p.ParseAddress(raw)
		if err != nil {
			logger.Warn("Ignoring invalid bootnode", slog.Any("error", err))
			continue
		}
		if bootnode == externalAddr {
			continue
		}
		go authenticate(logger, registry, bootnode, cfg)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")
}

func authenticate(logger *slog.Logger, registry *p2p.Registry, peer p2p.Address, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.AuthTimeout())
	defer cancel()
	conn, err := registry.Authenticate(peer).Await(ctx)
	if err != nil {
		logger.Warn("Bootnode authentication failed",
			logging.MaskField("peer_address", peer.String()),
			slog.Any("error", err))
		return
	}
	logger.Info("Bootnode authenticated",
		logging.MaskField("peer_address", peer.String()),
		slog.String("uid", conn.UID()))
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics endpoint stopped", slog.Any("error", err))
	}
}

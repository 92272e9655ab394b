package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"svcweave/internal/config"
	"svcweave/internal/credentials"
	"svcweave/internal/directory"
	"svcweave/internal/directory/sqlitestore"
	"svcweave/internal/logging"
)

func main() {
	configPath := flag.String("config", "./directory.yaml", "Path to YAML config")
	logFormat := flag.String("log-format", "", "Log format: text, json, auto (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger := logging.Setup(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = config.DefaultDirectoryPort
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}

	bundle, err := credentials.LoadOrGenerate(cfg.Listen.TLS.Cert, cfg.Listen.TLS.Key, "svcweave-directory", nil, logger)
	if err != nil {
		logger.Error("tls certificate", "error", err)
		os.Exit(1)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{bundle.TLS},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.Listen.TLS.ClientCA != "" {
		pool, err := credentials.LoadPool(cfg.Listen.TLS.ClientCA)
		if err != nil {
			logger.Error("client ca", "error", err)
			os.Exit(1)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}

	opts := []directory.ServerOption{directory.WithServerLogger(logger)}
	if cfg.Directory.RateLimit > 0 {
		opts = append(opts, directory.WithRateLimit(cfg.Directory.RateLimit))
	}
	srv := directory.NewServer(store, opts...)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go shutdownOnSignal(logger, []*http.Server{httpServer}, func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	})

	logger.Info("directory ready", "addr", cfg.ListenAddr(), "store", cfg.Store.Backend, "rate_limit", cfg.Directory.RateLimit)
	if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	// Serve returns as soon as Shutdown starts; wait for the drain to finish.
	<-shutdownDone
}

func openStore(cfg config.StoreConfig) (directory.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return directory.NewMemoryStore(), nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// Command verifierpool runs a verifier lease pool with its status and metrics endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/verifierpool/internal/chain"
	"github.com/R3E-Network/verifierpool/internal/config"
	"github.com/R3E-Network/verifierpool/internal/credential"
	"github.com/R3E-Network/verifierpool/internal/logging"
	"github.com/R3E-Network/verifierpool/internal/metrics"
	"github.com/R3E-Network/verifierpool/internal/middleware"
	"github.com/R3E-Network/verifierpool/internal/registry"
	"github.com/R3E-Network/verifierpool/internal/registry/postgres"
	"github.com/R3E-Network/verifierpool/internal/registry/redis"
	"github.com/R3E-Network/verifierpool/services/verifierpool"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(verifierpool.ServiceID, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("verifier pool exited")
	}
}

func run(cfg *config.PoolConfig, log *logging.Logger) error {
	ctx := context.Background()
	collector := metrics.NewCollector("")

	reg, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	heights, closeChain, err := dialChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeChain()

	poolCfg, err := verifierpool.ConfigFromPool(cfg)
	if err != nil {
		return err
	}
	pool, err := verifierpool.Initialize(ctx, poolCfg, verifierpool.Dependencies{
		Registry: reg,
		Chain:    heights,
		Logger:   log,
		Metrics:  collector,
	}, credential.SplitKeys(cfg.Keys))
	if err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}

	router := pool.Router()
	router.Use(middleware.LoggingMiddleware(log), middleware.MetricsMiddleware(collector))
	router.Handle("/metrics", collector.Handler()).Methods("GET")

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})
	case runErr = <-serverErr:
		log.WithError(runErr).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("pool shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return runErr
}

func openRegistry(ctx context.Context, cfg *config.PoolConfig) (registry.Registry, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		reg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return reg, closer(reg), nil
	case config.StoreRedis:
		reg, err := redis.Open(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return reg, closer(reg), nil
	default:
		return registry.NewMemory(), func() {}, nil
	}
}

func dialChain(ctx context.Context, cfg *config.PoolConfig) (chain.HeightSource, func(), error) {
	switch cfg.Chain {
	case config.ChainNeo:
		c, err := chain.DialNeo(ctx, cfg.RPCURL, cfg.PollInterval)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		c, err := chain.DialEVM(ctx, cfg.RPCURL, chain.EVMConfig{
			ChainID:      cfg.ChainID,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}

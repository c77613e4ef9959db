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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aryangodara/apigateway"
	"github.com/aryangodara/apigateway/audit"
	"github.com/aryangodara/apigateway/auth"
	"github.com/aryangodara/apigateway/config"
	"github.com/aryangodara/apigateway/internal/log"
	"github.com/aryangodara/apigateway/keystore"
	"github.com/aryangodara/apigateway/monitor"
	"github.com/aryangodara/apigateway/rate_limiting_strategies"
	"github.com/aryangodara/apigateway/rediscache"
	"github.com/aryangodara/apigateway/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway and serve the endpoints declared in the configuration.

Rate limits are reloaded when the configuration file changes; other changes
need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		noWatch, _ := cmd.Flags().GetBool("no-watch")
		metrics, _ := cmd.Flags().GetBool("metrics")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("gatewayd")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return serve(ctx, path, cfg, metrics, !noWatch, logger)
	},
}

func init() {
	serveCmd.Flags().Bool("no-watch", false, "Do not reload rate limits when the configuration changes")
	serveCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics on /metrics")
}

func serve(ctx context.Context, path string, cfg *config.Config, metricsEnabled, watch bool, logger zerolog.Logger) error {
	health := monitor.NewHealth(Version)
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close resource")
			}
		}
	}()

	opts := apigateway.Options{ReportBuffer: cfg.ReportBuffer}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, client)
		if err := client.Ping(ctx).Err(); err != nil {
			health.Set("redis", false, err.Error())
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, rate limiting fails open until it recovers")
		} else {
			health.Set("redis", true, cfg.Redis.Addr)
		}
		opts.Strategies = rate_limiting_strategies.NewRedisFactory(client, cfg.Redis.KeyPrefix, time.Now)
		opts.Cache = rediscache.New(client, "")
		go monitorRedis(ctx, client, health)
	} else {
		opts.Strategies = rate_limiting_strategies.NewMemoryFactory(time.Now)
		store := apigateway.NewMemoryCacheStore(apigateway.MemoryCacheOptions{MaxEntries: cfg.Cache.MaxEntries})
		opts.Cache = store
		interval := cfg.Cache.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		go store.Run(ctx, interval)
		health.Set("cache", true, "memory")
	}

	if cfg.KeyStore.Path != "" {
		store, err := keystore.Open(cfg.KeyStore.Path, time.Now)
		if err != nil {
			return err
		}
		closers = append(closers, store)
		opts.Keys = store
		health.Set("keystore", true, cfg.KeyStore.Path)
	} else {
		opts.Keys = apigateway.NewMemoryKeyStore(time.Now)
		logger.Warn().Msg("keyStore.path is not set, api keys are kept in memory")
	}

	if cfg.JWT.Secret != "" {
		opts.Authenticator = auth.NewJWTAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer, time.Now)
	}
	opts.Authorizer = auth.NewGrantsAuthorizer(cfg.Grants)
	opts.Metrics = monitor.Recorder{}

	switch cfg.Audit.Sink {
	case config.AuditLog:
		opts.Audit = audit.NewLogSink(log.WithComponent("audit"))
	case config.AuditKafka:
		sink := audit.NewKafkaSink(cfg.Audit.Brokers, cfg.Audit.Topic)
		closers = append(closers, sink)
		opts.Audit = audit.Fanout(sink, audit.NewLogSink(log.WithComponent("audit")))
	}

	gw := apigateway.New(opts)
	// closed before the stores it reports on
	closers = append(closers, gw)

	if err := server.RegisterEndpoints(gw, cfg.Endpoints, nil); err != nil {
		return err
	}

	if watch {
		go func() {
			if err := config.Watch(ctx, path, cfg, gw, log.WithComponent("config")); err != nil {
				logger.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.NewRouter(gw, server.RouterConfig{
			AdminToken:     cfg.AdminToken,
			TrustForwarded: cfg.TrustForwarded,
			MetricsEnabled: metricsEnabled,
			Health:         health,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Int("endpoints", len(cfg.Endpoints)).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func monitorRedis(ctx context.Context, client *redis.Client, health *monitor.Health) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				health.Set("redis", false, err.Error())
			} else {
				health.Set("redis", true, client.Options().Addr)
			}
		}
	}
}

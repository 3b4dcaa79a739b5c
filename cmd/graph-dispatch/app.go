package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/auth"
	"github.com/Sternrassler/graph-batch-client/pkg/cache"
	"github.com/Sternrassler/graph-batch-client/pkg/client"
	"github.com/Sternrassler/graph-batch-client/pkg/config"
	"github.com/Sternrassler/graph-batch-client/pkg/dispatcher"
	"github.com/Sternrassler/graph-batch-client/pkg/graph"
	"github.com/Sternrassler/graph-batch-client/pkg/logging"
	"github.com/Sternrassler/graph-batch-client/pkg/metrics"
	"github.com/Sternrassler/graph-batch-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the final drain of the dispatcher.
const shutdownTimeout = 30 * time.Second

// app wires the configured components for one command run.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	logFile    *os.File
	redis      *redis.Client
	dispatcher *dispatcher.Dispatcher
	scenarios  *graph.Scenarios
	metricsSrv *http.Server
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat == "text" {
		cfg.Logging.Pretty = true
	}
	if flags.metricsListen != "" {
		cfg.Metrics.Listen = flags.metricsListen
	}
	if flags.baseURL != "" {
		cfg.Service.BaseURL = flags.baseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, flags *globalFlags, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		logOut = f
	}
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: logOut,
	})
	a.logger = logging.NewLogger("cli")

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	senderCfg := client.DefaultConfig()
	senderCfg.Timeout = cfg.Service.Timeout
	senderCfg.UserAgent = cfg.Service.UserAgent
	senderCfg.Retry = client.RetryPolicy{
		MaxThrottleRetries:  cfg.Retry.MaxThrottleRetries,
		MaxTransientRetries: cfg.Retry.MaxTransientRetries,
		TransientBackoff:    cfg.Retry.TransientBackoff,
		DefaultRetryAfter:   cfg.Retry.DefaultRetryAfter,
	}
	senderCfg.Tracker = ratelimit.NewTracker(a.redis, ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, logging.NewLogger("ratelimit"))

	if cfg.Auth.Enabled() {
		authCfg := auth.Config{
			TenantID:     cfg.Auth.TenantID,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scopes:       cfg.Auth.Scopes,
			TokenURL:     cfg.Auth.TokenURL,
			StaticToken:  cfg.Auth.StaticToken,
		}
		if a.redis != nil {
			authCfg.Cache = cache.NewManager(a.redis)
		}
		authenticator, err := auth.New(authCfg)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		senderCfg.Authenticator = authenticator
	}

	sender, err := client.NewSender(senderCfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	dcfg := dispatcher.DefaultConfig(sender)
	dcfg.BaseURL = cfg.Service.BaseURL
	dcfg.Concurrency = cfg.Dispatcher.Concurrency
	dcfg.BatchSize = cfg.Dispatcher.BatchSize
	dcfg.IdleFlush = cfg.Dispatcher.IdleFlush
	a.dispatcher, err = dispatcher.New(dcfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.scenarios = graph.NewScenarios(a.dispatcher, a.dispatcher.BaseURL(), nil)

	if cfg.Metrics.Listen != "" {
		a.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metrics.Mux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		a.logger.Info().Str("listen", cfg.Metrics.Listen).Msg("Serving metrics")
	}

	return a, nil
}

// close drains the dispatcher and releases everything newApp opened. It
// returns the dispatcher's fatal error, if any.
func (a *app) close(ctx context.Context) error {
	var err error
	if a.dispatcher != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		err = a.dispatcher.Shutdown(sctx)
		cancel()
	}
	if a.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = a.metricsSrv.Shutdown(sctx)
		cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
	return err
}

// withApp runs fn with a configured app and closes it afterwards. A close
// error is returned only when fn succeeded.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()

	a, err := newApp(ctx, flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

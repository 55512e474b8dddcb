package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"rental-gateway/middleware/ratelimit"
	"rental-gateway/middleware/ratelimit/application"
	"rental-gateway/middleware/ratelimit/domain"
	"rental-gateway/middleware/ratelimit/identity"
	"rental-gateway/middleware/ratelimit/infra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rate-limiting reverse proxy",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := readConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cfg.upstreamURL == "" {
		return errors.New("UPSTREAM_URL is required")
	}
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	logger := newLogger(os.Stderr, cfg.logLevel, cfg.logFormat)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           a.router(proxy),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		"addr", cfg.listenAddr, "upstream", target.String(), "env", cfg.appEnv,
		"backend", a.selector.Kind(), "instance", a.instance, "admin", !cfg.production(),
		"trust_auth_info", cfg.trustAuthInfo)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// app agrupa o que o gateway monta no boot: backend, registry, stats.
type app struct {
	cfg      config
	logger   *slog.Logger
	instance string

	local    *infra.MemoryStore
	selector *infra.Selector
	registry *application.Registry
	service  application.Service

	memStats    *infra.MemoryStatsStore
	stats       domain.StatsStore
	statsClient *redis.Client

	stopWatch func()
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger) (*app, error) {
	table := application.DefaultPolicyTable()
	if cfg.policyFile != "" {
		t, err := application.LoadPolicyFile(cfg.policyFile)
		if err != nil {
			return nil, err
		}
		table = t
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		instance: uuid.NewString(),
		local:    infra.NewMemoryStore(infra.WithMaxKeys(cfg.localMaxKeys)),
		memStats: infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.rateStatsTrackKeys)),
	}
	a.local.StartJanitor(ctx)

	a.selector = infra.NewSelector(ctx, infra.SelectorOptions{
		Redis:          cfg.redis,
		ConnectTimeout: cfg.redisConnectTimeout,
		ProbeTimeout:   cfg.redisProbeTimeout,
		GracePeriod:    cfg.redisGracePeriod,
		CheckInterval:  cfg.redisCheckInterval,
		KeyPrefix:      cfg.keyPrefix,
		Local:          a.local,
		Logger:         logger,
		Instance:       a.instance,
	})
	a.stopWatch = a.watchBackend()

	reg, err := application.NewRegistry(table, a.selector)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = reg
	a.service = application.NewService(reg, application.Engine{})

	a.stats = a.memStats
	if cfg.rateStatsEnabled {
		a.statsClient = redis.NewClient(&redis.Options{
			Addr:     cfg.rateStatsRedisAddr,
			Password: cfg.rateStatsRedisPassword,
			DB:       cfg.rateStatsRedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := a.statsClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// estatística é best-effort: segue só com a memória
			logger.Warn("redis stats unavailable, keeping in-memory stats only", "addr", cfg.rateStatsRedisAddr, "error", err)
			_ = a.statsClient.Close()
			a.statsClient = nil
		} else {
			a.stats = infra.MultiStats(a.memStats, infra.NewRedisStatsStore(
				a.statsClient,
				infra.WithStatsPrefix(cfg.rateStatsPrefix),
				infra.WithStatsTTL(cfg.rateStatsTTL),
				infra.WithStatsBucket(cfg.rateStatsBucket),
				infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
			))
		}
	}
	return a, nil
}

// watchBackend loga cada transição do backend distribuído.
func (a *app) watchBackend() func() {
	changes, cancel := a.selector.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ch := <-changes:
				a.logger.Info("rate limit backend state changed",
					"from", ch.From.String(), "to", ch.To.String(), "reason", ch.Reason, "instance", a.instance)
			}
		}
	}()
	return func() {
		cancel()
		close(done)
	}
}

func (a *app) close() {
	if a.selector != nil {
		_ = a.selector.Close()
	}
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.statsClient != nil {
		_ = a.statsClient.Close()
	}
}

// router monta health, admin (fora de produção) e o proxy atrás do rate
// limit por rota.
func (a *app) router(upstream http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz/ratelimit", ratelimit.HealthHandler(a.selector))

	if !a.cfg.production() {
		r.Mount("/internal/ratelimit", ratelimit.AdminRoutes(application.Admin{
			Registry: a.registry,
			Engine:   a.service.Engine,
		}, a.memStats))
	}

	limiter := ratelimit.New(ratelimit.Options{
		Service:           a.service,
		Stats:             a.stats,
		Logger:            a.logger,
		TrustProxyHeaders: a.cfg.trustXFF,
	})
	r.Group(func(r chi.Router) {
		if !a.cfg.trustAuthInfo {
			r.Use(identity.StripHeader)
		}
		r.Use(identity.FromHeader)
		r.Use(limiter.ByRoute())
		r.Handle("/*", upstream)
	})
	return r
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

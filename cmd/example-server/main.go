package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"rental-gateway/middleware/ratelimit"
	"rental-gateway/middleware/ratelimit/application"
	"rental-gateway/middleware/ratelimit/domain"
	"rental-gateway/middleware/ratelimit/identity"
	"rental-gateway/middleware/ratelimit/infra"
)

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var redisOpts *redis.Options
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisOpts = &redis.Options{Addr: addr}
	}

	local := infra.NewMemoryStore()
	local.StartJanitor(ctx)
	backend := infra.NewSelector(ctx, infra.SelectorOptions{Redis: redisOpts, Local: local, Logger: logger})
	defer backend.Close()

	reg, err := application.NewRegistry(application.DefaultPolicyTable(), backend)
	if err != nil {
		logger.Error("invalid policy table", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.New(ratelimit.Options{
		Service:           application.NewService(reg, application.Engine{}),
		Logger:            logger,
		TrustProxyHeaders: true,
	})

	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}

	r := chi.NewRouter()
	if os.Getenv("TRUST_AUTH_INFO") != "true" {
		r.Use(identity.StripHeader)
	}
	r.Use(identity.FromHeader)
	r.Get("/healthz/ratelimit", ratelimit.HealthHandler(backend))
	r.With(limiter.Middleware(domain.CategoryAuth)).Post("/auth/login", ok)
	r.With(limiter.Middleware(domain.CategoryPasswordReset)).Post("/auth/password/forgot", ok)
	r.With(limiter.Middleware(domain.CategoryBooking)).Post("/bookings", ok)
	r.With(limiter.API()).Get("/*", ok)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", "addr", addr, "backend", backend.Kind())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
	}
}

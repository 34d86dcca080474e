package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deltayeb/iofteoi/internal/api"
	"github.com/deltayeb/iofteoi/internal/auth"
	"github.com/deltayeb/iofteoi/internal/catalog"
	"github.com/deltayeb/iofteoi/internal/config"
	"github.com/deltayeb/iofteoi/internal/dispute"
	"github.com/deltayeb/iofteoi/internal/metrics"
	"github.com/deltayeb/iofteoi/internal/ratelimit"
	"github.com/deltayeb/iofteoi/internal/settlement"
	"github.com/deltayeb/iofteoi/internal/store"
	"github.com/deltayeb/iofteoi/pkg/db"
	"github.com/deltayeb/iofteoi/pkg/httpx"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connect", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		log.Error("migrate", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	settlementMetrics := metrics.NewSettlement(reg)

	signer := auth.NewSigner(cfg.JWTSecret)
	engine := settlement.NewEngine(st, settlement.Config{
		FeePercent:     cfg.FeePercent,
		HandlerTimeout: cfg.HandlerTimeout,
		SigningSecret:  cfg.SigningSecret,
	}, log, settlementMetrics)
	adjudicator := dispute.NewAdjudicator(st, log, settlementMetrics)

	authHandler := auth.NewHandler(st, signer, log)
	catalogHandler := catalog.NewHandler(st, log)
	apiHandler := api.NewHandler(engine, adjudicator, st, log)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.Body = http.MaxBytesReader(w, req.Body, cfg.MaxBodyBytes)
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			httpx.WriteError(w, http.StatusServiceUnavailable, "database unreachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Method("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(public chi.Router) {
		public.Use(limiter.Middleware)
		authHandler.Routes(public)
	})

	r.Group(func(protected chi.Router) {
		protected.Use(auth.Middleware(signer, st))
		protected.Use(limiter.Middleware)
		authHandler.TokenRoutes(protected)
		catalogHandler.Routes(protected)
		apiHandler.Routes(protected)
	})

	log.Info("listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Error("server", "err", err)
		os.Exit(1)
	}
}

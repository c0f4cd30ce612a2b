package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/config"
)

const shutdownTimeout = 30 * time.Second

func runServer(cfg *config.Config, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sWarden starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewServices(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	if err := svc.StartPipeline(ctx); err != nil {
		svc.Close(context.Background())
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	if cfg.JWTSecret == "" {
		log.Println("[warden] auth: WARDEN_JWT_SECRET not set, admin API will reject every request")
	}

	handlers := &api.Handlers{
		Ledger:      svc.Ledger,
		LedgerAdmin: svc.LedgerAdmin,
		Enforcer:    svc.Enforcer,
		Communities: svc.Communities,
		Policy:      svc.Policy,
		Dispatcher:  svc.Dispatcher,
		Appeals:     svc.Appeals,
		Decisions:   svc.Decisions,
		Platform:    svc.Platform,
		Events:      svc.Engine,
		Audit:       svc.Audit,
		Actor:       auth.ActorFromContext,
	}
	limiter := api.NewRateLimiter(ctx, cfg.APIRateLimit, cfg.APIRateBurst)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(handlers.Routes(), auth.NewJWTValidator(cfg.JWTSecret), limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := svc.Engine.Run(ctx, cfg.SweepInterval); err != nil {
			slog.Error("engine stopped", "error", err)
		}
	}()
	go func() {
		log.Printf("[warden] api: listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			stop()
		}
	}()

	log.Println("[warden] ready")
	<-ctx.Done()
	log.Println("[warden] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
	svc.Engine.Wait()
	svc.Close(shutdownCtx)
	return 0
}

// newHandler serves /health outside the auth and rate-limit chain.
func newHandler(routes http.Handler, validator *auth.JWTValidator, limiter *api.RateLimiter) http.Handler {
	chain := protect(routes)
	chain = auth.NewMiddleware(validator)(chain)
	chain = limiter.Middleware(chain)

	mux := http.NewServeMux()
	mux.Handle("GET /health", routes)
	mux.Handle("/", chain)
	return auth.RequestIDMiddleware(mux)
}

// protect applies per-surface role checks: the bridge pushes events and
// button presses, moderators resolve confirmations, and everything else is
// admin-only.
func protect(routes http.Handler) http.Handler {
	mux := http.NewServeMux()
	bridgeOnly := auth.RequireRole("bridge")(routes)
	mux.Handle("/v1/events/", bridgeOnly)
	mux.Handle("/v1/interactions", bridgeOnly)
	mux.Handle("POST /v1/appeals", bridgeOnly)
	mux.Handle("/v1/confirmations", auth.RequireRole("moderate_members", "kick_members", "ban_members")(routes))
	mux.Handle("/v1/confirmations/", auth.RequireRole("moderate_members", "kick_members", "ban_members")(routes))
	mux.Handle("/", auth.RequireRole("admin")(routes))
	return mux
}

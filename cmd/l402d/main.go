package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/config"
	"github.com/myceliasignal/slo/internal/keystore"
	"github.com/myceliasignal/slo/internal/l402"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateL402(); err != nil {
		log.Fatal("config invalid", zap.Error(err))
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Keys ──────────────────────────────────────────────────────────────────
	ks, err := keystore.Open(cfg.Keystore.Dir, log)
	if err != nil {
		log.Fatal("keystore open failed", zap.Error(err))
	}
	minter := l402.NewMinter(ks.RootKey(), "slo")

	// ── LND node ──────────────────────────────────────────────────────────────
	macData, err := os.ReadFile(cfg.LND.MacaroonPath)
	if err != nil {
		log.Fatal("read lnd macaroon failed", zap.Error(err))
	}
	lnd := l402.NewLNDClient(cfg.LND.RESTURL, hex.EncodeToString(macData), cfg.LND.SkipTLSVerify)

	// ── Route tables ──────────────────────────────────────────────────────────
	routes := make(map[string]l402.Route, len(cfg.L402.Routes))
	for _, rc := range cfg.L402.Routes {
		routes[rc.Path] = l402.Route{Backend: rc.Backend, PriceSats: rc.PriceSats}
	}
	prefixes := make([]l402.PrefixRoute, 0, len(cfg.L402.PrefixRoutes))
	for _, rc := range cfg.L402.PrefixRoutes {
		prefixes = append(prefixes, l402.PrefixRoute{Prefix: rc.Prefix, Backend: rc.Backend, PriceSats: rc.PriceSats})
	}
	free := make(map[string]string, len(cfg.L402.FreeRoutes))
	for _, fc := range cfg.L402.FreeRoutes {
		free[fc.Path] = fc.Backend
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	l402.NewHandler(routes, prefixes, free, lnd, minter, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.L402Port),
		Handler: r,
	}

	go func() {
		log.Info("lightning rail starting", zap.Int("port", cfg.Server.L402Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

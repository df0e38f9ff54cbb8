package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/backend"
	"github.com/myceliasignal/slo/internal/config"
	"github.com/myceliasignal/slo/internal/dlc"
	"github.com/myceliasignal/slo/internal/keystore"
	"github.com/myceliasignal/slo/internal/oracle"
	"github.com/myceliasignal/slo/internal/signer"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Keys ──────────────────────────────────────────────────────────────────
	ks, err := keystore.Open(cfg.Keystore.Dir, log)
	if err != nil {
		log.Fatal("keystore open failed", zap.Error(err))
	}
	sig := signer.New(ks.OracleKey(), ks.Ed25519Key())
	log.Info("oracle identity", zap.String("pubkey", sig.PublicKeyHex()))

	// ── Engines ───────────────────────────────────────────────────────────────
	engines := backend.BuildEngines(cfg, log)

	// ── DLC store, attestor, scheduler ────────────────────────────────────────
	store, err := dlc.NewStore(cfg.DLC.DataDir)
	if err != nil {
		log.Fatal("dlc store init failed", zap.Error(err))
	}
	attestor := dlc.NewAttestor(ks.OracleKey(), store, cfg.DLC.Digits)

	scheduled := make(map[string]oracle.Engine, len(cfg.DLC.Pairs))
	for _, pair := range cfg.DLC.Pairs {
		engine, ok := engines[pathKey(pair)]
		if !ok {
			log.Fatal("dlc pair has no engine", zap.String("pair", pair))
		}
		scheduled[pair] = engine
	}
	scheduler := dlc.NewScheduler(attestor, store, scheduled,
		time.Duration(cfg.DLC.IntervalSec)*time.Second,
		time.Duration(cfg.DLC.HorizonSec)*time.Second,
		time.Duration(cfg.DLC.GraceSec)*time.Second,
		log)
	go scheduler.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	backend.NewHandler(engines, sig, store, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.OraclePort),
		Handler: r,
	}

	go func() {
		log.Info("oracle backend starting", zap.Int("port", cfg.Server.OraclePort))
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

// pathKey maps a pair name like "BTCUSD" to its /oracle/ path suffix.
func pathKey(pair string) string {
	switch pair {
	case "BTCUSD-VWAP":
		return "btcusd/vwap"
	default:
		return strings.ToLower(pair)
	}
}

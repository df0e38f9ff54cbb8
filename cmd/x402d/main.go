package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/config"
	"github.com/myceliasignal/slo/internal/feeds"
	"github.com/myceliasignal/slo/internal/keystore"
	"github.com/myceliasignal/slo/internal/oracle"
	"github.com/myceliasignal/slo/internal/signer"
	"github.com/myceliasignal/slo/internal/x402"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateX402(); err != nil {
		log.Fatal("config invalid", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Keys ──────────────────────────────────────────────────────────────────
	ks, err := keystore.Open(cfg.Keystore.Dir, log)
	if err != nil {
		log.Fatal("keystore open failed", zap.Error(err))
	}
	sig := signer.New(ks.OracleKey(), ks.Ed25519Key())
	log.Info("stablecoin rail identity", zap.String("ed25519_pubkey", sig.Ed25519PublicKeyHex()))

	// ── Settlement chain ──────────────────────────────────────────────────────
	verifier, err := x402.NewSettlementClient(cfg.X402.RPCURL, cfg.X402.USDCContract, cfg.X402.PaymentAddress)
	if err != nil {
		log.Fatal("settlement client init failed", zap.Error(err))
	}

	// ── Stores and breaker ────────────────────────────────────────────────────
	nonces := x402.NewNonceStore(rdb, time.Duration(cfg.X402.NonceTTLSec)*time.Second)
	enforcement := x402.NewEnforcementStore(rdb,
		time.Duration(cfg.X402.CooldownSec)*time.Second,
		cfg.X402.BlockThreshold,
		time.Duration(cfg.X402.BlockWindowSec)*time.Second,
		log)

	breaker := x402.NewDepegBreaker(
		[]oracle.Fetcher{
			feeds.NewKraken("USDCUSD"),
			feeds.NewBitstamp("usdcusd"),
			feeds.NewCoinbase("USDC-USD"),
			feeds.NewGemini("usdcusd"),
			feeds.NewBitfinex("tUDCUSD"),
		},
		cfg.X402.DepegThreshold,
		time.Duration(cfg.X402.DepegIntSec)*time.Second,
		cfg.FetchDeadline(),
		log)
	go breaker.Run(ctx)

	// ── Async settler ─────────────────────────────────────────────────────────
	settler := x402.NewSettler(rdb, verifier, enforcement,
		time.Duration(cfg.X402.SettleTimeout)*time.Second, log)
	go settler.Run(ctx)

	// ── Route tables ──────────────────────────────────────────────────────────
	routes := make(map[string]x402.Route, len(cfg.X402.Routes))
	for _, rc := range cfg.X402.Routes {
		routes[rc.Path] = x402.Route{Backend: rc.Backend, PriceUSD: rc.PriceUSD}
	}
	free := make(map[string]string, len(cfg.X402.FreeRoutes))
	for _, fc := range cfg.X402.FreeRoutes {
		free[fc.Path] = fc.Backend
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	x402.NewHandler(routes, free, nonces, enforcement, breaker, verifier, settler, sig,
		cfg.X402.Network, cfg.X402.USDCContract, cfg.X402.PaymentAddress,
		cfg.Server.PublicBaseURL, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.X402Port),
		Handler: r,
	}

	go func() {
		log.Info("stablecoin rail starting", zap.Int("port", cfg.Server.X402Port))
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

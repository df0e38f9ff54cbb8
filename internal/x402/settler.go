package x402

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	pendingQueueKey = "x402:pending"
	blpopTimeout    = 15 * time.Second
	requeueDelay    = 5 * time.Second
)

// PendingPayment is an optimistically delivered payment awaiting its
// on-chain confirmation.
type PendingPayment struct {
	TxHash    string    `json:"tx_hash"`
	From      string    `json:"from"`
	AmountUSD float64   `json:"amount_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// Settler drains the pending-payment queue: confirmed-valid payments are
// done, confirmed-invalid and timed-out ones count against the payer.
type Settler struct {
	rdb         *redis.Client
	verifier    Verifier
	enforcement *EnforcementStore
	timeout     time.Duration
	log         *zap.Logger
}

func NewSettler(rdb *redis.Client, verifier Verifier, enforcement *EnforcementStore, timeout time.Duration, log *zap.Logger) *Settler {
	return &Settler{
		rdb:         rdb,
		verifier:    verifier,
		enforcement: enforcement,
		timeout:     timeout,
		log:         log,
	}
}

// Enqueue records an unconfirmed payment for the settle loop.
func (s *Settler) Enqueue(ctx context.Context, p PendingPayment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, pendingQueueKey, raw).Err()
}

// Run is the settle loop: BLPOP → verify → record outcome or requeue.
func (s *Settler) Run(ctx context.Context) {
	s.log.Info("settler started", zap.String("queue", pendingQueueKey))
	for {
		if ctx.Err() != nil {
			s.log.Info("settler stopped")
			return
		}

		results, err := s.rdb.BLPop(ctx, blpopTimeout, pendingQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Error("settler: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		var p PendingPayment
		if err := json.Unmarshal([]byte(results[1]), &p); err != nil {
			s.log.Error("settler: unmarshal pending payment", zap.String("raw", results[1]), zap.Error(err))
			continue
		}
		s.settle(ctx, p, results[1])
	}
}

func (s *Settler) settle(ctx context.Context, p PendingPayment, raw string) {
	if time.Since(p.CreatedAt) > s.timeout {
		s.log.Warn("payment timed out unconfirmed", zap.String("tx", p.TxHash), zap.String("payer", p.From))
		if err := s.enforcement.RecordFailure(ctx, p.From); err != nil {
			s.log.Error("settler: record failure", zap.Error(err))
		}
		return
	}

	verification, err := s.verifier.VerifyTransfer(ctx, p.TxHash, p.AmountUSD)
	if err != nil {
		s.log.Error("settler: chain error, requeueing", zap.String("tx", p.TxHash), zap.Error(err))
		_ = s.rdb.RPush(ctx, pendingQueueKey, raw)
		time.Sleep(requeueDelay)
		return
	}
	if !verification.Confirmed {
		// Still in the mempool; push to the back and give it time to mine.
		_ = s.rdb.RPush(ctx, pendingQueueKey, raw)
		time.Sleep(requeueDelay)
		return
	}
	if verification.Valid {
		s.log.Info("payment confirmed", zap.String("tx", p.TxHash), zap.String("payer", p.From))
		return
	}
	s.log.Warn("payment failed on chain",
		zap.String("tx", p.TxHash),
		zap.String("payer", p.From),
		zap.String("reason", verification.Reason))
	if err := s.enforcement.RecordFailure(ctx, p.From); err != nil {
		s.log.Error("settler: record failure", zap.Error(err))
	}
}

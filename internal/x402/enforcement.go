package x402

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	failKeyPrefix    = "x402:failures:"
	blockedKeyPrefix = "x402:blocked:"
)

// Enforcement tiers. Forward-only: a success never erases history, the
// rolling window expiring is the only way back to clean.
const (
	TierClean   = 0
	TierGrace   = 1
	TierBlocked = 3
)

// EnforcementStatus is the public answer for one payer address.
type EnforcementStatus struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Tier    int    `json:"tier"`
}

// EnforcementStore keeps per-payer failure history in a redis sorted set
// scored by failure time, plus a permanent block marker once the rolling
// window threshold is crossed.
type EnforcementStore struct {
	rdb       *redis.Client
	cooldown  time.Duration
	threshold int64
	window    time.Duration
	log       *zap.Logger
}

func NewEnforcementStore(rdb *redis.Client, cooldown time.Duration, threshold int64, window time.Duration, log *zap.Logger) *EnforcementStore {
	return &EnforcementStore{
		rdb:       rdb,
		cooldown:  cooldown,
		threshold: threshold,
		window:    window,
		log:       log,
	}
}

// RecordFailure appends a failure for the payer and trips the hard block if
// the rolling window now holds threshold failures.
func (s *EnforcementStore) RecordFailure(ctx context.Context, payer string) error {
	addr := strings.ToLower(payer)
	now := time.Now()
	key := failKeyPrefix + addr
	member := strconv.FormatInt(now.UnixNano(), 10)
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member}).Err(); err != nil {
		return err
	}
	// Keep the set from growing without bound
	s.rdb.Expire(ctx, key, s.window)

	count, err := s.countInWindow(ctx, addr, now)
	if err != nil {
		return err
	}
	s.log.Info("payment failure recorded", zap.String("payer", addr), zap.Int64("failures", count))
	if count >= s.threshold {
		if err := s.rdb.Set(ctx, blockedKeyPrefix+addr, "1", 0).Err(); err != nil {
			return err
		}
		s.log.Warn("payer hard blocked", zap.String("payer", addr), zap.Int64("failures", count))
	}
	return nil
}

// Check classifies the payer: blocked, in cooldown after a recent failure,
// or clean.
func (s *EnforcementStore) Check(ctx context.Context, payer string) (EnforcementStatus, error) {
	addr := strings.ToLower(payer)
	blocked, err := s.rdb.Exists(ctx, blockedKeyPrefix+addr).Result()
	if err != nil {
		return EnforcementStatus{}, err
	}
	if blocked > 0 {
		return EnforcementStatus{Allowed: false, Reason: "hard_blocked", Tier: TierBlocked}, nil
	}

	now := time.Now()
	count, err := s.countInWindow(ctx, addr, now)
	if err != nil {
		return EnforcementStatus{}, err
	}
	if count >= s.threshold {
		if err := s.rdb.Set(ctx, blockedKeyPrefix+addr, "1", 0).Err(); err != nil {
			return EnforcementStatus{}, err
		}
		return EnforcementStatus{Allowed: false, Reason: "hard_blocked", Tier: TierBlocked}, nil
	}
	if count > 0 {
		last, err := s.lastFailure(ctx, addr)
		if err != nil {
			return EnforcementStatus{}, err
		}
		if since := now.Sub(last); since < s.cooldown {
			remaining := int((s.cooldown - since).Seconds())
			return EnforcementStatus{
				Allowed: false,
				Reason:  fmt.Sprintf("cooldown_%ds", remaining),
				Tier:    TierGrace,
			}, nil
		}
	}
	return EnforcementStatus{Allowed: true, Tier: TierClean}, nil
}

// countInWindow prunes entries older than the rolling window and counts
// what remains.
func (s *EnforcementStore) countInWindow(ctx context.Context, addr string, now time.Time) (int64, error) {
	key := failKeyPrefix + addr
	cutoff := strconv.FormatInt(now.Add(-s.window).Unix(), 10)
	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return 0, err
	}
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *EnforcementStore) lastFailure(ctx context.Context, addr string) (time.Time, error) {
	entries, err := s.rdb.ZRevRangeWithScores(ctx, failKeyPrefix+addr, 0, 0).Result()
	if err != nil {
		return time.Time{}, err
	}
	if len(entries) == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(entries[0].Score), 0), nil
}

package x402

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const nonceKeyPrefix = "x402:nonce:"

// NonceStore mints single-use request nonces in redis. Expiry is redis TTL,
// consumption is GETDEL, so a replayed nonce loses the race atomically even
// across proxy replicas.
type NonceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewNonceStore(rdb *redis.Client, ttl time.Duration) *NonceStore {
	return &NonceStore{rdb: rdb, ttl: ttl}
}

// Mint creates a fresh nonce valid for the store's TTL.
func (s *NonceStore) Mint(ctx context.Context) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(raw)
	if err := s.rdb.SetNX(ctx, nonceKeyPrefix+nonce, "1", s.ttl).Err(); err != nil {
		return "", err
	}
	return nonce, nil
}

// Redeem consumes a nonce. Exactly one caller wins; expired, unknown, and
// already-used nonces all report false.
func (s *NonceStore) Redeem(ctx context.Context, nonce string) (bool, error) {
	err := s.rdb.GetDel(ctx, nonceKeyPrefix+nonce).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TTL returns the nonce lifetime, advertised in challenges.
func (s *NonceStore) TTL() time.Duration { return s.ttl }

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ErrChallengeMissing signals that no live challenge exists for the address.
var ErrChallengeMissing = errors.New("auth: no pending challenge")

// Repository stores outstanding login challenges. Take consumes the
// challenge so a signature can be used once.
type Repository interface {
	SaveChallenge(ctx context.Context, c Challenge) error
	TakeChallenge(ctx context.Context, addr common.Address) (Challenge, error)
}

// MemoryRepository keeps challenges in process.
type MemoryRepository struct {
	mu         sync.Mutex
	challenges map[common.Address]Challenge
	now        func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{challenges: make(map[common.Address]Challenge), now: time.Now}
}

func (r *MemoryRepository) SaveChallenge(_ context.Context, c Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[c.Address] = c
	return nil
}

func (r *MemoryRepository) TakeChallenge(_ context.Context, addr common.Address) (Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[addr]
	if !ok {
		return Challenge{}, ErrChallengeMissing
	}
	delete(r.challenges, addr)
	if !r.now().Before(c.ExpiresAt) {
		return Challenge{}, ErrChallengeMissing
	}
	return c, nil
}

// RedisRepository shares challenges between API replicas. Keys expire with
// the challenge.
type RedisRepository struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRepository(rdb redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "escrow:auth:challenge"
	}
	return &RedisRepository{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisRepository) key(addr common.Address) string {
	return r.prefix + ":" + addr.Hex()
}

type storedChallenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *RedisRepository) SaveChallenge(ctx context.Context, c Challenge) error {
	ttl := c.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("auth: challenge already expired")
	}
	body, err := json.Marshal(storedChallenge{Nonce: c.Nonce, Message: c.Message, ExpiresAt: c.ExpiresAt})
	if err != nil {
		return fmt.Errorf("auth: marshal challenge: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(c.Address), body, ttl).Err(); err != nil {
		return fmt.Errorf("auth: save challenge: %w", err)
	}
	return nil
}

func (r *RedisRepository) TakeChallenge(ctx context.Context, addr common.Address) (Challenge, error) {
	body, err := r.rdb.GetDel(ctx, r.key(addr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Challenge{}, ErrChallengeMissing
		}
		return Challenge{}, fmt.Errorf("auth: take challenge: %w", err)
	}
	var sc storedChallenge
	if err := json.Unmarshal(body, &sc); err != nil {
		return Challenge{}, fmt.Errorf("auth: decode challenge: %w", err)
	}
	if !r.now().Before(sc.ExpiresAt) {
		return Challenge{}, ErrChallengeMissing
	}
	return Challenge{Address: addr, Nonce: sc.Nonce, Message: sc.Message, ExpiresAt: sc.ExpiresAt}, nil
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*RedisRepository)(nil)
)

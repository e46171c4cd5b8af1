// Package cart reads and clears shopping carts kept in Redis by the storefront.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"settlement-svc/models"
	"settlement-svc/repository"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(addr, password string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", addr))
	return rdb, nil
}

func cartKey(id models.CartID) string {
	return fmt.Sprintf("cart:%s", id)
}

func identityKey(identity models.IdentityID) string {
	return fmt.Sprintf("cart:identity:%s", identity)
}

// RedisStore keeps one active cart per identity.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}
}

func (s *RedisStore) GetCart(ctx context.Context, id models.CartID) (*models.Cart, error) {
	data, err := s.rdb.Get(ctx, cartKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cart %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var cart models.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("failed to decode cart %s: %w", id, err)
	}
	if cart.ID == "" {
		cart.ID = id
	}
	return &cart, nil
}

// SaveCart stores cart and makes it the identity's active cart. The
// storefront owns cart writes; settlement only reads and clears, and uses
// SaveCart to seed carts in tests.
func (s *RedisStore) SaveCart(ctx context.Context, cart *models.Cart) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cartKey(cart.ID), data, s.ttl)
		pipe.Set(ctx, identityKey(cart.IdentityID), string(cart.ID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	return nil
}

const clearAttempts = 3

// ClearCart drops cart id once it has been paid for. The identity's active
// cart pointer is removed only while it still names id, so a cart started
// after checkout survives. Clearing a cart that is already gone succeeds.
func (s *RedisStore) ClearCart(ctx context.Context, identity models.IdentityID, id models.CartID) error {
	key := identityKey(identity)
	drop := func(tx *redis.Tx) error {
		active, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to look up cart: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, cartKey(id))
			if active == string(id) {
				pipe.Del(ctx, key)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < clearAttempts; i++ {
		err = s.rdb.Watch(ctx, drop, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}

	s.logger.Debug("Cart cleared", zap.String("identity_id", identity.String()), zap.String("cart_id", id.String()))
	return nil
}

package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-svc/models"
	"settlement-svc/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func setupCartTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, time.Hour, zaptest.NewLogger(t)), mr
}

func testCart() *models.Cart {
	return &models.Cart{
		ID:         "cart_1",
		IdentityID: "u1",
		Items: []models.CartItem{
			{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("150.00"), Name: "Mug"},
			{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("200.00"), Name: "Lamp"},
		},
	}
}

func TestRedisStore_SaveAndGet(t *testing.T) {
	store, mr := setupCartTest(t)
	ctx := context.Background()

	if err := store.SaveCart(ctx, testCart()); err != nil {
		t.Fatalf("SaveCart failed: %v", err)
	}
	if got, _ := mr.Get("cart:identity:u1"); got != "cart_1" {
		t.Errorf("Expected identity index to point at cart_1, got %q", got)
	}
	if ttl := mr.TTL("cart:cart_1"); ttl != time.Hour {
		t.Errorf("Expected 1h TTL, got %v", ttl)
	}

	cart, err := store.GetCart(ctx, "cart_1")
	if err != nil {
		t.Fatalf("GetCart failed: %v", err)
	}
	if len(cart.Items) != 2 || !cart.Total().Equal(decimal.RequireFromString("500")) {
		t.Errorf("Unexpected cart %+v", cart)
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := setupCartTest(t)

	_, err := store.GetCart(context.Background(), "nope")

	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_GetCorrupt(t *testing.T) {
	store, mr := setupCartTest(t)
	mr.Set("cart:bad", "{")

	if _, err := store.GetCart(context.Background(), "bad"); err == nil {
		t.Error("Expected decode error")
	}
}

func TestRedisStore_ClearIsIdempotent(t *testing.T) {
	store, mr := setupCartTest(t)
	ctx := context.Background()
	if err := store.SaveCart(ctx, testCart()); err != nil {
		t.Fatalf("SaveCart failed: %v", err)
	}

	if err := store.ClearCart(ctx, "u1", "cart_1"); err != nil {
		t.Fatalf("ClearCart failed: %v", err)
	}
	if mr.Exists("cart:cart_1") || mr.Exists("cart:identity:u1") {
		t.Error("Expected cart keys to be removed")
	}
	if err := store.ClearCart(ctx, "u1", "cart_1"); err != nil {
		t.Errorf("Expected second clear to succeed, got %v", err)
	}
}

func TestRedisStore_ClearKeepsNewerActiveCart(t *testing.T) {
	store, mr := setupCartTest(t)
	ctx := context.Background()
	if err := store.SaveCart(ctx, testCart()); err != nil {
		t.Fatalf("SaveCart failed: %v", err)
	}
	// the shopper starts a new cart before the payment for cart_1 settles
	newer := testCart()
	newer.ID = "cart_2"
	if err := store.SaveCart(ctx, newer); err != nil {
		t.Fatalf("SaveCart failed: %v", err)
	}

	if err := store.ClearCart(ctx, "u1", "cart_1"); err != nil {
		t.Fatalf("ClearCart failed: %v", err)
	}
	if mr.Exists("cart:cart_1") {
		t.Error("Expected the paid cart to be removed")
	}
	if got, _ := mr.Get("cart:identity:u1"); got != "cart_2" {
		t.Errorf("Expected identity index to keep cart_2, got %q", got)
	}
	if _, err := store.GetCart(ctx, "cart_2"); err != nil {
		t.Errorf("Expected cart_2 to survive, got %v", err)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := setupCartTest(t)
	mr.Close()

	if err := store.ClearCart(context.Background(), "u1", "cart_1"); err == nil {
		t.Error("Expected error when Redis is down")
	}
}

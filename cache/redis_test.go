package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/cache"
)

func TestRedisBalanceCache_RoundTrip(t *testing.T) {
	url := os.Getenv("BILLING_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BILLING_TEST_REDIS_URL not set")
	}
	c, err := cache.NewRedisBalanceCache(url, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()
	id := "cache-test-" + time.Now().Format("150405.000000000")
	due := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

	_, gen, ok := c.Get(ctx, id)
	assert.False(t, ok)
	assert.Equal(t, int64(0), gen)

	c.Set(ctx, id, gen, billing.PlanBalance{
		EnrollmentID: id,
		TotalPaid:    decimal.RequireFromString("83.33"),
		Balance:      decimal.RequireFromString("166.67"),
		NextDueDate:  &due,
	})
	got, _, ok := c.Get(ctx, id)
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("166.67")))
	assert.True(t, got.NextDueDate.Equal(due))

	c.Invalidate(ctx, id)
	_, gen, ok = c.Get(ctx, id)
	assert.False(t, ok)
	assert.Equal(t, int64(1), gen)
}

func TestRedisBalanceCache_FillAfterInvalidateIsDropped(t *testing.T) {
	url := os.Getenv("BILLING_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BILLING_TEST_REDIS_URL not set")
	}
	c, err := cache.NewRedisBalanceCache(url, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()
	id := "cache-gen-" + time.Now().Format("150405.000000000")

	// GIVEN: a reader missed at the current generation
	_, readGen, ok := c.Get(ctx, id)
	require.False(t, ok)

	// WHEN: a mutation invalidates before the reader fills
	c.Invalidate(ctx, id)
	c.Set(ctx, id, readGen, billing.PlanBalance{EnrollmentID: id, Balance: decimal.RequireFromString("250")})

	// THEN: the stale fill was dropped, a fill at the new generation lands
	_, gen, ok := c.Get(ctx, id)
	assert.False(t, ok)
	c.Set(ctx, id, gen, billing.PlanBalance{EnrollmentID: id, Balance: decimal.RequireFromString("150")})
	got, _, ok := c.Get(ctx, id)
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("150")))
}

func TestRedisBalanceCache_UnreachableIsMiss(t *testing.T) {
	// GIVEN: a client pointed at a closed port
	core, logs := observer.New(zap.WarnLevel)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := cache.NewRedisBalanceCacheFromClient(client, 0, zap.New(core))
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	// WHEN
	c.Set(ctx, "enr-1", 0, billing.PlanBalance{EnrollmentID: "enr-1"})
	b, _, ok := c.Get(ctx, "enr-1")
	c.Invalidate(ctx, "enr-1")

	// THEN: reads miss and every failure is logged
	assert.False(t, ok)
	assert.Nil(t, b)
	assert.Equal(t, 3, logs.Len())
}

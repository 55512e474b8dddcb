package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-gateway/middleware/ratelimit/domain"
)

func TestMemoryStatsStore_CountsByCategoryAndRoute(t *testing.T) {
	s := NewMemoryStatsStore()
	ctx := context.Background()

	events := []domain.StatsEvent{
		{Key: "identity:1", Category: domain.CategoryAPI, Tier: domain.TierStandard, Allowed: true, Method: "GET", Path: "/vehicles"},
		{Key: "identity:1", Category: domain.CategoryAPI, Tier: domain.TierStandard, Allowed: false, Method: "GET", Path: "/vehicles"},
		{Key: "address:1.2.3.4", Category: domain.CategoryAuth, Allowed: true, FailOpen: true, Method: "POST", Path: "/auth/login"},
	}
	for _, ev := range events {
		require.NoError(t, s.Record(ctx, ev))
	}

	snap := s.Snapshot()
	assert.Equal(t, Counters{Allowed: 2, Denied: 1, FailOpen: 1}, snap.Total)
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, snap.ByCategory["api:standard"])
	assert.Equal(t, Counters{Allowed: 1, FailOpen: 1}, snap.ByCategory["auth"])
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, snap.ByRoute["GET /vehicles"])
	assert.Nil(t, snap.ByKey)
}

func TestMemoryStatsStore_TrackKeys(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	_ = s.Record(context.Background(), domain.StatsEvent{Key: "identity:1", Category: domain.CategoryBooking})

	snap := s.Snapshot()
	assert.Equal(t, Counters{Denied: 1}, snap.ByKey["identity:1"])
	assert.Equal(t, Counters{Denied: 1}, s.Total())
}

func TestMemoryStatsStore_SnapshotIsACopy(t *testing.T) {
	s := NewMemoryStatsStore()
	_ = s.Record(context.Background(), domain.StatsEvent{Category: domain.CategoryAuth, Allowed: true})

	snap := s.Snapshot()
	snap.ByCategory["auth"] = Counters{}

	assert.Equal(t, int64(1), s.Snapshot().ByCategory["auth"].Allowed)
}

func TestRedisStatsStore_WritesHashes(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStatsStore(client, WithStatsTrackKeys(true))
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{
		Key: "identity:1", Category: domain.CategoryAPI, Tier: domain.TierElevated,
		Allowed: true, Method: "GET", Path: "/fleet", At: at,
	}))
	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{
		Key: "identity:1", Category: domain.CategoryAPI, Tier: domain.TierElevated,
		FailOpen: true, Allowed: true, Method: "GET", Path: "/fleet", At: at,
	}))

	assert.Equal(t, "1", mr.HGet("rl:stats:total", "allowed"))
	assert.Equal(t, "1", mr.HGet("rl:stats:total", "fail_open"))
	assert.Equal(t, "1", mr.HGet("rl:stats:minute:202603011230", "allowed"))
	assert.Equal(t, "1", mr.HGet("rl:stats:category", "api:elevated:allowed"))
	assert.Equal(t, "1", mr.HGet("rl:stats:route", "GET /fleet:fail_open"))
	assert.Equal(t, "1", mr.HGet("rl:stats:key:identity:1", "allowed"))
	assert.Greater(t, mr.TTL("rl:stats:key:identity:1"), time.Duration(0))
}

func TestRedisStatsStore_NilIsNoop(t *testing.T) {
	var s *RedisStatsStore
	assert.NoError(t, s.Record(context.Background(), domain.StatsEvent{}))
}

func TestMultiStats_FansOut(t *testing.T) {
	a := NewMemoryStatsStore()
	b := NewMemoryStatsStore()
	m := MultiStats(a, nil, b)

	require.NoError(t, m.Record(context.Background(), domain.StatsEvent{Allowed: true}))
	assert.Equal(t, int64(1), a.Total().Allowed)
	assert.Equal(t, int64(1), b.Total().Allowed)
}

func TestMemoryStatsStore_TrackedKeysAreBounded(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true), WithMaxTrackedKeys(2))
	ctx := context.Background()
	for _, k := range []domain.ClientKey{"address:1.1.1.1", "address:2.2.2.2", "address:3.3.3.3"} {
		require.NoError(t, s.Record(ctx, domain.StatsEvent{Key: k, Category: domain.CategoryAuth, Allowed: true}))
	}

	snap := s.Snapshot()
	assert.Len(t, snap.ByKey, 2)
	assert.NotContains(t, snap.ByKey, "address:1.1.1.1")
	assert.Equal(t, int64(3), snap.Total.Allowed)
}

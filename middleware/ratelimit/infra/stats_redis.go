package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rental-gateway/middleware/ratelimit/domain"
)

// RedisStatsStore grava contadores de veredito em hashes do Redis. Usa um
// cliente próprio, separado do contador distribuído, para que uma falha de
// estatística nunca derrube o backend do rate limit.
//
// Layout (prefix padrão "rl:stats"):
//
//	<prefix>:total              allowed|denied|fail_open
//	<prefix>:minute:<yyyymmddhhmm> idem, expira em ttl
//	<prefix>:category           <policy>:<verdict>
//	<prefix>:route              <METHOD path>:<verdict>
//	<prefix>:key:<client>       idem ao total, expira em ttl (opcional)
type RedisStatsStore struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration
	perMinute bool
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL vale para as séries por minuto e por cliente; o total não expira.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsBucket aceita "minute" (padrão) ou "none".
func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.perMinute = strings.EqualFold(strings.TrimSpace(bucket), "minute")
	}
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{rdb: rdb, prefix: "rl:stats", ttl: 24 * time.Hour, perMinute: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type hashIncr struct {
	key, field string
	expire     bool
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	verdict := verdictField(ev)

	incrs := []hashIncr{{key: s.prefix + ":total", field: verdict}}
	if s.perMinute {
		incrs = append(incrs, hashIncr{key: s.prefix + ":minute:" + at.UTC().Format("200601021504"), field: verdict, expire: true})
	}
	if name := policyLabel(ev); name != "" {
		incrs = append(incrs, hashIncr{key: s.prefix + ":category", field: name + ":" + verdict})
	}
	if route := routeLabel(ev); route != "" {
		incrs = append(incrs, hashIncr{key: s.prefix + ":route", field: route + ":" + verdict})
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		incrs = append(incrs, hashIncr{key: s.prefix + ":key:" + k, field: verdict, expire: true})
	}

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, in := range incrs {
			pipe.HIncrBy(ctx, in.key, in.field, 1)
			if in.expire && s.ttl > 0 {
				pipe.Expire(ctx, in.key, s.ttl)
			}
		}
		return nil
	})
	return err
}

func verdictField(ev domain.StatsEvent) string {
	switch {
	case ev.FailOpen:
		return "fail_open"
	case ev.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}

// policyLabel segue PolicyConfig.Name: "auth", "api:standard".
func policyLabel(ev domain.StatsEvent) string {
	if ev.Category == "" {
		return ""
	}
	if ev.Tier != "" {
		return string(ev.Category) + ":" + string(ev.Tier)
	}
	return string(ev.Category)
}

func routeLabel(ev domain.StatsEvent) string {
	return strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
}

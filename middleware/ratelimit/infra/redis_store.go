package infra

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rental-gateway/middleware/ratelimit/domain"
)

//go:embed scripts/consume.lua
var consumeScript string

// RedisStore é o contador distribuído. O script Lua faz o ciclo
// ler/incrementar/bloquear de forma atômica, então o consumo de uma chave é
// serializado no Redis entre todas as réplicas.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	consume *redis.Script
}

var _ domain.Backend = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		prefix:  "rl",
		consume: redis.NewScript(consumeScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Kind() domain.BackendKind { return domain.BackendDistributed }

// LoadScripts carrega o script no cache do Redis (SCRIPT LOAD). Run faz
// fallback para EVAL em NOSCRIPT, então isso só evita o primeiro round trip.
func (s *RedisStore) LoadScripts(ctx context.Context) error {
	return s.consume.Load(ctx, s.client).Err()
}

func (s *RedisStore) Consume(ctx context.Context, key domain.ClientKey, policy domain.PolicyConfig) (domain.ConsumptionResult, error) {
	counterKey, blockKey := s.keys(policy, key)

	vals, err := s.consume.Run(ctx, s.client, []string{counterKey, blockKey},
		policy.Points,
		policy.Window.Milliseconds(),
		policy.Cooldown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.ConsumptionResult{}, domain.Wrapf(domain.BackendRuntimeFailure, "redis consume %s: %w", counterKey, err)
	}
	if len(vals) != 3 {
		return domain.ConsumptionResult{}, domain.Wrapf(domain.BackendRuntimeFailure, "redis consume %s: invalid lua response (%d values)", counterKey, len(vals))
	}

	consumed, ms, rejected := vals[0], vals[1], vals[2] == 1
	res := domain.ConsumptionResult{
		RemainingPoints: remaining(policy.Points, consumed),
		ConsumedPoints:  consumed,
		MsBeforeNext:    float64(ms),
		Rejected:        rejected,
	}
	if rejected {
		res.RemainingPoints = 0
	}
	return res, nil
}

func (s *RedisStore) Query(ctx context.Context, key domain.ClientKey, policy domain.PolicyConfig) (domain.ConsumptionResult, error) {
	counterKey, blockKey := s.keys(policy, key)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, counterKey)
	ttlCmd := pipe.PTTL(ctx, counterKey)
	blockCmd := pipe.PTTL(ctx, blockKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.ConsumptionResult{}, domain.Wrapf(domain.BackendRuntimeFailure, "redis query %s: %w", counterKey, err)
	}

	if block := blockCmd.Val(); block > 0 {
		consumed, _ := getCmd.Int64()
		return domain.ConsumptionResult{
			ConsumedPoints: consumed,
			MsBeforeNext:   millis(block),
			Rejected:       true,
		}, nil
	}

	consumed, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) || consumed == 0 {
		return domain.ConsumptionResult{RemainingPoints: policy.Points, MsBeforeNext: -1}, nil
	}
	if err != nil {
		return domain.ConsumptionResult{}, domain.Wrapf(domain.BackendRuntimeFailure, "redis query %s: %w", counterKey, err)
	}

	ms := float64(-1)
	if ttl := ttlCmd.Val(); ttl > 0 {
		ms = millis(ttl)
	}
	return domain.ConsumptionResult{
		RemainingPoints: remaining(policy.Points, consumed),
		ConsumedPoints:  consumed,
		MsBeforeNext:    ms,
		Rejected:        consumed > policy.Points,
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key domain.ClientKey, policy domain.PolicyConfig) error {
	counterKey, blockKey := s.keys(policy, key)
	if err := s.client.Del(ctx, counterKey, blockKey).Err(); err != nil {
		return domain.Wrapf(domain.BackendRuntimeFailure, "redis reset %s: %w", counterKey, err)
	}
	return nil
}

func (s *RedisStore) keys(policy domain.PolicyConfig, key domain.ClientKey) (counter, block string) {
	counter = s.prefix + ":" + storageKey(policy, key)
	return counter, counter + ":block"
}

// Probe verifica que o store aceita escrita e carrega o script de consumo.
// Uma réplica somente-leitura responde PING mas falha aqui.
func (s *RedisStore) Probe(ctx context.Context) error {
	key := s.prefix + ":probe:" + time.Now().UTC().Format("20060102T150405.000000000")
	if err := s.client.Set(ctx, key, "1", time.Minute).Err(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	return s.LoadScripts(ctx)
}

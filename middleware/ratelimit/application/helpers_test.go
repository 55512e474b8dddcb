package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rental-gateway/middleware/ratelimit/domain"
	"rental-gateway/middleware/ratelimit/infra"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestRegistry liga a tabela default a um MemoryStore com relógio simulado.
func newTestRegistry(t *testing.T, clock *testClock, mutate ...func(*PolicyTable)) (*Registry, *infra.MemoryStore) {
	t.Helper()
	table := DefaultPolicyTable()
	for _, m := range mutate {
		m(&table)
	}
	store := infra.NewMemoryStore(infra.WithClock(clock.Now))
	reg, err := NewRegistry(table, store)
	require.NoError(t, err)
	return reg, store
}

// scriptedBackend devolve resultados fixos; usado para os casos de
// sanitização e falha de backend.
type scriptedBackend struct {
	result domain.ConsumptionResult
	err    error

	mu     sync.Mutex
	resets []domain.ClientKey
}

func (b *scriptedBackend) Consume(context.Context, domain.ClientKey, domain.PolicyConfig) (domain.ConsumptionResult, error) {
	return b.result, b.err
}

func (b *scriptedBackend) Query(context.Context, domain.ClientKey, domain.PolicyConfig) (domain.ConsumptionResult, error) {
	return b.result, b.err
}

func (b *scriptedBackend) Reset(_ context.Context, key domain.ClientKey, _ domain.PolicyConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, key)
	return b.err
}

func (b *scriptedBackend) Kind() domain.BackendKind { return domain.BackendLocal }

package infra

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"rental-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed  int64 `json:"allowed"`
	Denied   int64 `json:"denied"`
	FailOpen int64 `json:"failOpen"`
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch {
	case ev.FailOpen:
		c.FailOpen++
		c.Allowed++
	case ev.Allowed:
		c.Allowed++
	default:
		c.Denied++
	}
}

// MemoryStatsStore guarda em memória as estatísticas de veredito por política,
// por rota e (opcionalmente) por chave. Política e rota vêm da configuração e
// são finitas; as chaves de cliente ficam num LRU de tamanho fixo.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byCategory map[string]Counters
	byRoute    map[string]Counters
	byKey      *lru.Cache[string, Counters]

	trackKeys      bool
	maxTrackedKeys int
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

// WithMaxTrackedKeys limita quantos clientes o trackKeys mantém (padrão 10000).
func WithMaxTrackedKeys(n int) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.maxTrackedKeys = n }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byCategory:     make(map[string]Counters),
		byRoute:        make(map[string]Counters),
		maxTrackedKeys: 10_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxTrackedKeys <= 0 {
		s.maxTrackedKeys = 10_000
	}
	s.byKey, _ = lru.New[string, Counters](s.maxTrackedKeys)
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	policy, route := policyLabel(ev), routeLabel(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)
	if policy != "" {
		bump(s.byCategory, policy, ev)
	}
	if route != "" {
		bump(s.byRoute, route, ev)
	}
	if s.trackKeys && ev.Key != "" {
		c, _ := s.byKey.Get(string(ev.Key))
		c.add(ev)
		s.byKey.Add(string(ev.Key), c)
	}
	return nil
}

func bump(m map[string]Counters, k string, ev domain.StatsEvent) {
	c := m[k]
	c.add(ev)
	m[k] = c
}

// Snapshot é a visão serializável das estatísticas.
type Snapshot struct {
	Total      Counters            `json:"total"`
	ByCategory map[string]Counters `json:"byCategory"`
	ByRoute    map[string]Counters `json:"byRoute"`
	ByKey      map[string]Counters `json:"byKey,omitempty"`
}

func (s *MemoryStatsStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Total:      s.total,
		ByCategory: clone(s.byCategory),
		ByRoute:    clone(s.byRoute),
	}
	if s.trackKeys {
		snap.ByKey = make(map[string]Counters, s.byKey.Len())
		for _, k := range s.byKey.Keys() {
			if c, ok := s.byKey.Peek(k); ok {
				snap.ByKey[k] = c
			}
		}
	}
	return snap
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func clone(src map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// MultiStats repassa o evento para todos os stores; devolve o primeiro erro.
func MultiStats(stores ...domain.StatsStore) domain.StatsStore {
	out := make(multiStats, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiStats []domain.StatsStore

func (m multiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

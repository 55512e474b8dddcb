package infra

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"rental-gateway/middleware/ratelimit/domain"
)

// MemoryStore é o contador local (privado do processo) em janela fixa com
// cooldown opcional.
//
// O estado não é compartilhado entre réplicas: com N processos a capacidade
// efetiva é orçamento × N. É o fallback quando o store distribuído não existe
// ou foi descartado.
type MemoryStore struct {
	mu           sync.Mutex
	entries      *lru.Cache[string, *memoryWindow]
	maxKeys      int
	now          func() time.Time
	cleanupEvery time.Duration
}

type memoryWindow struct {
	consumed     int64
	expiresAt    time.Time
	blockedUntil time.Time
}

var _ domain.Backend = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithMaxKeys limita quantas chaves ficam em memória; as menos usadas saem
// primeiro (e recomeçam com orçamento cheio).
func WithMaxKeys(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxKeys = n }
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		maxKeys:      100_000,
		now:          time.Now,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxKeys <= 0 {
		s.maxKeys = 100_000
	}
	// só falha com tamanho <= 0, já descartado acima
	s.entries, _ = lru.New[string, *memoryWindow](s.maxKeys)
	return s
}

func (s *MemoryStore) Kind() domain.BackendKind { return domain.BackendLocal }

func (s *MemoryStore) Len() int { return s.entries.Len() }

func (s *MemoryStore) Consume(_ context.Context, key domain.ClientKey, policy domain.PolicyConfig) (domain.ConsumptionResult, error) {
	now := s.now()
	k := storageKey(policy, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries.Get(k)
	if ok && now.Before(w.blockedUntil) {
		return domain.ConsumptionResult{
			RemainingPoints: 0,
			ConsumedPoints:  w.consumed,
			MsBeforeNext:    millis(w.blockedUntil.Sub(now)),
			Rejected:        true,
		}, nil
	}
	if !ok || !now.Before(w.expiresAt) || !w.blockedUntil.IsZero() {
		w = &memoryWindow{expiresAt: now.Add(policy.Window)}
		s.entries.Add(k, w)
	}

	w.consumed++
	res := domain.ConsumptionResult{
		RemainingPoints: remaining(policy.Points, w.consumed),
		ConsumedPoints:  w.consumed,
		MsBeforeNext:    millis(w.expiresAt.Sub(now)),
	}
	if w.consumed > policy.Points {
		res.Rejected = true
		if policy.Cooldown > 0 {
			w.blockedUntil = w.expiresAt
			if until := now.Add(policy.Cooldown); until.After(w.blockedUntil) {
				w.blockedUntil = until
			}
			res.MsBeforeNext = millis(w.blockedUntil.Sub(now))
		}
	}
	return res, nil
}

// Query não consome nem altera a recência da chave no LRU.
func (s *MemoryStore) Query(_ context.Context, key domain.ClientKey, policy domain.PolicyConfig) (domain.ConsumptionResult, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries.Peek(storageKey(policy, key))
	if !ok || w.expired(now) {
		return domain.ConsumptionResult{RemainingPoints: policy.Points, MsBeforeNext: -1}, nil
	}
	if now.Before(w.blockedUntil) {
		return domain.ConsumptionResult{
			ConsumedPoints: w.consumed,
			MsBeforeNext:   millis(w.blockedUntil.Sub(now)),
			Rejected:       true,
		}, nil
	}
	return domain.ConsumptionResult{
		RemainingPoints: remaining(policy.Points, w.consumed),
		ConsumedPoints:  w.consumed,
		MsBeforeNext:    millis(w.expiresAt.Sub(now)),
		Rejected:        w.consumed > policy.Points,
	}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key domain.ClientKey, policy domain.PolicyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(storageKey(policy, key))
	return nil
}

func (w *memoryWindow) expired(now time.Time) bool {
	return !now.Before(w.expiresAt) && !now.Before(w.blockedUntil)
}

// Cleanup remove janelas vencidas.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.entries.Keys() {
		if w, ok := s.entries.Peek(k); ok && w.expired(now) {
			s.entries.Remove(k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa janelas vencidas periodicamente.
// Pare cancelando o contexto.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

func storageKey(policy domain.PolicyConfig, key domain.ClientKey) string {
	return policy.KeyPrefix + ":" + string(key)
}

func remaining(points, consumed int64) int64 {
	if consumed >= points {
		return 0
	}
	return points - consumed
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

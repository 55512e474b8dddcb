package application

import (
	"context"

	"rental-gateway/middleware/ratelimit/domain"
)

// Limiter é uma política ligada ao backend. Somente leitura depois do boot.
type Limiter struct {
	policy  domain.PolicyConfig
	backend domain.Backend
}

func (l *Limiter) Policy() domain.PolicyConfig { return l.policy }

func (l *Limiter) Name() string { return l.policy.Name() }

func (l *Limiter) consume(ctx context.Context, key domain.ClientKey) (domain.ConsumptionResult, error) {
	return l.backend.Consume(ctx, key, l.policy)
}

func (l *Limiter) query(ctx context.Context, key domain.ClientKey) (domain.ConsumptionResult, error) {
	return l.backend.Query(ctx, key, l.policy)
}

func (l *Limiter) reset(ctx context.Context, key domain.ClientKey) error {
	return l.backend.Reset(ctx, key, l.policy)
}

// Registry é o catálogo de limiters, construído uma vez depois que o backend
// foi resolvido e injetado nos handlers.
type Registry struct {
	table    PolicyTable
	backend  domain.Backend
	limiters map[string]*Limiter
	ordered  []*Limiter
}

// NewRegistry valida a tabela e cria um limiter por política.
func NewRegistry(table PolicyTable, backend domain.Backend) (*Registry, error) {
	if backend == nil {
		return nil, domain.Wrap(domain.InvalidArgument, "registry: nil backend")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		table:    table,
		backend:  backend,
		limiters: make(map[string]*Limiter, len(table.Policies)+len(table.API)),
	}
	for _, p := range table.All() {
		l := &Limiter{policy: p, backend: backend}
		r.limiters[p.Name()] = l
		r.ordered = append(r.ordered, l)
	}
	return r, nil
}

// Get devolve o limiter de uma categoria sem tier. api exige GetTier.
func (r *Registry) Get(c domain.Category) (*Limiter, error) {
	if c.Tiered() {
		return nil, domain.Wrapf(domain.InvalidCategory, "category %q requires a tier", c)
	}
	l, ok := r.limiters[string(c)]
	if !ok {
		return nil, domain.Wrapf(domain.InvalidCategory, "unknown rate limit category %q", c)
	}
	return l, nil
}

// GetTier devolve a sub-política de uma categoria com tiers.
func (r *Registry) GetTier(c domain.Category, t domain.Tier) (*Limiter, error) {
	if !c.Tiered() {
		return r.Get(c)
	}
	l, ok := r.limiters[string(c)+":"+string(t)]
	if !ok {
		return nil, domain.Wrapf(domain.InvalidCategory, "unknown rate limit policy %s:%s", c, t)
	}
	return l, nil
}

// MustGet é para registro de rotas no boot: categoria inválida derruba o
// processo na subida, nunca no meio de uma requisição.
func (r *Registry) MustGet(c domain.Category) *Limiter {
	l, err := r.Get(c)
	if err != nil {
		panic(err)
	}
	return l
}

// Lookup aceita o nome da política ("auth", "api:standard").
func (r *Registry) Lookup(name string) (*Limiter, error) {
	l, ok := r.limiters[name]
	if !ok {
		return nil, domain.Wrapf(domain.InvalidCategory, "unknown rate limit policy %q", name)
	}
	return l, nil
}

// All devolve os limiters ordenados pelo nome.
func (r *Registry) All() []*Limiter {
	out := make([]*Limiter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Table() PolicyTable { return r.table }

func (r *Registry) Backend() domain.Backend { return r.backend }

// Route devolve a categoria da rota mais específica para método e path.
// Sem rota, a requisição cai na categoria api.
func (r *Registry) Route(method, path string) domain.Category {
	return MatchRoute(r.table.Routes, method, path)
}

// RouteFor devolve a entrada da tabela de rotas que casou, se houver.
func (r *Registry) RouteFor(method, path string) (Route, bool) {
	return FindRoute(r.table.Routes, method, path)
}

// MatchRoute devolve a categoria da rota que casar, ou api.
func MatchRoute(routes []Route, method, path string) domain.Category {
	if rt, ok := FindRoute(routes, method, path); ok {
		return rt.Category
	}
	return domain.CategoryAPI
}

// FindRoute escolhe o prefixo mais longo; empate favorece a rota com método.
func FindRoute(routes []Route, method, path string) (Route, bool) {
	best := -1
	bestLen := -1
	for i, rt := range routes {
		if rt.Method != "" && rt.Method != method {
			continue
		}
		if !pathHasPrefix(path, rt.Prefix) {
			continue
		}
		n := len(rt.Prefix)
		if n > bestLen || (n == bestLen && rt.Method != "" && routes[best].Method == "") {
			best, bestLen = i, n
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return routes[best], true
}

// pathHasPrefix casa por segmento: /fleet casa /fleet e /fleet/1, não /fleetwood.
func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/' || prefix[len(prefix)-1] == '/'
}

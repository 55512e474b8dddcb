package application

import (
	"context"
	"errors"

	"rental-gateway/middleware/ratelimit/domain"
)

// Admin inspeciona e zera o estado de um cliente. Desligado em produção.
type Admin struct {
	Registry   *Registry
	Engine     Engine
	Production bool
}

func (a Admin) guard() error {
	if a.Production {
		return domain.Wrap(domain.ForbiddenEnvironment, "rate limit administration is disabled in production")
	}
	return nil
}

// Status devolve {limit, remaining, resetAt, blocked} do cliente na política
// (nome do registry: "auth", "api:standard").
func (a Admin) Status(ctx context.Context, client domain.ClientKey, policy string) (domain.Status, error) {
	if err := a.guard(); err != nil {
		return domain.Status{}, err
	}
	l, err := a.Registry.Lookup(policy)
	if err != nil {
		return domain.Status{}, err
	}
	return a.Engine.Query(ctx, l, client)
}

// StatusAll devolve o estado do cliente em todas as políticas.
func (a Admin) StatusAll(ctx context.Context, client domain.ClientKey) ([]domain.Status, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	limiters := a.Registry.All()
	out := make([]domain.Status, 0, len(limiters))
	for _, l := range limiters {
		st, err := a.Engine.Query(ctx, l, client)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ResetAll zera o cliente em todas as políticas. Continua nas demais se uma
// falhar e devolve os erros juntos.
func (a Admin) ResetAll(ctx context.Context, client domain.ClientKey) error {
	if err := a.guard(); err != nil {
		return err
	}
	var errs []error
	for _, l := range a.Registry.All() {
		if err := a.Engine.Reset(ctx, l, client); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package application

import (
	"context"

	"rental-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit: classifica, resolve a
// chave e consome no limiter certo.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Registry   *Registry
	Engine     Engine
	Classifier Classifier
}

// Decision carrega o veredito e o contexto necessário para a resposta.
type Decision struct {
	Verdict domain.Verdict
	Policy  domain.PolicyConfig
	Key     domain.ClientKey
}

func NewService(reg *Registry, engine Engine) Service {
	return Service{
		Registry:   reg,
		Engine:     engine,
		Classifier: NewClassifier(reg.Table().Roles),
	}
}

// Limiter escolhe o limiter da categoria; api passa pelo classifier.
func (s Service) Limiter(category domain.Category, info domain.RequestInfo) (*Limiter, error) {
	if category.Tiered() {
		return s.Registry.GetTier(category, s.Classifier.Classify(info))
	}
	return s.Registry.Get(category)
}

// Decide devolve a decisão para uma tentativa. Em erro de backend a Decision
// volta preenchida com política e chave (o veredito fica zerado); quem chama
// decide se libera.
func (s Service) Decide(ctx context.Context, category domain.Category, info domain.RequestInfo) (Decision, error) {
	l, err := s.Limiter(category, info)
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{
		Policy: l.Policy(),
		Key:    ResolveKey(category, info),
	}
	v, err := s.Engine.Consume(ctx, l, dec.Key)
	if err != nil {
		return dec, err
	}
	dec.Verdict = v
	return dec, nil
}

package application

import (
	"strings"

	"rental-gateway/middleware/ratelimit/domain"
)

// Classifier mapeia a classificação de confiança do chamador para um tier de
// API. Não autoriza nada: só escolhe o orçamento.
type Classifier struct {
	Roles map[string]domain.Tier
}

func NewClassifier(roles map[string]domain.Tier) Classifier {
	normalized := make(map[string]domain.Tier, len(roles))
	for role, tier := range roles {
		normalized[normalizeRole(role)] = tier
	}
	return Classifier{Roles: normalized}
}

// Classify devolve MostRestrictiveTier para chamador anônimo, role ausente ou
// desconhecida.
func (c Classifier) Classify(info domain.RequestInfo) domain.Tier {
	if strings.TrimSpace(info.CallerID) == "" {
		return domain.MostRestrictiveTier
	}
	tier, ok := c.Roles[normalizeRole(info.CallerRole)]
	if !ok || !tier.Valid() {
		return domain.MostRestrictiveTier
	}
	return tier
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

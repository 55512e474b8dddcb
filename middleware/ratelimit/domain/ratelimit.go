package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"time"
)

// Category identifica uma classe de operação com política própria.
type Category string

const (
	CategoryAuth              Category = "auth"
	CategoryRegistration      Category = "registration"
	CategoryPasswordReset     Category = "password_reset"
	CategoryEmailVerification Category = "email_verification"
	CategoryAPI               Category = "api"
	CategoryBooking           Category = "booking"
	CategoryVehicleSearch     Category = "vehicle_search"
	CategoryPayment           Category = "payment"
	CategoryFleetManagement   Category = "fleet_management"
	CategoryMaintenance       Category = "maintenance"
	CategorySearch            Category = "search"
	CategoryUpload            Category = "upload"
	CategoryAdmin             Category = "admin"
	CategoryStrict            Category = "strict"
	CategoryBurst             Category = "burst"
	CategoryWebhook           Category = "webhook"
)

// Categories é o catálogo fechado; qualquer outra categoria é InvalidCategory.
var Categories = []Category{
	CategoryAuth, CategoryRegistration, CategoryPasswordReset, CategoryEmailVerification,
	CategoryAPI, CategoryBooking, CategoryVehicleSearch, CategoryPayment,
	CategoryFleetManagement, CategoryMaintenance, CategorySearch, CategoryUpload,
	CategoryAdmin, CategoryStrict, CategoryBurst, CategoryWebhook,
}

// Tiered indica categorias com sub-políticas por tier (hoje só api).
func (c Category) Tiered() bool { return c == CategoryAPI }

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Tier é a classificação de confiança usada para escolher a política de API.
type Tier string

const (
	TierElevated  Tier = "elevated"
	TierStandard  Tier = "standard"
	TierAnonymous Tier = "anonymous"
)

// Tiers lista os tiers do mais permissivo para o mais restritivo.
var Tiers = []Tier{TierElevated, TierStandard, TierAnonymous}

func (t Tier) Valid() bool {
	return t == TierElevated || t == TierStandard || t == TierAnonymous
}

// MostRestrictiveTier é o destino de qualquer classificação ausente ou desconhecida.
const MostRestrictiveTier = TierAnonymous

// PolicyConfig é imutável depois de construída.
type PolicyConfig struct {
	Category  Category
	Tier      Tier // vazio para categorias sem tiers
	Points    int64
	Window    time.Duration
	Cooldown  time.Duration
	KeyPrefix string
	Message   string
}

// Name é o identificador usado no registry e na superfície administrativa
// ("auth", "api:standard").
func (p PolicyConfig) Name() string {
	if p.Tier == "" {
		return string(p.Category)
	}
	return string(p.Category) + ":" + string(p.Tier)
}

// ClientKey particiona o orçamento por chamador. Nunca vazia.
type ClientKey string

// ConsumptionResult é produzido pelo backend em todo consume/query.
//
// MsBeforeNext negativo significa "desconhecido"; o backend não garante valores
// finitos, quem consome deve sanitizar.
type ConsumptionResult struct {
	RemainingPoints int64
	ConsumedPoints  int64
	MsBeforeNext    float64
	Rejected        bool
}

// Verdict é a decisão de uma tentativa de consumo.
//
// Admitted=true: Remaining e ResetAt valem.
// Admitted=false: RetryAfterSeconds (>= 1) e ResetAt valem.
type Verdict struct {
	Admitted          bool
	Limit             int64
	Remaining         int64
	ResetAt           time.Time
	RetryAfterSeconds int64
}

// Status é a visão administrativa de um cliente numa política.
type Status struct {
	Policy    string    `json:"policy"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Blocked   bool      `json:"blocked"`
}

// Backend é o contrato do contador (distribuído ou local).
//
// Consume gasta um ponto; o esgotamento do orçamento não é erro, vem em
// ConsumptionResult.Rejected. Erros significam falha do próprio backend.
type Backend interface {
	Consume(ctx context.Context, key ClientKey, policy PolicyConfig) (ConsumptionResult, error)
	Query(ctx context.Context, key ClientKey, policy PolicyConfig) (ConsumptionResult, error)
	Reset(ctx context.Context, key ClientKey, policy PolicyConfig) error
	Kind() BackendKind
}

// RequestInfo é o recorte de uma requisição que o resolver de chave precisa.
// Montado pelo adapter HTTP; o domínio não conhece net/http.
type RequestInfo struct {
	CallerID    string
	CallerEmail string
	CallerRole  string

	ForwardedFor string
	RealIP       string
	RemoteAddr   string

	BodyEmail   string
	WebhookType string
}

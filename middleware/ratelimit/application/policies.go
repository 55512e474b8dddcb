package application

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rental-gateway/middleware/ratelimit/domain"
)

// maxWindow limita janela e cooldown; um resetAt além disso é tratado como lixo
// pelo engine.
const maxWindow = 24 * time.Hour

// PolicyTable é a tabela versionável de políticas do gateway.
type PolicyTable struct {
	Policies map[domain.Category]domain.PolicyConfig
	API      map[domain.Tier]domain.PolicyConfig
	// Roles mapeia a classificação de confiança (role) para um tier de API.
	Roles  map[string]domain.Tier
	Routes []Route
}

// Route associa método + prefixo de path a uma categoria. Method vazio casa
// qualquer método.
type Route struct {
	Method   string          `yaml:"method" json:"method,omitempty"`
	Prefix   string          `yaml:"prefix" json:"prefix"`
	Category domain.Category `yaml:"category" json:"category"`
}

func policy(c domain.Category, points int64, window, cooldown time.Duration, msg string) domain.PolicyConfig {
	return domain.PolicyConfig{
		Category:  c,
		Points:    points,
		Window:    window,
		Cooldown:  cooldown,
		KeyPrefix: string(c),
		Message:   msg,
	}
}

func apiPolicy(t domain.Tier, points int64) domain.PolicyConfig {
	p := policy(domain.CategoryAPI, points, 15*time.Minute, 0, "Too many requests, please slow down.")
	p.Tier = t
	p.KeyPrefix = "api_" + string(t)
	return p
}

// DefaultPolicyTable devolve a tabela embutida. Cada chamada devolve uma cópia
// nova.
func DefaultPolicyTable() PolicyTable {
	const (
		minute = time.Minute
		hour   = time.Hour
	)
	policies := []domain.PolicyConfig{
		policy(domain.CategoryAuth, 5, 15*minute, 15*minute, "Too many login attempts, please try again later."),
		policy(domain.CategoryRegistration, 3, hour, hour, "Too many accounts created from this address, please try again later."),
		policy(domain.CategoryPasswordReset, 3, hour, hour, "Too many password reset requests, please try again later."),
		policy(domain.CategoryEmailVerification, 5, hour, 30*minute, "Too many verification emails requested, please try again later."),
		policy(domain.CategoryBooking, 20, hour, 0, "Too many booking requests, please try again later."),
		policy(domain.CategoryVehicleSearch, 60, minute, 0, "Too many vehicle searches, please slow down."),
		policy(domain.CategoryPayment, 10, hour, 30*minute, "Too many payment attempts, please try again later."),
		policy(domain.CategoryFleetManagement, 100, 15*minute, 0, "Too many fleet management requests, please slow down."),
		policy(domain.CategoryMaintenance, 50, 15*minute, 0, "Too many maintenance requests, please slow down."),
		policy(domain.CategorySearch, 30, minute, 0, "Too many search requests, please slow down."),
		policy(domain.CategoryUpload, 20, hour, 0, "Too many uploads, please try again later."),
		policy(domain.CategoryAdmin, 200, 15*minute, 0, "Too many admin requests, please slow down."),
		policy(domain.CategoryStrict, 3, minute, 5*minute, "Too many requests to a sensitive endpoint, please try again later."),
		policy(domain.CategoryBurst, 20, time.Second, 0, "Request burst limit exceeded, please slow down."),
		policy(domain.CategoryWebhook, 100, minute, 0, "Too many webhook deliveries."),
	}

	t := PolicyTable{
		Policies: make(map[domain.Category]domain.PolicyConfig, len(policies)),
		API: map[domain.Tier]domain.PolicyConfig{
			domain.TierElevated:  apiPolicy(domain.TierElevated, 1000),
			domain.TierStandard:  apiPolicy(domain.TierStandard, 300),
			domain.TierAnonymous: apiPolicy(domain.TierAnonymous, 100),
		},
		Roles: map[string]domain.Tier{
			"admin":         domain.TierElevated,
			"fleet_manager": domain.TierElevated,
			"partner":       domain.TierElevated,
			"user":          domain.TierStandard,
			"customer":      domain.TierStandard,
			"support":       domain.TierStandard,
		},
		Routes: []Route{
			{Method: "POST", Prefix: "/auth/login", Category: domain.CategoryAuth},
			{Method: "POST", Prefix: "/auth/register", Category: domain.CategoryRegistration},
			{Method: "POST", Prefix: "/auth/password", Category: domain.CategoryPasswordReset},
			{Method: "POST", Prefix: "/auth/verify-email", Category: domain.CategoryEmailVerification},
			{Method: "POST", Prefix: "/auth/resend-verification", Category: domain.CategoryEmailVerification},
			{Method: "POST", Prefix: "/auth/2fa", Category: domain.CategoryStrict},
			{Prefix: "/bookings", Category: domain.CategoryBooking},
			{Method: "GET", Prefix: "/vehicles/search", Category: domain.CategoryVehicleSearch},
			{Prefix: "/payments", Category: domain.CategoryPayment},
			{Prefix: "/fleet", Category: domain.CategoryFleetManagement},
			{Prefix: "/maintenance", Category: domain.CategoryMaintenance},
			{Method: "GET", Prefix: "/search", Category: domain.CategorySearch},
			{Method: "POST", Prefix: "/uploads", Category: domain.CategoryUpload},
			{Prefix: "/admin", Category: domain.CategoryAdmin},
			{Prefix: "/chat", Category: domain.CategoryBurst},
			{Method: "POST", Prefix: "/webhooks", Category: domain.CategoryWebhook},
		},
	}
	for _, p := range policies {
		t.Policies[p.Category] = p
	}
	return t
}

// Policy devolve a política de uma categoria sem tier.
func (t PolicyTable) Policy(c domain.Category) (domain.PolicyConfig, bool) {
	p, ok := t.Policies[c]
	return p, ok
}

// All lista todas as políticas ordenadas pelo nome.
func (t PolicyTable) All() []domain.PolicyConfig {
	out := make([]domain.PolicyConfig, 0, len(t.Policies)+len(t.API))
	for _, p := range t.Policies {
		out = append(out, p)
	}
	for _, p := range t.API {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Validate confere a tabela inteira. Erros são InvalidCategory (catálogo) ou
// InvalidArgument (valores).
func (t PolicyTable) Validate() error {
	for _, c := range domain.Categories {
		if c.Tiered() {
			continue
		}
		p, ok := t.Policies[c]
		if !ok {
			return domain.Wrapf(domain.InvalidCategory, "policy table: missing category %q", c)
		}
		if err := validatePolicy(p); err != nil {
			return err
		}
	}
	for c := range t.Policies {
		if !c.Valid() || c.Tiered() {
			return domain.Wrapf(domain.InvalidCategory, "policy table: unknown category %q", c)
		}
	}

	for _, tier := range domain.Tiers {
		p, ok := t.API[tier]
		if !ok {
			return domain.Wrapf(domain.InvalidCategory, "policy table: missing api tier %q", tier)
		}
		if err := validatePolicy(p); err != nil {
			return err
		}
	}
	for tier := range t.API {
		if !tier.Valid() {
			return domain.Wrapf(domain.InvalidCategory, "policy table: unknown api tier %q", tier)
		}
	}

	// o tier de fallback nunca pode ser mais permissivo que um reconhecido
	anon, std, elev := t.API[domain.TierAnonymous], t.API[domain.TierStandard], t.API[domain.TierElevated]
	if anon.Points > std.Points || std.Points > elev.Points {
		return domain.Wrapf(domain.InvalidArgument,
			"policy table: api tiers must satisfy anonymous <= standard <= elevated (got %d, %d, %d)",
			anon.Points, std.Points, elev.Points)
	}

	for role, tier := range t.Roles {
		if !tier.Valid() {
			return domain.Wrapf(domain.InvalidArgument, "policy table: role %q maps to unknown tier %q", role, tier)
		}
	}
	for _, r := range t.Routes {
		if !r.Category.Valid() {
			return domain.Wrapf(domain.InvalidCategory, "policy table: route %s %s uses unknown category %q", r.Method, r.Prefix, r.Category)
		}
		if !strings.HasPrefix(r.Prefix, "/") {
			return domain.Wrapf(domain.InvalidArgument, "policy table: route prefix %q must start with /", r.Prefix)
		}
	}
	return nil
}

func validatePolicy(p domain.PolicyConfig) error {
	name := p.Name()
	switch {
	case p.Points <= 0:
		return domain.Wrapf(domain.InvalidArgument, "policy %s: points must be positive, got %d", name, p.Points)
	case p.Window <= 0 || p.Window > maxWindow:
		return domain.Wrapf(domain.InvalidArgument, "policy %s: window must be in (0, %s], got %s", name, maxWindow, p.Window)
	case p.Cooldown < 0 || p.Cooldown > maxWindow:
		return domain.Wrapf(domain.InvalidArgument, "policy %s: cooldown must be in [0, %s], got %s", name, maxWindow, p.Cooldown)
	case p.KeyPrefix == "":
		return domain.Wrapf(domain.InvalidArgument, "policy %s: empty key prefix", name)
	}
	return nil
}

// policyFile é o formato YAML. Campos omitidos herdam o default.
type policyFile struct {
	Policies map[string]policyEntry `yaml:"policies"`
	API      map[string]policyEntry `yaml:"api"`
	Roles    map[string]string      `yaml:"roles"`
	// Routes, se presente, substitui a tabela de rotas inteira.
	Routes []Route `yaml:"routes"`
}

type policyEntry struct {
	Points   int64          `yaml:"points"`
	Window   time.Duration  `yaml:"window"`
	Cooldown *time.Duration `yaml:"cooldown"`
	Message  string         `yaml:"message,omitempty"`
}

func entryOf(p domain.PolicyConfig) policyEntry {
	cooldown := p.Cooldown
	return policyEntry{Points: p.Points, Window: p.Window, Cooldown: &cooldown, Message: p.Message}
}

func (e policyEntry) apply(p domain.PolicyConfig) domain.PolicyConfig {
	if e.Points != 0 {
		p.Points = e.Points
	}
	if e.Window != 0 {
		p.Window = e.Window
	}
	if e.Cooldown != nil {
		p.Cooldown = *e.Cooldown
	}
	if e.Message != "" {
		p.Message = e.Message
	}
	return p
}

// LoadPolicyFile lê um YAML e aplica por cima de DefaultPolicyTable.
func LoadPolicyFile(path string) (PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyTable{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	t, err := ParsePolicyTable(data)
	if err != nil {
		return PolicyTable{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return t, nil
}

// ParsePolicyTable aplica o documento YAML sobre os defaults e valida o
// resultado. Chaves desconhecidas são erro.
func ParsePolicyTable(data []byte) (PolicyTable, error) {
	var f policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return PolicyTable{}, domain.Wrapf(domain.InvalidArgument, "decode policy table: %w", err)
	}

	t := DefaultPolicyTable()
	for name, entry := range f.Policies {
		c := domain.Category(strings.TrimSpace(name))
		base, ok := t.Policies[c]
		if !ok {
			return PolicyTable{}, domain.Wrapf(domain.InvalidCategory, "policy table: unknown category %q", name)
		}
		t.Policies[c] = entry.apply(base)
	}
	for name, entry := range f.API {
		tier := domain.Tier(strings.TrimSpace(name))
		base, ok := t.API[tier]
		if !ok {
			return PolicyTable{}, domain.Wrapf(domain.InvalidCategory, "policy table: unknown api tier %q", name)
		}
		t.API[tier] = entry.apply(base)
	}
	for role, tier := range f.Roles {
		t.Roles[normalizeRole(role)] = domain.Tier(strings.TrimSpace(tier))
	}
	if f.Routes != nil {
		t.Routes = f.Routes
	}

	if err := t.Validate(); err != nil {
		return PolicyTable{}, err
	}
	return t, nil
}

// MarshalPolicyTable escreve a tabela completa no mesmo formato aceito por
// ParsePolicyTable.
func MarshalPolicyTable(t PolicyTable) ([]byte, error) {
	f := policyFile{
		Policies: make(map[string]policyEntry, len(t.Policies)),
		API:      make(map[string]policyEntry, len(t.API)),
		Roles:    make(map[string]string, len(t.Roles)),
		Routes:   t.Routes,
	}
	for c, p := range t.Policies {
		f.Policies[string(c)] = entryOf(p)
	}
	for tier, p := range t.API {
		f.API[string(tier)] = entryOf(p)
	}
	for role, tier := range t.Roles {
		f.Roles[role] = string(tier)
	}
	return yaml.Marshal(f)
}

package application

import (
	"net"
	"strings"

	"rental-gateway/middleware/ratelimit/domain"
)

const unknownOrigin = "unknown"

// ResolveKey monta a chave do cliente para a categoria. Função pura: mesma
// entrada, mesma chave.
//
//   - identidade autenticada: identity:<id>
//   - password_reset / email_verification: email:<addr> (corpo, depois identidade)
//   - webhook: webhook:<tipo>:<origem>
//   - resto: address:<origem>
func ResolveKey(category domain.Category, info domain.RequestInfo) domain.ClientKey {
	switch category {
	case domain.CategoryPasswordReset, domain.CategoryEmailVerification:
		if email := normalizeEmail(info.BodyEmail); email != "" {
			return domain.ClientKey("email:" + email)
		}
		if email := normalizeEmail(info.CallerEmail); email != "" {
			return domain.ClientKey("email:" + email)
		}
	case domain.CategoryWebhook:
		typ := strings.TrimSpace(info.WebhookType)
		if typ == "" {
			typ = unknownOrigin
		}
		return domain.ClientKey("webhook:" + typ + ":" + Origin(info))
	}

	if id := strings.TrimSpace(info.CallerID); id != "" {
		return domain.ClientKey("identity:" + id)
	}
	return domain.ClientKey("address:" + Origin(info))
}

// Origin escolhe o endereço do chamador: primeira entrada do
// X-Forwarded-For, X-Real-IP, peer do transporte, senão "unknown".
func Origin(info domain.RequestInfo) string {
	if xff := info.ForwardedFor; xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(info.RealIP); ip != "" {
		return ip
	}
	if addr := strings.TrimSpace(info.RemoteAddr); addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			return host
		}
		return addr
	}
	return unknownOrigin
}

func normalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}

var keyKinds = []string{"identity:", "address:", "email:", "webhook:"}

// NormalizeClientKey aceita uma chave completa ou um id cru vindo da
// superfície administrativa; id cru vira identity:<id>.
func NormalizeClientKey(raw string) (domain.ClientKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.Wrap(domain.InvalidArgument, "empty client id")
	}
	for _, kind := range keyKinds {
		if strings.HasPrefix(raw, kind) {
			if len(raw) == len(kind) {
				return "", domain.Wrapf(domain.InvalidArgument, "client key %q has no value", raw)
			}
			return domain.ClientKey(raw), nil
		}
	}
	return domain.ClientKey("identity:" + raw), nil
}

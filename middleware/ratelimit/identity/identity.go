// Package identity transporta o chamador autenticado até o rate limit.
//
// O limiter não valida credenciais. Quem autentica (o colaborador de auth ou
// um auth gateway na frente) coloca o Caller no contexto ou no header
// Auth-Info (JSON em base64url); o limiter só lê.
package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"rental-gateway/middleware/ratelimit/domain"
)

// HeaderName é o header interno preenchido pelo auth gateway.
const HeaderName = "Auth-Info"

// Caller é o chamador autenticado.
type Caller struct {
	ID    string `json:"sub"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext devolve o chamador, se houver um com ID.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || strings.TrimSpace(c.ID) == "" {
		return Caller{}, false
	}
	return c, true
}

// SetHeader codifica o chamador no header Auth-Info. Usado por quem
// autenticou (e nos testes).
func SetHeader(r *http.Request, c Caller) error {
	b, err := json.Marshal(c)
	if err != nil {
		return domain.Wrapf(domain.InvalidArgument, "failed to encode caller: %s", err)
	}
	r.Header.Set(HeaderName, base64.RawURLEncoding.EncodeToString(b))
	return nil
}

// ParseHeader lê o header Auth-Info.
func ParseHeader(r *http.Request) (Caller, error) {
	val := strings.TrimSpace(r.Header.Get(HeaderName))
	if val == "" {
		return Caller{}, domain.Wrap(domain.NotFound, "auth info not available in the http request")
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(val, "="))
	if err != nil {
		return Caller{}, domain.Wrapf(domain.InvalidArgument, "invalid auth info received: %s", err)
	}
	var c Caller
	if err := json.Unmarshal(b, &c); err != nil {
		return Caller{}, domain.Wrapf(domain.InvalidArgument, "failed to decode auth info: %s", err)
	}
	if strings.TrimSpace(c.ID) == "" {
		return Caller{}, domain.Wrap(domain.InvalidArgument, "auth info without subject")
	}
	return c, nil
}

// StripHeader descarta o Auth-Info vindo do cliente. Use na borda quando
// nenhum auth gateway confiável reescreve o header; sem isso qualquer um
// escolhe o próprio sub (e o tier).
func StripHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderName)
		next.ServeHTTP(w, r)
	})
}

// FromHeader é um middleware que move o Auth-Info para o contexto. Header
// ausente ou inválido segue como anônimo; um Caller já presente no contexto
// tem precedência.
func FromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			if c, err := ParseHeader(r); err == nil {
				r = r.WithContext(WithCaller(r.Context(), c))
			}
		}
		next.ServeHTTP(w, r)
	})
}

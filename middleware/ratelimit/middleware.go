package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"rental-gateway/middleware/ratelimit/application"
	"rental-gateway/middleware/ratelimit/domain"
	"rental-gateway/middleware/ratelimit/identity"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderPolicy     = "X-RateLimit-Policy"
	HeaderRetryAfter = "Retry-After"
	HeaderWebhook    = "X-Webhook-Type"

	defaultBodyPeek = 64 << 10
	unmatchedRoute  = "*"
)

// RequestInfoFunc extrai o recorte da requisição usado por classifier e
// resolver.
type RequestInfoFunc func(r *http.Request, category domain.Category) domain.RequestInfo

type Options struct {
	Service application.Service
	Stats   domain.StatsStore
	Logger  *slog.Logger

	// InfoFn substitui a extração padrão (identity + headers + corpo).
	InfoFn RequestInfoFunc
	// TrustProxyHeaders libera X-Forwarded-For e X-Real-IP; desligado, a
	// origem é só o peer TCP. Ligue apenas atrás de um proxy que reescreve
	// esses headers.
	TrustProxyHeaders bool
	// MaxBodyPeek limita quantos bytes do corpo são lidos para achar o email
	// em password_reset/email_verification.
	MaxBodyPeek int64
	// FailOpenLogEvery limita o log de erro do backend; zero usa 10s.
	FailOpenLogEvery time.Duration
}

// RateLimiter monta os middlewares HTTP sobre um Service já construído.
type RateLimiter struct {
	opts     Options
	logEvery *rate.Sometimes
}

func New(opts Options) *RateLimiter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyPeek <= 0 {
		opts.MaxBodyPeek = defaultBodyPeek
	}
	if opts.FailOpenLogEvery <= 0 {
		opts.FailOpenLogEvery = 10 * time.Second
	}
	if opts.InfoFn == nil {
		opts.InfoFn = DefaultInfoFunc(opts.TrustProxyHeaders, opts.MaxBodyPeek)
	}
	return &RateLimiter{
		opts:     opts,
		logEvery: &rate.Sometimes{Interval: opts.FailOpenLogEvery},
	}
}

// Middleware limita pela categoria fixa. Categoria inválida entra em pânico na
// montagem das rotas, não numa requisição.
func Middleware(opts Options, category domain.Category) func(next http.Handler) http.Handler {
	return New(opts).Middleware(category)
}

// APIMiddleware limita pela política de api do tier do chamador.
func APIMiddleware(opts Options) func(next http.Handler) http.Handler {
	return New(opts).API()
}

func (l *RateLimiter) Middleware(category domain.Category) func(next http.Handler) http.Handler {
	if category.Tiered() {
		return l.API()
	}
	l.opts.Service.Registry.MustGet(category)
	return l.handler(func(*http.Request) domain.Category { return category })
}

func (l *RateLimiter) API() func(next http.Handler) http.Handler {
	return l.handler(func(*http.Request) domain.Category { return domain.CategoryAPI })
}

// ByRoute escolhe a categoria pela tabela de rotas do registry.
func (l *RateLimiter) ByRoute() func(next http.Handler) http.Handler {
	reg := l.opts.Service.Registry
	return l.handler(func(r *http.Request) domain.Category {
		return reg.Route(r.Method, r.URL.Path)
	})
}

func (l *RateLimiter) handler(categoryOf func(*http.Request) domain.Category) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			category := categoryOf(r)
			info := l.opts.InfoFn(r, category)

			dec, err := l.opts.Service.Decide(r.Context(), category, info)
			if err != nil {
				// backend com problema não derruba o serviço: libera
				l.logEvery.Do(func() {
					l.opts.Logger.Error("rate limit check failed, allowing request",
						"category", category, "key", dec.Key, "error", err)
				})
				l.record(r, dec, category, true)
				next.ServeHTTP(w, r)
				return
			}

			l.record(r, dec, category, false)
			writeHeaders(w.Header(), dec)
			if !dec.Verdict.Admitted {
				writeRejection(w, dec)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) record(r *http.Request, dec application.Decision, category domain.Category, failOpen bool) {
	if l.opts.Stats == nil {
		return
	}
	_ = l.opts.Stats.Record(r.Context(), domain.StatsEvent{
		Key:      dec.Key,
		Category: category,
		Tier:     dec.Policy.Tier,
		Allowed:  failOpen || dec.Verdict.Admitted,
		FailOpen: failOpen,
		Method:   statsMethod(r.Method),
		Path:     l.statsRoute(r),
		At:       time.Now(),
	})
}

// statsRoute rotula a requisição pelo padrão registrado (chi) ou pelo prefixo
// da tabela de rotas, nunca pelo path cru: o número de rótulos fica limitado
// ao que está configurado.
func (l *RateLimiter) statsRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" && p != "/*" {
			return p
		}
	}
	if rt, ok := l.opts.Service.Registry.RouteFor(r.Method, r.URL.Path); ok {
		return rt.Prefix
	}
	return unmatchedRoute
}

func statsMethod(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return m
	}
	return "OTHER"
}

func writeHeaders(h http.Header, dec application.Decision) {
	v := dec.Verdict
	h.Set(HeaderLimit, formatInt(v.Limit))
	h.Set(HeaderRemaining, formatInt(v.Remaining))
	h.Set(HeaderReset, formatReset(v.ResetAt))
	if dec.Policy.Tier != "" {
		h.Set(HeaderPolicy, string(dec.Policy.Tier))
	}
	if !v.Admitted {
		h.Set(HeaderRetryAfter, formatInt(v.RetryAfterSeconds))
	}
}

// RejectionBody é o corpo JSON do 429.
type RejectionBody struct {
	Error         string `json:"error"`
	RetryAfter    int64  `json:"retryAfter"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"windowSeconds"`
	Type          string `json:"type"`
}

func writeRejection(w http.ResponseWriter, dec application.Decision) {
	msg := dec.Policy.Message
	if msg == "" {
		msg = http.StatusText(http.StatusTooManyRequests)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(RejectionBody{
		Error:         msg,
		RetryAfter:    dec.Verdict.RetryAfterSeconds,
		Limit:         dec.Verdict.Limit,
		WindowSeconds: int64(dec.Policy.Window / time.Second),
		Type:          string(dec.Policy.Category),
	})
}

// DefaultInfoFunc monta RequestInfo a partir do identity no contexto, dos
// headers de origem e, só para password_reset/email_verification, do email
// no corpo (que é restaurado para o próximo handler).
func DefaultInfoFunc(trustProxy bool, maxBodyPeek int64) RequestInfoFunc {
	return func(r *http.Request, category domain.Category) domain.RequestInfo {
		info := domain.RequestInfo{
			RemoteAddr:  r.RemoteAddr,
			WebhookType: r.Header.Get(HeaderWebhook),
		}
		if trustProxy {
			info.ForwardedFor = r.Header.Get("X-Forwarded-For")
			info.RealIP = r.Header.Get("X-Real-IP")
		}
		if c, ok := identity.FromContext(r.Context()); ok {
			info.CallerID = c.ID
			info.CallerEmail = c.Email
			info.CallerRole = c.Role
		}
		if category == domain.CategoryPasswordReset || category == domain.CategoryEmailVerification {
			info.BodyEmail = peekEmail(r, maxBodyPeek)
		}
		return info
	}
}

// peekEmail lê até max bytes do corpo procurando o campo email (JSON ou
// form) e devolve o corpo intacto para a requisição.
func peekEmail(r *http.Request, max int64) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, max))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || len(buf) == 0 {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(buf))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(vals.Get("email"))
	default:
		var body struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(buf, &body); err != nil {
			return ""
		}
		return strings.TrimSpace(body.Email)
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

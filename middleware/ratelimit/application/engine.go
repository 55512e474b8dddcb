package application

import (
	"context"
	"math"
	"time"

	"rental-gateway/middleware/ratelimit/domain"
)

const (
	// fallbackReset substitui tempos de reset inválidos ou ausentes.
	fallbackReset = 60 * time.Second
	maxResetAhead = 24 * time.Hour
)

// Engine gasta, consulta e zera orçamentos. Sem estado próprio; Now existe
// para testes com relógio simulado.
type Engine struct {
	Now func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Consume gasta um ponto. Esgotamento vira Verdict{Admitted:false}; erro é
// sempre falha do backend.
func (e Engine) Consume(ctx context.Context, l *Limiter, key domain.ClientKey) (domain.Verdict, error) {
	res, err := l.consume(ctx, key)
	if err != nil {
		return domain.Verdict{}, err
	}
	now := e.now()
	resetAt := ResetAt(now, res.MsBeforeNext)

	v := domain.Verdict{
		Admitted: !res.Rejected,
		Limit:    l.policy.Points,
		ResetAt:  resetAt,
	}
	if res.Rejected {
		v.RetryAfterSeconds = retryAfterSeconds(now, resetAt)
		return v, nil
	}
	v.Remaining = clampRemaining(res.RemainingPoints, l.policy.Points)
	return v, nil
}

// Query lê o estado sem consumir.
func (e Engine) Query(ctx context.Context, l *Limiter, key domain.ClientKey) (domain.Status, error) {
	res, err := l.query(ctx, key)
	if err != nil {
		return domain.Status{}, err
	}
	st := domain.Status{
		Policy:    l.Name(),
		Limit:     l.policy.Points,
		Remaining: clampRemaining(res.RemainingPoints, l.policy.Points),
		ResetAt:   ResetAt(e.now(), res.MsBeforeNext),
		Blocked:   res.Rejected,
	}
	if st.Blocked {
		st.Remaining = 0
	}
	return st, nil
}

func (e Engine) Reset(ctx context.Context, l *Limiter, key domain.ClientKey) error {
	return l.reset(ctx, key)
}

// SanitizeMs troca tempos não finitos ou negativos pelo fallback de 60s.
func SanitizeMs(ms float64) float64 {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return float64(fallbackReset / time.Millisecond)
	}
	return ms
}

// ResetAt calcula now+ms e garante que o resultado esteja em (now, now+24h].
func ResetAt(now time.Time, ms float64) time.Time {
	ms = SanitizeMs(ms)
	if ms > float64(maxResetAhead/time.Millisecond) {
		return now.Add(fallbackReset)
	}
	at := now.Add(time.Duration(ms * float64(time.Millisecond)))
	if !at.After(now) {
		return now.Add(fallbackReset)
	}
	return at
}

// retryAfterSeconds é ceil((resetAt-now)/1s), nunca menor que 1.
func retryAfterSeconds(now, resetAt time.Time) int64 {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func clampRemaining(remaining, limit int64) int64 {
	switch {
	case remaining < 0:
		return 0
	case remaining > limit:
		return limit
	}
	return remaining
}

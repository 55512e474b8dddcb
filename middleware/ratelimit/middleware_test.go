package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-gateway/middleware/ratelimit/application"
	"rental-gateway/middleware/ratelimit/domain"
	"rental-gateway/middleware/ratelimit/identity"
	"rental-gateway/middleware/ratelimit/infra"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	clock *clock
	store *infra.MemoryStore
	stats *infra.MemoryStatsStore
	opts  Options
}

func newFixture(t *testing.T, mutate ...func(*application.PolicyTable)) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	table := application.DefaultPolicyTable()
	for _, m := range mutate {
		m(&table)
	}
	store := infra.NewMemoryStore(infra.WithClock(c.Now))
	reg, err := application.NewRegistry(table, store)
	require.NoError(t, err)

	stats := infra.NewMemoryStatsStore()
	return &fixture{
		clock: c,
		store: store,
		stats: stats,
		opts: Options{
			Service: application.NewService(reg, application.Engine{Now: c.Now}),
			Stats:   stats,
			Logger:  quietLogger(),
		},
	}
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func strictBudgetThree(t *application.PolicyTable) {
	p := t.Policies[domain.CategoryStrict]
	p.Points, p.Window, p.Cooldown = 3, time.Minute, 0
	t.Policies[domain.CategoryStrict] = p
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	f := newFixture(t, strictBudgetThree)
	calls := 0
	h := Middleware(f.opts, domain.CategoryStrict)(okHandler(&calls))

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "http://example/auth/2fa", nil)
		r.RemoteAddr = "1.2.3.4:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	for _, remaining := range []string{"2", "1", "0"} {
		w := send()
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get(HeaderLimit))
		assert.Equal(t, remaining, w.Header().Get(HeaderRemaining))
		assert.Equal(t, "2026-06-01T10:01:00.000Z", w.Header().Get(HeaderReset))
		assert.Empty(t, w.Header().Get(HeaderRetryAfter))
	}

	f.clock.Advance(15 * time.Second)
	w := send()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "45", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body RejectionBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, int64(45), body.RetryAfter)
	assert.Equal(t, int64(3), body.Limit)
	assert.Equal(t, int64(60), body.WindowSeconds)
	assert.Equal(t, "strict", body.Type)
	assert.NotEmpty(t, body.Error)

	assert.Equal(t, 3, calls)

	f.clock.Advance(61 * time.Second)
	w = send()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderRemaining))
}

func TestMiddleware_KeysAreIndependent(t *testing.T) {
	f := newFixture(t, strictBudgetThree)
	calls := 0
	h := Middleware(f.opts, domain.CategoryStrict)(okHandler(&calls))

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.RemoteAddr = "10.0.0.1:1"
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.2:1"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, calls)
}

func TestMiddleware_UnknownCategoryPanicsAtSetup(t *testing.T) {
	f := newFixture(t)
	assert.Panics(t, func() { Middleware(f.opts, "karaoke") })
}

type failingBackend struct{}

func (failingBackend) Consume(context.Context, domain.ClientKey, domain.PolicyConfig) (domain.ConsumptionResult, error) {
	return domain.ConsumptionResult{}, domain.Wrap(domain.BackendRuntimeFailure, "connection reset")
}

func (failingBackend) Query(context.Context, domain.ClientKey, domain.PolicyConfig) (domain.ConsumptionResult, error) {
	return domain.ConsumptionResult{}, domain.Wrap(domain.BackendRuntimeFailure, "connection reset")
}

func (failingBackend) Reset(context.Context, domain.ClientKey, domain.PolicyConfig) error {
	return domain.Wrap(domain.BackendRuntimeFailure, "connection reset")
}

func (failingBackend) Kind() domain.BackendKind { return domain.BackendDistributed }

func TestMiddleware_FailsOpenOnBackendError(t *testing.T) {
	reg, err := application.NewRegistry(application.DefaultPolicyTable(), failingBackend{})
	require.NoError(t, err)
	stats := infra.NewMemoryStatsStore()
	opts := Options{
		Service: application.NewService(reg, application.Engine{}),
		Stats:   stats,
		Logger:  quietLogger(),
	}

	calls := 0
	h := Middleware(opts, domain.CategoryAuth)(okHandler(&calls))
	for i := 0; i < 10; i++ {
		r := httptest.NewRequest(http.MethodPost, "http://example/auth/login", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(HeaderLimit))
	}
	assert.Equal(t, 10, calls)
	assert.Equal(t, infra.Counters{Allowed: 10, FailOpen: 10}, stats.Total())
}

func TestAPIMiddleware_UsesCallerTier(t *testing.T) {
	f := newFixture(t)
	calls := 0
	h := identity.FromHeader(APIMiddleware(f.opts)(okHandler(&calls)))

	cases := []struct {
		caller *identity.Caller
		tier   string
		limit  string
	}{
		{nil, "anonymous", "100"},
		{&identity.Caller{ID: "u-1", Role: "customer"}, "standard", "300"},
		{&identity.Caller{ID: "u-2", Role: "admin"}, "elevated", "1000"},
		{&identity.Caller{ID: "u-3", Role: "hacker"}, "anonymous", "100"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://example/vehicles", nil)
		if tc.caller != nil {
			require.NoError(t, identity.SetHeader(r, *tc.caller))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, tc.tier, w.Header().Get(HeaderPolicy))
		assert.Equal(t, tc.limit, w.Header().Get(HeaderLimit))
	}

	snap := f.stats.Snapshot()
	assert.Equal(t, int64(2), snap.ByCategory["api:anonymous"].Allowed)
}

func TestByRoute_PicksCategoryFromTable(t *testing.T) {
	f := newFixture(t)
	calls := 0
	h := New(f.opts).ByRoute()(okHandler(&calls))

	r := httptest.NewRequest(http.MethodPost, "http://example/auth/login", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "5", w.Header().Get(HeaderLimit))
	assert.Empty(t, w.Header().Get(HeaderPolicy))

	r = httptest.NewRequest(http.MethodGet, "http://example/vehicles/1", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "anonymous", w.Header().Get(HeaderPolicy))
}

func TestMiddleware_PasswordResetKeysByBodyEmailAndKeepsBody(t *testing.T) {
	f := newFixture(t)
	var seen string
	h := Middleware(f.opts, domain.CategoryPasswordReset)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
	}))

	payload := `{"email":"Ana@Example.com"}`
	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		r := httptest.NewRequest(http.MethodPost, "http://example/auth/password/forgot", strings.NewReader(payload))
		r.Header.Set("Content-Type", "application/json")
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, payload, seen)
	}

	// mesmo email vindo de outro endereço continua no mesmo orçamento
	r := httptest.NewRequest(http.MethodPost, "http://example/auth/password/forgot", strings.NewReader(payload))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "10.0.0.4:1"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMiddleware_StatsRouteLabelsStayBounded(t *testing.T) {
	f := newFixture(t)
	calls := 0
	h := New(f.opts).ByRoute()(okHandler(&calls))

	for i := 0; i < 20; i++ {
		r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("http://example/fleet/%d", i), nil)
		h.ServeHTTP(httptest.NewRecorder(), r)

		r = httptest.NewRequest(http.MethodGet, fmt.Sprintf("http://example/x/%d", i), nil)
		h.ServeHTTP(httptest.NewRecorder(), r)

		r = httptest.NewRequest(fmt.Sprintf("VERB%d", i), "http://example/fleet", nil)
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	snap := f.stats.Snapshot()
	assert.Len(t, snap.ByRoute, 3)
	assert.Equal(t, int64(20), snap.ByRoute["GET /fleet"].Allowed)
	assert.Equal(t, int64(20), snap.ByRoute["GET *"].Allowed)
	assert.Equal(t, int64(20), snap.ByRoute["OTHER /fleet"].Allowed)
}

func TestMiddleware_StatsUseChiRoutePattern(t *testing.T) {
	f := newFixture(t)
	calls := 0
	limiter := New(f.opts)

	r := chi.NewRouter()
	r.With(limiter.Middleware(domain.CategoryBooking)).Get("/bookings/{id}", okHandler(&calls).ServeHTTP)

	for _, id := range []string{"a1", "b2", "c3"} {
		req := httptest.NewRequest(http.MethodGet, "http://example/bookings/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, 3, calls)
	snap := f.stats.Snapshot()
	assert.Len(t, snap.ByRoute, 1)
	assert.Equal(t, int64(3), snap.ByRoute["GET /bookings/{id}"].Allowed)
}

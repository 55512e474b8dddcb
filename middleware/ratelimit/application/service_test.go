package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-gateway/middleware/ratelimit/domain"
)

func TestService_Decide_StaticCategory(t *testing.T) {
	clock := newTestClock()
	reg, _ := newTestRegistry(t, clock)
	svc := NewService(reg, Engine{Now: clock.Now})

	dec, err := svc.Decide(context.Background(), domain.CategoryAuth, domain.RequestInfo{RemoteAddr: "10.0.0.1:4000"})
	require.NoError(t, err)
	assert.True(t, dec.Verdict.Admitted)
	assert.Equal(t, int64(4), dec.Verdict.Remaining)
	assert.Equal(t, domain.ClientKey("address:10.0.0.1"), dec.Key)
	assert.Equal(t, "auth", dec.Policy.Name())
}

func TestService_Decide_APIUsesClassifiedTier(t *testing.T) {
	clock := newTestClock()
	reg, _ := newTestRegistry(t, clock)
	svc := NewService(reg, Engine{Now: clock.Now})
	ctx := context.Background()

	cases := []struct {
		info domain.RequestInfo
		tier domain.Tier
	}{
		{domain.RequestInfo{RemoteAddr: "10.0.0.1:1"}, domain.TierAnonymous},
		{domain.RequestInfo{CallerID: "7", CallerRole: "customer"}, domain.TierStandard},
		{domain.RequestInfo{CallerID: "8", CallerRole: "admin"}, domain.TierElevated},
		{domain.RequestInfo{CallerID: "9", CallerRole: "martian"}, domain.TierAnonymous},
	}
	for _, tc := range cases {
		dec, err := svc.Decide(ctx, domain.CategoryAPI, tc.info)
		require.NoError(t, err)
		assert.Equal(t, tc.tier, dec.Policy.Tier, "%+v", tc.info)
		assert.Equal(t, dec.Policy.Points, dec.Verdict.Limit)
	}
}

func TestService_Decide_RejectsOverBudget(t *testing.T) {
	clock := newTestClock()
	reg, _ := newTestRegistry(t, clock)
	svc := NewService(reg, Engine{Now: clock.Now})
	info := domain.RequestInfo{BodyEmail: "ana@example.com"}

	var dec Decision
	var err error
	for i := 0; i < 4; i++ {
		dec, err = svc.Decide(context.Background(), domain.CategoryPasswordReset, info)
		require.NoError(t, err)
	}
	assert.False(t, dec.Verdict.Admitted)
	assert.Equal(t, domain.ClientKey("email:ana@example.com"), dec.Key)
	assert.Equal(t, int64(3600), dec.Verdict.RetryAfterSeconds)
}

func TestService_Decide_BackendFailureKeepsContext(t *testing.T) {
	reg, err := NewRegistry(DefaultPolicyTable(), &scriptedBackend{err: domain.Wrap(domain.BackendRuntimeFailure, "down")})
	require.NoError(t, err)
	svc := NewService(reg, Engine{})

	dec, err := svc.Decide(context.Background(), domain.CategoryBooking, domain.RequestInfo{CallerID: "1"})
	require.Error(t, err)
	assert.True(t, domain.IsBackendRuntimeFailure(err))
	assert.Equal(t, "booking", dec.Policy.Name())
	assert.Equal(t, domain.ClientKey("identity:1"), dec.Key)
	assert.False(t, dec.Verdict.Admitted)
}

func TestService_Decide_UnknownCategory(t *testing.T) {
	reg, err := NewRegistry(DefaultPolicyTable(), &scriptedBackend{})
	require.NoError(t, err)

	_, err = NewService(reg, Engine{}).Decide(context.Background(), "karaoke", domain.RequestInfo{})
	assert.True(t, domain.IsInvalidCategory(err))
}

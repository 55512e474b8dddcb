package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-gateway/middleware/ratelimit/domain"
)

func TestDefaultPolicyTable_IsValidAndComplete(t *testing.T) {
	table := DefaultPolicyTable()
	require.NoError(t, table.Validate())

	for _, c := range domain.Categories {
		if c.Tiered() {
			continue
		}
		_, ok := table.Policy(c)
		assert.True(t, ok, "missing %s", c)
	}
	for _, tier := range domain.Tiers {
		assert.Contains(t, table.API, tier)
	}
	assert.Len(t, table.All(), len(domain.Categories)-1+len(domain.Tiers))
}

func TestDefaultPolicyTable_ReturnsIndependentCopies(t *testing.T) {
	a := DefaultPolicyTable()
	a.Policies[domain.CategoryAuth] = domain.PolicyConfig{}
	a.Roles["guest"] = domain.TierElevated

	b := DefaultPolicyTable()
	assert.Equal(t, int64(5), b.Policies[domain.CategoryAuth].Points)
	assert.NotContains(t, b.Roles, "guest")
}

func TestPolicyTable_ValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PolicyTable)
		check  func(error) bool
	}{
		{
			name: "zero points",
			mutate: func(t *PolicyTable) {
				p := t.Policies[domain.CategoryAuth]
				p.Points = 0
				t.Policies[domain.CategoryAuth] = p
			},
			check: domain.IsInvalidArgument,
		},
		{
			name: "negative cooldown",
			mutate: func(t *PolicyTable) {
				p := t.Policies[domain.CategoryAuth]
				p.Cooldown = -time.Second
				t.Policies[domain.CategoryAuth] = p
			},
			check: domain.IsInvalidArgument,
		},
		{
			name: "window beyond a day",
			mutate: func(t *PolicyTable) {
				p := t.Policies[domain.CategoryUpload]
				p.Window = 48 * time.Hour
				t.Policies[domain.CategoryUpload] = p
			},
			check: domain.IsInvalidArgument,
		},
		{
			name:   "missing category",
			mutate: func(t *PolicyTable) { delete(t.Policies, domain.CategoryWebhook) },
			check:  domain.IsInvalidCategory,
		},
		{
			name:   "unknown category",
			mutate: func(t *PolicyTable) { t.Policies["karaoke"] = t.Policies[domain.CategoryAuth] },
			check:  domain.IsInvalidCategory,
		},
		{
			name: "anonymous more permissive than standard",
			mutate: func(t *PolicyTable) {
				p := t.API[domain.TierAnonymous]
				p.Points = 10_000
				t.API[domain.TierAnonymous] = p
			},
			check: domain.IsInvalidArgument,
		},
		{
			name:   "role to unknown tier",
			mutate: func(t *PolicyTable) { t.Roles["guest"] = "platinum" },
			check:  domain.IsInvalidArgument,
		},
		{
			name:   "route to unknown category",
			mutate: func(t *PolicyTable) { t.Routes = append(t.Routes, Route{Prefix: "/x", Category: "nope"}) },
			check:  domain.IsInvalidCategory,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := DefaultPolicyTable()
			tc.mutate(&table)
			err := table.Validate()
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected code %s: %v", domain.GetErrCode(err), err)
		})
	}
}

func TestParsePolicyTable_OverridesDefaults(t *testing.T) {
	doc := []byte(`
policies:
  auth:
    points: 10
    cooldown: 0s
  upload:
    window: 30m
    message: "Slow down on uploads."
api:
  elevated:
    points: 5000
roles:
  Manager: elevated
routes:
  - method: POST
    prefix: /login
    category: auth
`)
	table, err := ParsePolicyTable(doc)
	require.NoError(t, err)

	auth := table.Policies[domain.CategoryAuth]
	assert.Equal(t, int64(10), auth.Points)
	assert.Equal(t, time.Duration(0), auth.Cooldown)
	assert.Equal(t, 15*time.Minute, auth.Window, "omitted fields keep the default")

	upload := table.Policies[domain.CategoryUpload]
	assert.Equal(t, 30*time.Minute, upload.Window)
	assert.Equal(t, "Slow down on uploads.", upload.Message)

	assert.Equal(t, int64(5000), table.API[domain.TierElevated].Points)
	assert.Equal(t, domain.TierElevated, table.Roles["manager"])
	assert.Equal(t, []Route{{Method: "POST", Prefix: "/login", Category: domain.CategoryAuth}}, table.Routes)
}

func TestParsePolicyTable_EmptyDocumentIsDefaults(t *testing.T) {
	table, err := ParsePolicyTable(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyTable().All(), table.All())
}

func TestParsePolicyTable_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown category": "policies:\n  karaoke:\n    points: 1\n",
		"unknown tier":     "api:\n  platinum:\n    points: 1\n",
		"unknown field":    "policies:\n  auth:\n    budget: 1\n",
		"bad duration":     "policies:\n  auth:\n    window: forever\n",
		"tier ordering":    "api:\n  anonymous:\n    points: 100000\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicyTable([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  search:\n    points: 90\n"), 0o600))

	table, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(90), table.Policies[domain.CategorySearch].Points)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMarshalPolicyTable_RoundTrips(t *testing.T) {
	want := DefaultPolicyTable()
	data, err := MarshalPolicyTable(want)
	require.NoError(t, err)
	assert.Contains(t, string(data), "window: 15m0s")

	got, err := ParsePolicyTable(data)
	require.NoError(t, err)
	assert.Equal(t, want.All(), got.All())
	assert.Equal(t, want.Roles, got.Roles)
	assert.Equal(t, want.Routes, got.Routes)
}

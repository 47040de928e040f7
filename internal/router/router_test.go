package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/typ"
)

type staticLookup map[string]*typ.Provider

func (l staticLookup) GetByNameAndAccount(name, email string) *typ.Provider {
	return l[name]
}

func testLookup() staticLookup {
	return staticLookup{
		"direct":   {Name: "direct", Type: typ.ProviderAnthropic, Enabled: true},
		"deepseek": {Name: "deepseek", Type: typ.ProviderOpenAI, Enabled: true},
		"backup":   {Name: "backup", Type: typ.ProviderAnthropic, Enabled: true},
	}
}

func testRoutes() *config.Config {
	return &config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			"claude-3-5-sonnet-20241022": {
				{Provider: "deepseek", Model: "deepseek-chat", Priority: 1},
				{Provider: "direct", Model: typ.ModelPassthrough, Priority: 0},
			},
			"claude-3-5-*": {
				{Provider: "backup", Model: typ.ModelPassthrough, Priority: 0},
			},
			"*": {
				{Provider: "deepseek", Model: "deepseek-chat", Priority: 0},
			},
			DefaultRouteKey: {
				{Provider: "direct", Model: typ.ModelPassthrough, Priority: 0},
			},
		},
	}
}

func TestResolveExactOrderedByPriority(t *testing.T) {
	r, err := New(testRoutes(), testLookup())
	require.NoError(t, err)

	cands, err := r.Resolve("claude-3-5-sonnet-20241022")
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "direct", cands[0].Provider.Name)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cands[0].UpstreamModel, "passthrough keeps the requested model")
	assert.Equal(t, "deepseek", cands[1].Provider.Name)
	assert.Equal(t, "deepseek-chat", cands[1].UpstreamModel)
}

func TestResolveGlobLongestPatternWins(t *testing.T) {
	r, err := New(testRoutes(), testLookup())
	require.NoError(t, err)

	// Matches both "claude-3-5-*" and "*"; the longer pattern wins.
	cands, err := r.Resolve("claude-3-5-haiku-20241022")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "backup", cands[0].Provider.Name)
	assert.Equal(t, "claude-3-5-haiku-20241022", cands[0].UpstreamModel)
}

func TestResolveExactBeatsGlob(t *testing.T) {
	r, err := New(testRoutes(), testLookup())
	require.NoError(t, err)

	cands, err := r.Resolve("claude-3-5-sonnet-20241022")
	require.NoError(t, err)
	assert.Equal(t, "direct", cands[0].Provider.Name)
}

func TestResolveCatchAll(t *testing.T) {
	r, err := New(testRoutes(), testLookup())
	require.NoError(t, err)

	cands, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "deepseek", cands[0].Provider.Name)
	assert.Equal(t, "deepseek-chat", cands[0].UpstreamModel)
}

func TestResolveDefaultFallback(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			DefaultRouteKey: {
				{Provider: "direct", Model: typ.ModelPassthrough, Priority: 0},
			},
		},
	}
	r, err := New(cfg, testLookup())
	require.NoError(t, err)

	cands, err := r.Resolve("anything-at-all")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "direct", cands[0].Provider.Name)
	assert.Equal(t, "anything-at-all", cands[0].UpstreamModel)
}

func TestResolveNotRouted(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			"only-this": {
				{Provider: "direct", Model: typ.ModelPassthrough, Priority: 0},
			},
		},
	}
	r, err := New(cfg, testLookup())
	require.NoError(t, err)

	_, err = r.Resolve("something-else")
	require.ErrorIs(t, err, typ.ErrModelNotRouted)
}

func TestResolveSkipsUnknownProviders(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			"m": {
				{Provider: "ghost", Model: typ.ModelPassthrough, Priority: 0},
				{Provider: "direct", Model: typ.ModelPassthrough, Priority: 1},
			},
		},
	}
	r, err := New(cfg, testLookup())
	require.NoError(t, err)

	cands, err := r.Resolve("m")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "direct", cands[0].Provider.Name)
}

func TestResolveAllEntriesUnresolvable(t *testing.T) {
	cfg := &config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			"m": {
				{Provider: "ghost", Model: typ.ModelPassthrough, Priority: 0},
			},
		},
	}
	r, err := New(cfg, testLookup())
	require.NoError(t, err)

	_, err = r.Resolve("m")
	require.ErrorIs(t, err, typ.ErrModelNotRouted)
}

func TestReload(t *testing.T) {
	r, err := New(testRoutes(), testLookup())
	require.NoError(t, err)

	require.NoError(t, r.Reload(&config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			"new-model": {
				{Provider: "backup", Model: typ.ModelPassthrough, Priority: 0},
			},
		},
	}))

	_, err = r.Resolve("claude-3-5-sonnet-20241022")
	require.ErrorIs(t, err, typ.ErrModelNotRouted)

	cands, err := r.Resolve("new-model")
	require.NoError(t, err)
	assert.Equal(t, "backup", cands[0].Provider.Name)
}

func TestInvalidPattern(t *testing.T) {
	_, err := New(&config.Config{
		ModelRoutes: map[string][]typ.RouteEntry{
			"bad-[pattern": {
				{Provider: "direct", Model: typ.ModelPassthrough, Priority: 0},
			},
		},
	}, testLookup())
	require.Error(t, err)
}

func TestModels(t *testing.T) {
	r, err := New(testRoutes(), testLookup())
	require.NoError(t, err)

	models := r.Models()
	assert.Contains(t, models, "claude-3-5-sonnet-20241022")
	assert.Contains(t, models, "claude-3-5-*")
	assert.Contains(t, models, DefaultRouteKey)
}

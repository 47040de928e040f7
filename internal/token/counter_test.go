package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypool/relaypool/internal/auth"
	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/pool"
	"github.com/relaypool/relaypool/internal/typ"
)

func newCounter(t *testing.T, providers []*typ.Provider) (*Counter, *pool.Pool) {
	t.Helper()
	cfg := &config.Config{
		Providers: providers,
		Settings: config.Settings{
			SelectionStrategy:   typ.StrategyPriority,
			UnhealthyThreshold:  2,
			FailureCooldown:     60,
			RateLimitCooldown:   30,
			CountTokensCooldown: 15,
			ConnectTimeout:      5,
			ReadTimeout:         10,
		},
	}
	p := pool.New(cfg)
	return NewCounter(p, auth.NewResolver(nil), cfg.Settings), p
}

func TestEstimateLocalDeterministic(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":[{"type":"text","text":"Hello, how are you today?"}]}]}`)

	first, err := EstimateLocal(body)
	require.NoError(t, err)
	assert.Greater(t, first, 0)

	second, err := EstimateLocal(body)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEstimateLocalCountsSystemAndTools(t *testing.T) {
	base := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	withSystem := []byte(`{"model":"m","system":"You are a helpful assistant.","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	withTools := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],"tools":[{"name":"get_weather","description":"Look up the weather","input_schema":{"type":"object","properties":{"city":{"type":"string"}}}}]}`)

	baseN, err := EstimateLocal(base)
	require.NoError(t, err)
	sysN, err := EstimateLocal(withSystem)
	require.NoError(t, err)
	toolsN, err := EstimateLocal(withTools)
	require.NoError(t, err)

	assert.Greater(t, sysN, baseN)
	assert.Greater(t, toolsN, baseN)
}

func TestEstimateLocalImageFlatCharge(t *testing.T) {
	noImage := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	withImage := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}]}]}`)

	plain, err := EstimateLocal(noImage)
	require.NoError(t, err)
	imaged, err := EstimateLocal(withImage)
	require.NoError(t, err)

	assert.Equal(t, imageTokenEstimate, imaged-plain)
}

func TestEstimateLocalBadBody(t *testing.T) {
	_, err := EstimateLocal([]byte(`not json`))
	require.Error(t, err)
}

func TestCountPrefersUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/count_tokens", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("beta"))
		assert.Equal(t, "sk-a", r.Header.Get("x-api-key"))
		fmt.Fprint(w, `{"input_tokens": 42}`)
	}))
	defer upstream.Close()

	c, _ := newCounter(t, []*typ.Provider{{
		Name: "a", Type: typ.ProviderAnthropic, BaseURL: upstream.URL,
		AuthType: typ.AuthTypeAPIKey, AuthValue: "sk-a", Enabled: true,
	}})

	n, err := c.Count(context.Background(), []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestCountUpstreamHonorsProviderProxy(t *testing.T) {
	// Plays the part of an HTTP forward proxy: the counter's client must send
	// the request here instead of dialing the unreachable base URL.
	proxied := 0
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied++
		assert.Equal(t, "upstream.invalid", r.Host)
		assert.Equal(t, "/v1/messages/count_tokens", r.URL.Path)
		fmt.Fprint(w, `{"input_tokens": 42}`)
	}))
	defer proxy.Close()

	c, _ := newCounter(t, []*typ.Provider{{
		Name: "a", Type: typ.ProviderAnthropic, BaseURL: "http://upstream.invalid",
		AuthType: typ.AuthTypeAPIKey, AuthValue: "sk-a", ProxyURL: proxy.URL, Enabled: true,
	}})

	n, err := c.Count(context.Background(), []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 1, proxied)
}

func TestCountFallsBackAndTripsSubBreaker(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer upstream.Close()

	c, p := newCounter(t, []*typ.Provider{{
		Name: "a", Type: typ.ProviderAnthropic, BaseURL: upstream.URL,
		AuthType: typ.AuthTypeAPIKey, AuthValue: "sk-a", Enabled: true,
	}})

	body := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hello world"}]}]}`)

	n, err := c.Count(context.Background(), body, http.Header{})
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Equal(t, 1, calls)

	prov := p.GetByNameAndAccount("a", "")
	assert.False(t, p.IsCountTokensAvailable(prov))
	// A count failure never affects the provider's primary health.
	assert.True(t, p.IsHealthy(prov))

	// The tripped sub-breaker skips the upstream entirely.
	_, err = c.Count(context.Background(), body, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCountNoAnthropicProviderUsesLocal(t *testing.T) {
	c, _ := newCounter(t, []*typ.Provider{{
		Name: "ds", Type: typ.ProviderOpenAI, BaseURL: "http://unused",
		AuthType: typ.AuthTypeAPIKey, AuthValue: "sk", Enabled: true,
	}})

	n, err := c.Count(context.Background(), []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`), http.Header{})
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

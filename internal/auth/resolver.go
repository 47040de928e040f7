package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/relaypool/relaypool/internal/typ"
)

const (
	anthropicVersionHeader = "anthropic-version"
	anthropicVersionValue  = "2023-06-01"
	anthropicBetaHeader    = "anthropic-beta"
	oauthBetaFlag          = "oauth-2025-04-20"
)

// Headers the resolver never copies from the client request. Authorization
// headers are replaced by the resolved credential, host is rewritten for the
// upstream, and content-length must be recomputed after conversion.
var excludedHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"host":           true,
	"content-length": true,
}

// Resolver builds outgoing headers for a provider from the client's original
// headers. It is a pure function over its inputs; all state lives in the
// injected token store.
type Resolver struct {
	tokens TokenStore
}

// NewResolver creates a resolver backed by the given token store.
func NewResolver(tokens TokenStore) *Resolver {
	return &Resolver{tokens: tokens}
}

// Resolve produces the outgoing header set for one upstream attempt.
func (r *Resolver) Resolve(provider *typ.Provider, original http.Header) (http.Header, error) {
	headers := filterOriginalHeaders(original)

	if host := hostFromBaseURL(provider.BaseURL); host != "" {
		headers.Set("Host", host)
	}

	if provider.IsPassthrough() {
		applyPassthroughAuth(headers, provider, original)
	} else {
		secret, err := r.resolveSecret(provider)
		if err != nil {
			return nil, err
		}
		applyStandardAuth(headers, provider, secret)
	}

	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}

	logrus.Debugf("Resolved %d outgoing headers for provider %s", len(headers), provider.DisplayName())
	return headers, nil
}

// resolveSecret returns the literal credential to apply, consulting the OAuth
// store when the provider uses the oauth sentinel.
func (r *Resolver) resolveSecret(provider *typ.Provider) (string, error) {
	if !provider.IsOAuth() {
		return provider.AuthValue, nil
	}
	if r.tokens == nil {
		return "", fmt.Errorf("provider %s: %w", provider.DisplayName(), typ.ErrOAuthTokenUnavailable)
	}

	var (
		token string
		err   error
	)
	if provider.AccountEmail != "" {
		token, err = r.tokens.GetTokenByEmail(provider.AccountEmail)
	} else {
		token, err = r.tokens.GetCurrentToken()
	}
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", provider.DisplayName(), err)
	}
	return token, nil
}

func filterOriginalHeaders(original http.Header) http.Header {
	headers := make(http.Header, len(original))
	for key, values := range original {
		if excludedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	return headers
}

func hostFromBaseURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func applyPassthroughAuth(headers http.Header, provider *typ.Provider, original http.Header) {
	if v := original.Get("Authorization"); v != "" {
		headers.Set("Authorization", v)
	}
	if v := original.Get("x-api-key"); v != "" {
		headers.Set("x-api-key", v)
	}
	if provider.Type == typ.ProviderAnthropic {
		headers.Set(anthropicVersionHeader, anthropicVersionValue)
	}
}

func applyStandardAuth(headers http.Header, provider *typ.Provider, secret string) {
	switch provider.AuthType {
	case typ.AuthTypeAPIKey:
		if provider.Type == typ.ProviderAnthropic {
			headers.Set("x-api-key", secret)
			headers.Set(anthropicVersionHeader, anthropicVersionValue)
		} else {
			headers.Set("Authorization", "Bearer "+secret)
		}
	case typ.AuthTypeAuthToken:
		headers.Set("Authorization", "Bearer "+secret)
		if provider.Type == typ.ProviderAnthropic {
			headers.Set(anthropicVersionHeader, anthropicVersionValue)
			if provider.Name == typ.ClaudeOfficialName && provider.IsOAuth() {
				ensureOAuthBeta(headers)
			}
		}
	}
}

// ensureOAuthBeta guarantees the oauth beta flag is present in anthropic-beta,
// prepended ahead of any flags the client already sent.
func ensureOAuthBeta(headers http.Header) {
	beta := headers.Get(anthropicBetaHeader)
	if strings.Contains(beta, oauthBetaFlag) {
		return
	}
	if beta != "" {
		headers.Set(anthropicBetaHeader, oauthBetaFlag+","+beta)
	} else {
		headers.Set(anthropicBetaHeader, oauthBetaFlag)
	}
}

package typ

import (
	"fmt"
	"strings"
)

// ProviderType represents the wire format a provider speaks
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
)

// AuthType represents the authentication type for a provider
type AuthType string

const (
	AuthTypeAPIKey    AuthType = "api_key"
	AuthTypeAuthToken AuthType = "auth_token"
)

// Sentinel auth values. When AuthValue matches one of these the resolver
// does not treat it as a literal secret.
const (
	AuthValueOAuth       = "oauth"
	AuthValuePassthrough = "passthrough"
)

// ClaudeOfficialName is the provider name that triggers the OAuth beta-header
// fix for api.anthropic.com accounts.
const ClaudeOfficialName = "Claude Code Official"

// Provider is the configuration entity for a single upstream. It is immutable
// after config load; runtime health state lives in the pool.
//
// Name is not unique: several providers may share a name as long as they are
// distinguished by AccountEmail.
type Provider struct {
	Name         string       `json:"name" yaml:"name"`
	Type         ProviderType `json:"type" yaml:"type"`
	BaseURL      string       `json:"base_url" yaml:"base_url"`
	AuthType     AuthType     `json:"auth_type" yaml:"auth_type"`
	AuthValue    string       `json:"auth_value" yaml:"auth_value"`
	AccountEmail string       `json:"account_email,omitempty" yaml:"account_email,omitempty"`
	ProxyURL     string       `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
}

// Key returns the identity tuple (name, account_email) used to reference the
// provider from model routes. Email comparison is case-insensitive.
func (p *Provider) Key() string {
	return p.Name + "|" + strings.ToLower(p.AccountEmail)
}

// DisplayName returns a human-readable identifier for logs.
func (p *Provider) DisplayName() string {
	if p.AccountEmail != "" {
		return fmt.Sprintf("%s (%s)", p.Name, p.AccountEmail)
	}
	return p.Name
}

// IsPassthrough reports whether the provider forwards client credentials.
func (p *Provider) IsPassthrough() bool {
	return p.AuthValue == AuthValuePassthrough
}

// IsOAuth reports whether the provider resolves its credential from the
// OAuth token store.
func (p *Provider) IsOAuth() bool {
	return p.AuthValue == AuthValueOAuth
}

// RouteEntry is a single candidate inside a model route. UpstreamModel may be
// the sentinel "passthrough", which forwards the client-supplied model name.
type RouteEntry struct {
	Provider     string `json:"provider" yaml:"provider"`
	Model        string `json:"model" yaml:"model"`
	Priority     int    `json:"priority" yaml:"priority"`
	AccountEmail string `json:"account_email,omitempty" yaml:"account_email,omitempty"`
}

// ModelPassthrough forwards the client-supplied model string unchanged.
const ModelPassthrough = "passthrough"

// SelectionStrategy controls candidate ordering on consumption.
type SelectionStrategy string

const (
	StrategyPriority   SelectionStrategy = "priority"
	StrategyRoundRobin SelectionStrategy = "round_robin"
)

// Candidate pairs a resolved provider with the model name to send upstream.
type Candidate struct {
	Provider      *Provider
	UpstreamModel string
}

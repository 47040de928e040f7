package pool

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/typ"
)

// providerHealth is the mutable runtime state for a single provider. The
// count-tokens sub-breaker is independent of primary health: a failing token
// counter must never pull the provider out of rotation.
type providerHealth struct {
	mu                  sync.Mutex
	consecutiveFailures int
	cooldownUntil       time.Time
	lastError           string

	countTokensUnavailable   bool
	countTokensCooldownUntil time.Time
}

// Pool is the in-memory provider registry with per-provider health tracking,
// cooldown timers, and selection-strategy ordering.
type Pool struct {
	mu        sync.RWMutex
	providers []*typ.Provider // enabled providers in insertion order
	health    map[string]*providerHealth
	settings  config.Settings

	// per-model rotation cursors for the round_robin strategy
	cursors sync.Map // model -> *atomic.Uint64
}

// New builds a pool from the loaded configuration. Disabled providers are
// dropped here; they never enter rotation.
func New(cfg *config.Config) *Pool {
	p := &Pool{
		health:   make(map[string]*providerHealth),
		settings: cfg.Settings,
	}
	for _, prov := range cfg.Providers {
		if !prov.Enabled {
			continue
		}
		p.providers = append(p.providers, prov)
		p.health[prov.Key()] = &providerHealth{}
	}
	return p
}

// Rebuild swaps in a new provider set after a config reload. Health state is
// retained for providers whose (name, account_email) identity survives.
func (p *Pool) Rebuild(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldHealth := p.health
	p.providers = nil
	p.health = make(map[string]*providerHealth)
	p.settings = cfg.Settings

	for _, prov := range cfg.Providers {
		if !prov.Enabled {
			continue
		}
		p.providers = append(p.providers, prov)
		if h, ok := oldHealth[prov.Key()]; ok {
			p.health[prov.Key()] = h
		} else {
			p.health[prov.Key()] = &providerHealth{}
		}
	}
	logrus.Infof("Provider pool rebuilt: %d enabled providers", len(p.providers))
}

// GetByNameAndAccount returns the first enabled provider matching the name
// and, when email is non-empty, the account email (case-insensitive).
func (p *Pool) GetByNameAndAccount(name, email string) *typ.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, prov := range p.providers {
		if prov.Name != name {
			continue
		}
		if email != "" && !strings.EqualFold(prov.AccountEmail, email) {
			continue
		}
		return prov
	}
	return nil
}

// Providers returns a snapshot of the enabled providers in insertion order.
func (p *Pool) Providers() []*typ.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*typ.Provider, len(p.providers))
	copy(out, p.providers)
	return out
}

func (p *Pool) healthFor(prov *typ.Provider) *providerHealth {
	p.mu.RLock()
	h, ok := p.health[prov.Key()]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.health[prov.Key()]; ok {
		return h
	}
	h = &providerHealth{}
	p.health[prov.Key()] = h
	return h
}

// IsHealthy reports whether the provider is in rotation: below the failure
// threshold, or past its cooldown window.
func (p *Pool) IsHealthy(prov *typ.Provider) bool {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.cooldownUntil.IsZero() && time.Now().Before(h.cooldownUntil) {
		return false
	}
	// Cooldown elapsed: the provider re-enters rotation and gets a clean
	// failure count for its next chance.
	if !h.cooldownUntil.IsZero() {
		h.cooldownUntil = time.Time{}
		h.consecutiveFailures = 0
	}
	return h.consecutiveFailures < p.settings.UnhealthyThreshold
}

// MarkSuccess resets the provider's failure count and clears any cooldown.
func (p *Pool) MarkSuccess(prov *typ.Provider) {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.cooldownUntil = time.Time{}
	h.lastError = ""
}

// MarkFailure records an attempt failure. Only error kinds that count against
// the provider increment the failure count; reaching the unhealthy threshold
// starts the cooldown. Rate limiting cools the provider down immediately with
// the shorter 429 window.
func (p *Pool) MarkFailure(prov *typ.Provider, kind typ.ErrorKind) {
	relayErr := &typ.RelayError{Kind: kind}
	if !relayErr.CountsAgainstProvider() {
		return
	}

	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures++
	h.lastError = string(kind)

	if kind == typ.KindRateLimited {
		h.cooldownUntil = time.Now().Add(p.settings.RateLimitCooldownDuration())
		logrus.Warnf("Provider %s rate limited, cooling down for %s", prov.DisplayName(), p.settings.RateLimitCooldownDuration())
		return
	}

	if h.consecutiveFailures >= p.settings.UnhealthyThreshold {
		h.cooldownUntil = time.Now().Add(p.settings.FailureCooldownDuration())
		logrus.Warnf("Provider %s unhealthy after %d consecutive failures, cooling down for %s",
			prov.DisplayName(), h.consecutiveFailures, p.settings.FailureCooldownDuration())
	}
}

// ConsecutiveFailures returns the current failure count for a provider.
func (p *Pool) ConsecutiveFailures(prov *typ.Provider) int {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}

// CooldownRemaining returns the time until the provider re-enters rotation,
// zero when it is not cooling down.
func (p *Pool) CooldownRemaining(prov *typ.Provider) time.Duration {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cooldownUntil.IsZero() {
		return 0
	}
	d := time.Until(h.cooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}

// ResetAll clears all runtime health state. Used by the admin reset endpoint.
func (p *Pool) ResetAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.health {
		h.mu.Lock()
		h.consecutiveFailures = 0
		h.cooldownUntil = time.Time{}
		h.lastError = ""
		h.countTokensUnavailable = false
		h.countTokensCooldownUntil = time.Time{}
		h.mu.Unlock()
	}
	logrus.Info("Provider health state reset")
}

// SelectCandidates filters cooled-down providers out of the resolved route
// and orders the remainder by the configured selection strategy. Ties keep
// route order, which follows stable insertion order.
func (p *Pool) SelectCandidates(model string, candidates []typ.Candidate) []typ.Candidate {
	healthy := make([]typ.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if p.IsHealthy(c.Provider) {
			healthy = append(healthy, c)
		}
	}

	if p.settings.SelectionStrategy == typ.StrategyRoundRobin && len(healthy) > 1 {
		cur, _ := p.cursors.LoadOrStore(model, &atomic.Uint64{})
		offset := int(cur.(*atomic.Uint64).Add(1)-1) % len(healthy)
		// Rotate the head; tail order is preserved.
		rotated := make([]typ.Candidate, 0, len(healthy))
		rotated = append(rotated, healthy[offset:]...)
		rotated = append(rotated, healthy[:offset]...)
		return rotated
	}
	return healthy
}

// SelectHealthyAnthropic returns the first healthy anthropic-typed provider
// in insertion order, or nil. The token counter uses it for the upstream
// count-tokens path. Iterates over a snapshot because IsHealthy takes the
// pool lock itself; holding it here could deadlock against a queued Rebuild.
func (p *Pool) SelectHealthyAnthropic() *typ.Provider {
	for _, prov := range p.Providers() {
		if prov.Type != typ.ProviderAnthropic {
			continue
		}
		if p.IsHealthy(prov) {
			return prov
		}
	}
	return nil
}

// IsCountTokensAvailable reports the state of the count-tokens sub-breaker.
func (p *Pool) IsCountTokensAvailable(prov *typ.Provider) bool {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.countTokensUnavailable {
		return true
	}
	if time.Now().After(h.countTokensCooldownUntil) {
		h.countTokensUnavailable = false
		return true
	}
	return false
}

// MarkCountTokensFailed trips the sub-breaker with its own shorter cooldown.
// Primary health is untouched.
func (p *Pool) MarkCountTokensFailed(prov *typ.Provider) {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.countTokensUnavailable = true
	h.countTokensCooldownUntil = time.Now().Add(p.settings.CountTokensCooldownDuration())
	logrus.Debugf("count_tokens API marked unavailable for %s", prov.DisplayName())
}

// MarkCountTokensSuccess resets the sub-breaker.
func (p *Pool) MarkCountTokensSuccess(prov *typ.Provider) {
	h := p.healthFor(prov)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.countTokensUnavailable = false
	h.countTokensCooldownUntil = time.Time{}
}

// ProviderStatus is the externally visible health snapshot for one provider.
type ProviderStatus struct {
	Name                string           `json:"name"`
	Type                typ.ProviderType `json:"type"`
	AccountEmail        string           `json:"account_email,omitempty"`
	Healthy             bool             `json:"healthy"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	CooldownSeconds     int              `json:"cooldown_seconds,omitempty"`
	CountTokensAPI      bool             `json:"count_tokens_api_available"`
	LastError           string           `json:"last_error,omitempty"`
}

// Snapshot returns the status of every enabled provider.
func (p *Pool) Snapshot() []ProviderStatus {
	providers := p.Providers()
	out := make([]ProviderStatus, 0, len(providers))
	for _, prov := range providers {
		h := p.healthFor(prov)
		healthy := p.IsHealthy(prov)

		h.mu.Lock()
		status := ProviderStatus{
			Name:                prov.Name,
			Type:                prov.Type,
			AccountEmail:        prov.AccountEmail,
			Healthy:             healthy,
			ConsecutiveFailures: h.consecutiveFailures,
			CountTokensAPI:      !h.countTokensUnavailable,
			LastError:           h.lastError,
		}
		if !h.cooldownUntil.IsZero() {
			if d := time.Until(h.cooldownUntil); d > 0 {
				status.CooldownSeconds = int(d.Seconds())
			}
		}
		h.mu.Unlock()

		out = append(out, status)
	}
	return out
}

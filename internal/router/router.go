package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/typ"
)

// DefaultRouteKey is the model-route key consulted when no other route
// matches the requested model.
const DefaultRouteKey = "default"

// ProviderLookup resolves a route entry's (provider, account_email) reference
// to a concrete provider. The pool implements it.
type ProviderLookup interface {
	GetByNameAndAccount(name, email string) *typ.Provider
}

// compiledRoute is one model route with its pattern pre-compiled. Routes with
// wildcard characters match via glob; plain names match exactly.
type compiledRoute struct {
	pattern string
	glob    glob.Glob // nil for exact-match routes
	entries []typ.RouteEntry
}

// Router maps a client-facing model name to an ordered candidate list. It
// does not filter by health; the pool does that on consumption.
type Router struct {
	mu     sync.RWMutex
	exact  map[string][]typ.RouteEntry
	globs  []compiledRoute
	lookup ProviderLookup
}

// New builds a router from the configured model routes.
func New(cfg *config.Config, lookup ProviderLookup) (*Router, error) {
	r := &Router{lookup: lookup}
	if err := r.load(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the route table after a config change.
func (r *Router) Reload(cfg *config.Config) error {
	return r.load(cfg)
}

func (r *Router) load(cfg *config.Config) error {
	exact := make(map[string][]typ.RouteEntry)
	var globs []compiledRoute

	for model, entries := range cfg.ModelRoutes {
		sorted := make([]typ.RouteEntry, len(entries))
		copy(sorted, entries)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Priority < sorted[j].Priority
		})

		if containsWildcard(model) {
			g, err := glob.Compile(model)
			if err != nil {
				return fmt.Errorf("router: invalid model pattern %q: %w", model, err)
			}
			globs = append(globs, compiledRoute{pattern: model, glob: g, entries: sorted})
		} else {
			exact[model] = sorted
		}
	}

	// Longer patterns win over shorter ones so that "claude-3-5-*" beats "*".
	sort.SliceStable(globs, func(i, j int) bool {
		return len(globs[i].pattern) > len(globs[j].pattern)
	})

	r.mu.Lock()
	r.exact = exact
	r.globs = globs
	r.mu.Unlock()
	return nil
}

func containsWildcard(s string) bool {
	for _, c := range s {
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return true
		}
	}
	return false
}

// Resolve returns the ordered candidate list for a requested model. Entries
// whose provider reference does not resolve are skipped with a warning. The
// upstream model "passthrough" is translated to the incoming model string.
func (r *Router) Resolve(model string) ([]typ.Candidate, error) {
	entries := r.entriesFor(model)
	if entries == nil {
		return nil, fmt.Errorf("%w: %q", typ.ErrModelNotRouted, model)
	}

	candidates := make([]typ.Candidate, 0, len(entries))
	for _, e := range entries {
		prov := r.lookup.GetByNameAndAccount(e.Provider, e.AccountEmail)
		if prov == nil {
			logrus.Warnf("Route for %q references unknown provider (name=%q, account_email=%q), skipping",
				model, e.Provider, e.AccountEmail)
			continue
		}
		upstream := e.Model
		if upstream == typ.ModelPassthrough {
			upstream = model
		}
		candidates = append(candidates, typ.Candidate{Provider: prov, UpstreamModel: upstream})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q (no resolvable entries)", typ.ErrModelNotRouted, model)
	}
	return candidates, nil
}

func (r *Router) entriesFor(model string) []typ.RouteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entries, ok := r.exact[model]; ok {
		return entries
	}
	for _, cr := range r.globs {
		if cr.glob.Match(model) {
			return cr.entries
		}
	}
	if entries, ok := r.exact[DefaultRouteKey]; ok {
		return entries
	}
	return nil
}

// Models lists the configured route keys, exact routes first.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.exact)+len(r.globs))
	for m := range r.exact {
		out = append(out, m)
	}
	sort.Strings(out)
	for _, cr := range r.globs {
		out = append(out, cr.pattern)
	}
	return out
}

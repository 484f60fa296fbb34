// Package vrouter implements the Virtual Router Engine (spec 4.C): it takes
// a named route produced by the classifier and resolves it to a concrete
// provider, model, and credential key, consulting the credential pool for
// eligibility and falling through an ordered target list the same way the
// teacher's proxy.ParseRoute resolves a request path into a RouteInfo —
// generalized here from "parse a fixed URL shape" to "walk a configured
// fallback chain and pick a live key."
package vrouter

import (
	"strings"
	"sync"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
	"github.com/ctrlmesh/gateway/internal/credential"
)

// Target is one parsed entry from a routing list: "providerId.modelId" or
// "providerId.modelId.keyAlias".
type Target struct {
	ProviderID string
	ModelID    string
	KeyAlias   string // empty means "any eligible key for this provider"
}

// ParseTarget splits a routing-table entry into its components.
func ParseTarget(raw string) (Target, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return Target{}, false
	}
	t := Target{ProviderID: parts[0], ModelID: parts[1]}
	if len(parts) >= 3 {
		t.KeyAlias = parts[2]
	}
	return t, true
}

// Router resolves a classified route to a live RoutingDecision.
type Router struct {
	mu   sync.RWMutex
	cfg  config.VirtualRouter
	pool *credential.Pool
}

// New builds a Router over the given routing table and credential pool.
func New(cfg config.VirtualRouter, pool *credential.Pool) *Router {
	return &Router{cfg: cfg, pool: pool}
}

// Reload atomically replaces the routing table in effect (spec §5: config
// reload swaps the routing table without restarting the process). The
// credential pool is untouched — Register is additive and idempotent, so
// the caller re-registers providers/keys from the new config separately.
func (r *Router) Reload(cfg config.VirtualRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Resolve walks routeName's ordered target list (spec 4.C), and within each
// target provider selects the highest-priority, lowest-penalty eligible
// key, breaking remaining ties by round-robin cursor. It returns
// canon.ErrNoHealthyUpstream if no target yields an eligible key.
func (r *Router) Resolve(routeName string, classification canon.RoutingDecision) (canon.RoutingDecision, error) {
	r.mu.RLock()
	routing := r.cfg.Routing
	r.mu.RUnlock()

	targets, ok := routing[routeName]
	if !ok || len(targets) == 0 {
		targets, ok = routing["default"]
		if !ok || len(targets) == 0 {
			return canon.RoutingDecision{}, canon.NewError(canon.ErrNoHealthyUpstream, "no targets configured for route or default", nil)
		}
	}

	for _, raw := range targets {
		target, ok := ParseTarget(raw)
		if !ok {
			continue
		}

		snap := r.pool.Snapshot(target.ProviderID)
		if len(snap) == 0 {
			continue
		}

		chosen, ok := selectKey(snap, target.KeyAlias, r.pool.Cursor(target.ProviderID))
		if !ok {
			continue
		}

		decision := classification
		decision.RouteName = routeName
		decision.PoolID = target.ProviderID
		decision.ProviderID = target.ProviderID
		decision.KeyAlias = chosen.KeyAlias
		decision.Model = target.ModelID
		decision.PoolSnapshot = refsOf(snap)
		return decision, nil
	}

	return canon.RoutingDecision{}, canon.NewError(canon.ErrNoHealthyUpstream, "no eligible key across any target for route "+routeName, nil)
}

// selectKey picks the eligible snapshot entry for a target. When keyAlias
// is non-empty, only that exact key qualifies. Otherwise the first entry
// wins among snap's (priorityTier, selectionPenalty)-sorted order, with
// ties broken by cursor modulo the tied group size.
func selectKey(snap []credential.Snapshot, keyAlias string, cursor uint64) (credential.Snapshot, bool) {
	if keyAlias != "" {
		for _, s := range snap {
			if s.KeyAlias == keyAlias {
				return s, true
			}
		}
		return credential.Snapshot{}, false
	}

	best := snap[0]
	tiedEnd := 1
	for tiedEnd < len(snap) && snap[tiedEnd].PriorityTier == best.PriorityTier && snap[tiedEnd].SelectionPenalty == best.SelectionPenalty {
		tiedEnd++
	}
	return snap[cursor%uint64(tiedEnd)], true
}

func refsOf(snap []credential.Snapshot) []string {
	refs := make([]string, len(snap))
	for i, s := range snap {
		refs[i] = s.Ref()
	}
	return refs
}

// Package credential implements the Credential Pool & Cooldown Registry
// (spec 4.A): a concurrent mapping from providerId.keyAlias to ProviderKey,
// with per-key critical sections, point-in-time snapshots for selection,
// and Save/Hydrate persistence to a state directory. Persistence happens only
// when Save or Hydrate is called; the report operations do not write to disk.
package credential

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
)

// State is a ProviderKey's health state.
type State int

const (
	StateHealthy State = iota
	StateCooling
	StateBlacklisted
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCooling:
		return "cooling"
	case StateBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Backoff bases for cooldown duration (spec 4.A's effect table); server
// errors get a smaller base than explicit rate limits.
const (
	rateLimitedBaseBackoff = 5 * time.Second
	serverErrorBaseBackoff = 2 * time.Second
	penaltyBump            = 1.0
	penaltyDecay           = 0.5
)

// ProviderKey is one credential's health record (spec §3). All mutation
// happens through Pool's exported operations; external callers never
// write fields directly — Snapshot returns a read-only copy.
type ProviderKey struct {
	mu sync.Mutex

	providerID string
	keyAlias   string

	state                 State
	failureCount          int
	cooldownExpiresAt     time.Time
	priorityTier          int
	selectionPenalty      float64
	lastErrorCode         int
	consecutiveErrorCount int
}

// Ref renders the canonical "providerId.keyAlias" identifier.
func (k *ProviderKey) Ref() string { return k.providerID + "." + k.keyAlias }

// Snapshot is a read-only, point-in-time view of a ProviderKey returned by
// Pool.Snapshot. Callers must not hold it longer than one selection step
// (spec 4.A).
type Snapshot struct {
	ProviderID            string
	KeyAlias              string
	State                 State
	PriorityTier          int
	SelectionPenalty      float64
	ConsecutiveErrorCount int
	CooldownExpiresAt     time.Time
}

func (s Snapshot) Ref() string { return s.ProviderID + "." + s.KeyAlias }

// Pool is the process-wide credential pool. It is created at config bind;
// on config reload the same pool is kept and every configured key is passed
// to Register again.
type Pool struct {
	mu      sync.RWMutex
	keys    map[string]*ProviderKey // providerId.keyAlias -> key
	cursors *cursorSet

	stateDir string
	saveMu   sync.Mutex
}

// NewPool constructs an empty pool. Use Register to populate it from
// configuration, then optionally Hydrate to layer in persisted state.
func NewPool(stateDir string) *Pool {
	return &Pool{
		keys:     make(map[string]*ProviderKey),
		cursors:  newCursorSet(),
		stateDir: stateDir,
	}
}

// Register adds (or updates the static fields of) a ProviderKey. Called at
// config bind time and on config reload for every provider.key combination;
// never called per-request. Registering a blacklisted key again clears its
// blacklist, since a blacklist lasts until config reload (spec 4.A).
func (p *Pool) Register(providerID, keyAlias string, priorityTier int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref := providerID + "." + keyAlias
	if existing, ok := p.keys[ref]; ok {
		existing.mu.Lock()
		existing.priorityTier = priorityTier
		if existing.state == StateBlacklisted {
			existing.state = StateHealthy
		}
		existing.mu.Unlock()
		return
	}

	p.keys[ref] = &ProviderKey{
		providerID:   providerID,
		keyAlias:     keyAlias,
		state:        StateHealthy,
		priorityTier: priorityTier,
	}
}

// Snapshot returns the ordered list of eligible keys for a provider:
// excludes blacklisted keys, excludes cooling keys whose cooldown hasn't
// expired, and sorts by (priorityTier asc, selectionPenalty asc). Round-
// robin position among ties is resolved by the caller via Cursor (4.C owns
// the tie-break logic; this just returns the eligible set in priority
// order).
func (p *Pool) Snapshot(providerID string) []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var out []Snapshot
	for ref, k := range p.keys {
		if len(ref) <= len(providerID) || ref[:len(providerID)+1] != providerID+"." {
			continue
		}
		k.mu.Lock()
		if k.state == StateBlacklisted {
			k.mu.Unlock()
			continue
		}
		if k.state == StateCooling && k.cooldownExpiresAt.After(now) {
			k.mu.Unlock()
			continue
		}
		snap := Snapshot{
			ProviderID:            k.providerID,
			KeyAlias:              k.keyAlias,
			State:                 k.state,
			PriorityTier:          k.priorityTier,
			SelectionPenalty:      k.selectionPenalty,
			ConsecutiveErrorCount: k.consecutiveErrorCount,
			CooldownExpiresAt:     k.cooldownExpiresAt,
		}
		k.mu.Unlock()
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityTier != out[j].PriorityTier {
			return out[i].PriorityTier < out[j].PriorityTier
		}
		return out[i].SelectionPenalty < out[j].SelectionPenalty
	})
	return out
}

// Cursor returns and advances the round-robin cursor for the named pool,
// for use as the final tie-break among equal-priority, equal-penalty keys.
func (p *Pool) Cursor(poolID string) uint64 {
	return p.cursors.next(poolID)
}

// ReportSuccess records a successful call: resets failure counters and
// decays the selection penalty toward zero (spec 4.A). A blacklisted key is
// left unchanged: only Register on config reload clears a blacklist.
func (p *Pool) ReportSuccess(ref string) {
	p.mu.RLock()
	k, ok := p.keys[ref]
	p.mu.RUnlock()
	if !ok {
		return
	}

	k.mu.Lock()
	if k.state == StateBlacklisted {
		k.mu.Unlock()
		return
	}
	k.state = StateHealthy
	k.failureCount = 0
	k.consecutiveErrorCount = 0
	k.selectionPenalty = math.Max(0, k.selectionPenalty-penaltyDecay)
	k.mu.Unlock()
}

// ReportFailure applies the effect table from spec 4.A for the observed
// errorKind. retryAfterHint is the upstream Retry-After value in
// milliseconds, or 0 if absent.
func (p *Pool) ReportFailure(ref string, kind canon.ErrorKind, retryAfterHintMs int) {
	p.mu.RLock()
	k, ok := p.keys[ref]
	p.mu.RUnlock()
	if !ok {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.failureCount++
	k.consecutiveErrorCount++

	switch kind {
	case canon.ErrRateLimited:
		k.state = StateCooling
		k.cooldownExpiresAt = time.Now().Add(backoffDuration(rateLimitedBaseBackoff, retryAfterHintMs, k.consecutiveErrorCount))
		k.selectionPenalty += penaltyBump
	case canon.ErrServerError:
		k.state = StateCooling
		k.cooldownExpiresAt = time.Now().Add(backoffDuration(serverErrorBaseBackoff, retryAfterHintMs, k.consecutiveErrorCount))
		k.selectionPenalty += penaltyBump
	case canon.ErrAuthError:
		k.state = StateBlacklisted
		slog.Warn("credential blacklisted on auth error", "key", ref)
	case canon.ErrClientError:
		// No state change; observability counter only.
	}
}

// backoffDuration returns max(retryAfterHint, base * 2^min(n,6)); the caller
// adds it to now.
func backoffDuration(base time.Duration, retryAfterHintMs, consecutiveErrorCount int) time.Duration {
	shift := consecutiveErrorCount
	if shift > 6 {
		shift = 6
	}
	computed := base * time.Duration(1<<uint(shift))
	hint := time.Duration(retryAfterHintMs) * time.Millisecond
	if hint > computed {
		return hint
	}
	return computed
}

// State reports the given key's current health state, used by the tool
// loop controller to decide whether the same routing decision's key is
// still eligible (spec 4.I).
func (p *Pool) State(ref string) (State, bool) {
	p.mu.RLock()
	k, ok := p.keys[ref]
	p.mu.RUnlock()
	if !ok {
		return StateHealthy, false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == StateCooling && !k.cooldownExpiresAt.After(time.Now()) {
		return StateHealthy, true
	}
	return k.state, true
}

// AllSnapshots returns every registered key's Snapshot regardless of
// eligibility, sorted by Ref, for persistence and diagnostics.
func (p *Pool) AllSnapshots() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Snapshot, 0, len(p.keys))
	for _, k := range p.keys {
		k.mu.Lock()
		out = append(out, Snapshot{
			ProviderID:            k.providerID,
			KeyAlias:              k.keyAlias,
			State:                 k.state,
			PriorityTier:          k.priorityTier,
			SelectionPenalty:      k.selectionPenalty,
			ConsecutiveErrorCount: k.consecutiveErrorCount,
			CooldownExpiresAt:     k.cooldownExpiresAt,
		})
		k.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// Package toolloop implements the Tool Loop Controller (spec 4.I): the
// responses endpoint may answer with required_action.submit_tool_outputs and
// expect a follow-up POST to /v1/responses/{id}/submit_tool_outputs. The
// controller binds a responseId to its in-flight conversation state across
// that round trip. Grounded on the teacher's KillSwitch — an in-memory map
// guarded by one RWMutex, with an explicit Reload/sweep entry point — here
// generalized from a persisted kill list to a TTL-expiring session table with
// no backing file, since tool-loop state never needs to survive a restart.
package toolloop

import (
	"sync"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/credential"
	"github.com/ctrlmesh/gateway/internal/vrouter"
)

// DefaultTTL is the minimum time a responseId binding survives since it was
// last touched (spec: "TTL >= 10 minutes from last touch").
const DefaultTTL = 10 * time.Minute

// DefaultMaxLoops caps how many submit_tool_outputs round trips one
// responseId may take before the controller gives up.
const DefaultMaxLoops = 4

type session struct {
	request   *canon.CanonicalRequest
	decision  canon.RoutingDecision
	loops     int
	lastTouch time.Time
}

// Controller binds responseId to in-flight tool-loop state.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	maxLoops int

	stop chan struct{}
}

// New builds a Controller and starts its background TTL janitor. Call Stop
// to release the janitor goroutine during graceful shutdown.
func New(ttl time.Duration, maxLoops int) *Controller {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoops
	}
	c := &Controller{
		sessions: make(map[string]*session),
		ttl:      ttl,
		maxLoops: maxLoops,
		stop:     make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Stop halts the background janitor. Safe to call once.
func (c *Controller) Stop() {
	close(c.stop)
}

// Register binds a fresh responseId to the request/decision pair that
// produced it, so a later submit_tool_outputs call can resume it.
func (c *Controller) Register(responseID string, req *canon.CanonicalRequest, decision canon.RoutingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[responseID] = &session{request: req, decision: decision, lastTouch: time.Now()}
}

// Continue merges submitted tool outputs into the bound conversation and
// returns the request to re-enter D->F with, plus the routing decision to
// use: the original one if its key is still eligible, otherwise a freshly
// resolved one over the same route.
func (c *Controller) Continue(responseID string, outputs []canon.ToolResultPart, pool *credential.Pool, router *vrouter.Router) (*canon.CanonicalRequest, canon.RoutingDecision, error) {
	c.mu.Lock()
	sess, ok := c.sessions[responseID]
	if !ok {
		c.mu.Unlock()
		return nil, canon.RoutingDecision{}, canon.NewError(canon.ErrClientError, "unknown or expired responseId: "+responseID, nil)
	}
	if sess.loops >= c.maxLoops {
		c.mu.Unlock()
		return nil, canon.RoutingDecision{}, canon.NewError(canon.ErrToolLoopExhausted, "tool loop exceeded maxToolLoops for responseId "+responseID, nil)
	}

	merged := *sess.request
	merged.PriorMessages = append(append([]canon.Message{}, sess.request.PriorMessages...), canon.Message{
		Role:  canon.RoleTool,
		Parts: toolResultParts(outputs),
	})

	decision := sess.decision
	if !keyStillEligible(pool, decision) {
		resolved, err := router.Resolve(decision.RouteName, canon.RoutingDecision{})
		if err != nil {
			c.mu.Unlock()
			return nil, canon.RoutingDecision{}, err
		}
		decision = resolved
	}

	sess.request = &merged
	sess.decision = decision
	sess.loops++
	sess.lastTouch = time.Now()
	c.mu.Unlock()

	return &merged, decision, nil
}

// Forget removes a responseId's binding once its conversation is complete
// (no more required_action expected).
func (c *Controller) Forget(responseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, responseID)
}

func toolResultParts(outputs []canon.ToolResultPart) []canon.Part {
	parts := make([]canon.Part, len(outputs))
	for i, o := range outputs {
		parts[i] = o
	}
	return parts
}

func keyStillEligible(pool *credential.Pool, decision canon.RoutingDecision) bool {
	state, ok := pool.State(decision.ProviderKeyRef())
	if !ok {
		return false
	}
	return state == credential.StateHealthy
}

func (c *Controller) janitor() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sess := range c.sessions {
		if sess.lastTouch.Before(cutoff) {
			delete(c.sessions, id)
		}
	}
}

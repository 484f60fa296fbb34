package provider

import (
	"context"
	"net/http"
	"sync"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/config"
	"github.com/ctrlmesh/gateway/internal/credential"
	"github.com/ctrlmesh/gateway/internal/llmswitch"
	"github.com/ctrlmesh/gateway/internal/vrouter"
)

// endpointPaths maps a provider's protocol to the upstream request path
// (spec §6's provider config carries a baseURL; the path is fixed per
// protocol rather than configured, since every provider of a given type
// exposes the same path shape).
var endpointPaths = map[string]string{
	"chat":       "/v1/chat/completions",
	"responses":  "/v1/responses",
	"anthropic":  "/v1/messages",
}

// Controller is the retry-with-key-rotation controller that sits above the
// Pipeline (spec 4.F / §7's retry table): it retries up to maxRetries
// times, each retry re-entering the router for a fresh RoutingDecision
// over the remaining pool, and stops immediately on authError, clientError,
// or protocolViolation.
type Controller struct {
	router   *vrouter.Router
	pool     *credential.Pool
	pipeline *Pipeline
	sw       *llmswitch.Switch

	mu         sync.RWMutex
	providers  map[string]config.ProviderConfig
	maxRetries int
}

// NewController builds a retry controller.
func NewController(router *vrouter.Router, pool *credential.Pool, pipeline *Pipeline, sw *llmswitch.Switch, providers map[string]config.ProviderConfig, maxRetries int) *Controller {
	return &Controller{router: router, pool: pool, pipeline: pipeline, sw: sw, providers: providers, maxRetries: maxRetries}
}

// Reload atomically replaces the provider table and retry budget in effect
// (spec §5: provider credentials and per-route retry limits hot-reload
// without restarting the process).
func (c *Controller) Reload(providers map[string]config.ProviderConfig, maxRetries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = providers
	c.maxRetries = maxRetries
}

func (c *Controller) snapshot() (map[string]config.ProviderConfig, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers, c.maxRetries
}

// Execute resolves routeName to a RoutingDecision, dispatches req through
// the pipeline, and on a retryable failure re-resolves the route (which
// naturally excludes the just-cooled-down key) and tries again, up to
// maxRetries times.
func (c *Controller) Execute(ctx context.Context, routeName string, classification canon.RoutingDecision, req *canon.CanonicalRequest) (*canon.CanonicalResponse, canon.RoutingDecision, error) {
	var lastDecision canon.RoutingDecision
	var lastErr error

	providers, maxRetries := c.snapshot()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		decision, err := c.router.Resolve(routeName, classification)
		if err != nil {
			return nil, lastDecision, err
		}
		lastDecision = decision

		prov, ok := providers[decision.ProviderID]
		if !ok {
			return nil, decision, canon.NewError(canon.ErrSwitchFailed, "no provider configuration for "+decision.ProviderID, nil)
		}

		providerReq := *req
		providerReq.Model = decision.Model
		body, err := c.sw.EncodeProviderRequest(protocolOf(prov.ProviderType), &providerReq)
		if err != nil {
			return nil, decision, canon.NewError(canon.ErrSwitchFailed, "encoding provider request", err)
		}

		keyValue := ""
		if k, ok := prov.Auth.Keys[decision.KeyAlias]; ok {
			keyValue = k.Value
		}

		respBody, err := c.pipeline.Call(ctx, decision.ProviderID, prov, endpointPaths[prov.ProviderType], keyValue, body)
		if err == nil {
			c.pool.ReportSuccess(decision.ProviderKeyRef())
			resp, decErr := c.sw.DecodeProviderResponse(protocolOf(prov.ProviderType), respBody)
			if decErr != nil {
				return nil, decision, canon.NewError(canon.ErrSwitchFailed, "decoding provider response", decErr)
			}
			return resp, decision, nil
		}

		ce, ok := canon.AsError(err)
		if !ok {
			ce = canon.NewError(canon.ErrServerError, err.Error(), err)
		}
		c.pool.ReportFailure(decision.ProviderKeyRef(), ce.Kind, ce.RetryAfterHint)
		lastErr = ce

		if ce.Kind == canon.ErrAuthError || ce.Kind == canon.ErrClientError || ce.Kind == canon.ErrProtocolViolation {
			return nil, decision, ce
		}
	}

	return nil, lastDecision, lastErr
}

// ExecuteStream resolves routeName and dispatches req through the pipeline's
// streaming call path, retrying on the same terms as Execute. On success it
// returns the raw upstream *http.Response (caller owns and must close its
// Body) alongside the protocol it is encoded in and the winning decision, so
// the streaming manager can read it without forcing a full buffer first.
func (c *Controller) ExecuteStream(ctx context.Context, routeName string, classification canon.RoutingDecision, req *canon.CanonicalRequest) (*http.Response, canon.WireProtocol, canon.RoutingDecision, error) {
	var lastDecision canon.RoutingDecision
	var lastErr error

	providers, maxRetries := c.snapshot()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		decision, err := c.router.Resolve(routeName, classification)
		if err != nil {
			return nil, canon.ProtocolUnknown, lastDecision, err
		}
		lastDecision = decision

		prov, ok := providers[decision.ProviderID]
		if !ok {
			return nil, canon.ProtocolUnknown, decision, canon.NewError(canon.ErrSwitchFailed, "no provider configuration for "+decision.ProviderID, nil)
		}
		protocol := protocolOf(prov.ProviderType)

		providerReq := *req
		providerReq.Model = decision.Model
		body, err := c.sw.EncodeProviderRequest(protocol, &providerReq)
		if err != nil {
			return nil, protocol, decision, canon.NewError(canon.ErrSwitchFailed, "encoding provider request", err)
		}

		keyValue := ""
		if k, ok := prov.Auth.Keys[decision.KeyAlias]; ok {
			keyValue = k.Value
		}

		resp, err := c.pipeline.CallStream(ctx, decision.ProviderID, prov, endpointPaths[prov.ProviderType], keyValue, body)
		if err == nil {
			c.pool.ReportSuccess(decision.ProviderKeyRef())
			return resp, protocol, decision, nil
		}

		ce, ok := canon.AsError(err)
		if !ok {
			ce = canon.NewError(canon.ErrServerError, err.Error(), err)
		}
		c.pool.ReportFailure(decision.ProviderKeyRef(), ce.Kind, ce.RetryAfterHint)
		lastErr = ce

		if ce.Kind == canon.ErrAuthError || ce.Kind == canon.ErrClientError || ce.Kind == canon.ErrProtocolViolation {
			return nil, protocol, decision, ce
		}
	}

	return nil, canon.ProtocolUnknown, lastDecision, lastErr
}

func protocolOf(providerType string) canon.WireProtocol {
	switch providerType {
	case "chat":
		return canon.ProtocolChat
	case "responses":
		return canon.ProtocolResponses
	case "anthropic":
		return canon.ProtocolAnthropic
	default:
		return canon.ProtocolUnknown
	}
}

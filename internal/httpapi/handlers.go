package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/toolschema"
)

// maxBodyBytes bounds a client request body, matching the teacher's
// defensive read-limit convention on untrusted inbound bodies.
const maxBodyBytes = 10 << 20 // 10 MiB

// handleCompletion returns the handler for one of the three completion
// endpoints (spec 4.H / 6's wire endpoints): it runs the full H->B->C->F->G
// pipeline for clientProtocol and, on the responses protocol, registers a
// tool-loop session when the model asks for required_action.
func (s *Server) handleCompletion(clientProtocol canon.WireProtocol, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r.Context())
		log := slog.With("requestId", requestID, "endpoint", endpoint)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, clientProtocol, canon.NewError(canon.ErrClientError, "reading request body", err))
			return
		}

		req, err := s.sw.DecodeInbound(clientProtocol, body)
		if err != nil {
			writeError(w, clientProtocol, canon.NewError(canon.ErrClientError, "decoding request", err))
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, clientProtocol, canon.NewError(canon.ErrClientError, "invalid request", err))
			return
		}

		normalized, aliases, err := toolschema.Normalize(req.Tools)
		if err != nil {
			writeError(w, clientProtocol, canon.NewError(canon.ErrClientError, "normalizing tool schema", err))
			return
		}
		req.Tools = normalized
		req.ToolAliases = aliases

		result := s.classifier.Classify(req)
		classification := canon.RoutingDecision{
			RouteName:             result.Route,
			Confidence:            result.Confidence,
			ClassificationReasons: result.Reasons,
		}

		start := time.Now()

		if req.Stream {
			s.serveStreaming(w, r, log, clientProtocol, result.Route, classification, req, requestID)
			return
		}
		s.serveBuffered(w, r, log, clientProtocol, result.Route, classification, req, requestID, start)
	}
}

// serveBuffered runs the non-streaming path: D->F->D->G fully buffered,
// then a single JSON write to the client.
func (s *Server) serveBuffered(w http.ResponseWriter, r *http.Request, log *slog.Logger, clientProtocol canon.WireProtocol, routeName string, classification canon.RoutingDecision, req *canon.CanonicalRequest, requestID string, start time.Time) {
	resp, decision, err := s.controller.Execute(r.Context(), routeName, classification, req)
	latency := time.Since(start).Microseconds()

	if err != nil {
		s.logDecision(decision, classification, "failed", errorOutcomeReason(err), requestID, latency)
		writeError(w, clientProtocol, err)
		return
	}
	s.logDecision(decision, classification, "routed", "", requestID, latency)

	out, err := s.sw.EncodeClientResponse(clientProtocol, resp)
	if err != nil {
		writeError(w, clientProtocol, canon.NewError(canon.ErrSwitchFailed, "encoding client response", err))
		return
	}

	if clientProtocol == canon.ProtocolResponses && resp.FinishReason == canon.FinishToolCalls {
		out = injectResponseID(out, requestID)
		s.toolLoop.Register(requestID, req, decision)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// serveStreaming runs the streaming path: ExecuteStream keeps the upstream
// body unread, the streaming manager decides among passthrough/buffered-
// reconstruct/synthetic per spec 4.G, and on the responses protocol a
// reconstructed tool-call completion still registers a tool-loop session
// even though the wire bytes were already streamed to the client.
func (s *Server) serveStreaming(w http.ResponseWriter, r *http.Request, log *slog.Logger, clientProtocol canon.WireProtocol, routeName string, classification canon.RoutingDecision, req *canon.CanonicalRequest, requestID string) {
	start := time.Now()
	resp, providerProtocol, decision, err := s.controller.ExecuteStream(r.Context(), routeName, classification, req)
	if err != nil {
		latency := time.Since(start).Microseconds()
		s.logDecision(decision, classification, "failed", errorOutcomeReason(err), requestID, latency)
		writeError(w, clientProtocol, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	result, err := s.streaming.Handle(r.Context(), w, flusher, clientProtocol, providerProtocol, true, resp)
	latency := time.Since(start).Microseconds()
	if err != nil {
		s.logDecision(decision, classification, "failed", errorOutcomeReason(err), requestID, latency)
		log.Error("streaming handle failed", "error", err)
		return
	}
	s.logDecision(decision, classification, "routed", "", requestID, latency)

	if clientProtocol == canon.ProtocolResponses && result.Response != nil && result.Response.FinishReason == canon.FinishToolCalls {
		s.toolLoop.Register(requestID, req, decision)
	}
}

// handleSubmitToolOutputs implements the responses-protocol tool loop
// (spec 4.I): merge submitted outputs into the bound conversation, re-enter
// D->F with the original (or re-resolved) routing decision, and answer with
// the next completion exactly like the original /v1/responses call would.
func (s *Server) handleSubmitToolOutputs(w http.ResponseWriter, r *http.Request) {
	responseID := r.PathValue("id")
	requestID := requestIDFrom(r.Context())
	log := slog.With("requestId", requestID, "responseId", responseID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, canon.ProtocolResponses, canon.NewError(canon.ErrClientError, "reading request body", err))
		return
	}

	var payload struct {
		ToolOutputs []struct {
			ToolCallID string          `json:"tool_call_id"`
			Output     json.RawMessage `json:"output"`
		} `json:"tool_outputs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, canon.ProtocolResponses, canon.NewError(canon.ErrClientError, "decoding submit_tool_outputs body", err))
		return
	}

	outputs := make([]canon.ToolResultPart, len(payload.ToolOutputs))
	for i, o := range payload.ToolOutputs {
		outputs[i] = canon.ToolResultPart{CallID: o.ToolCallID, OutputJSON: o.Output}
	}

	merged, decision, err := s.toolLoop.Continue(responseID, outputs, s.pool, s.router)
	if err != nil {
		s.logDecision(decision, canon.RoutingDecision{RouteName: decision.RouteName}, "failed", errorOutcomeReason(err), requestID, 0)
		writeError(w, canon.ProtocolResponses, err)
		return
	}

	start := time.Now()
	resp, finalDecision, err := s.controller.Execute(r.Context(), decision.RouteName, decision, merged)
	latency := time.Since(start).Microseconds()
	if err != nil {
		s.logDecision(finalDecision, decision, "failed", errorOutcomeReason(err), requestID, latency)
		writeError(w, canon.ProtocolResponses, err)
		return
	}
	s.logDecision(finalDecision, decision, "routed", "", requestID, latency)

	out, err := s.sw.EncodeClientResponse(canon.ProtocolResponses, resp)
	if err != nil {
		writeError(w, canon.ProtocolResponses, canon.NewError(canon.ErrSwitchFailed, "encoding client response", err))
		return
	}

	if resp.FinishReason == canon.FinishToolCalls {
		out = injectResponseID(out, responseID)
		s.toolLoop.Register(responseID, merged, finalDecision)
	} else {
		s.toolLoop.Forget(responseID)
		out = injectResponseID(out, responseID)
	}

	log.Debug("tool loop continued", "finishReason", resp.FinishReason)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// injectResponseID splices an "id" field into a responses-protocol JSON
// body, the same map[string]json.RawMessage splice idiom the teacher's
// response modifier used to patch stop_reason/content in place.
func injectResponseID(body []byte, id string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return body
	}
	obj["id"] = idJSON
	patched, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return patched
}

// logDecision records one routing decision (or failure) to the decision
// log, tolerating a nil DecisionLog in tests that don't wire one.
func (s *Server) logDecision(decision, classification canon.RoutingDecision, outcome, reason, requestID string, latencyUs int64) {
	if s.decisions == nil {
		return
	}
	routeName := decision.RouteName
	if routeName == "" {
		routeName = classification.RouteName
	}
	s.decisions.LogRoutingDecision(routeName, decision.ProviderID, decision.Model, decision.ProviderKeyRef(), classification.ClassificationReasons, outcome, reason, requestID, latencyUs)
	s.feed.broadcast(decisionlogEntrySummary(routeName, decision.ProviderID, outcome))
}

func errorOutcomeReason(err error) string {
	if ce, ok := canon.AsError(err); ok {
		return ce.Kind.String()
	}
	return "unknown"
}

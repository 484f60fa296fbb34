// Package httpapi implements the HTTP Boundary (spec 4.H): the wire
// endpoints clients call, request-ID issuance, API-key authentication, and
// panic/error-body synthesis in the caller's own wire protocol. Grounded on
// the teacher's dashboard package (Options struct of injected dependencies,
// a single exported Handler/mux assembly, a background-goroutine websocket
// hub for a live feed) — generalized here from "serve a dashboard next to
// the proxy" to "serve the gateway's wire endpoints and an admin feed of
// routing decisions."
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlmesh/gateway/internal/canon"
	"github.com/ctrlmesh/gateway/internal/classify"
	"github.com/ctrlmesh/gateway/internal/credential"
	"github.com/ctrlmesh/gateway/internal/decisionlog"
	"github.com/ctrlmesh/gateway/internal/llmswitch"
	"github.com/ctrlmesh/gateway/internal/provider"
	"github.com/ctrlmesh/gateway/internal/streaming"
	"github.com/ctrlmesh/gateway/internal/toolloop"
	"github.com/ctrlmesh/gateway/internal/vrouter"
)

// Options holds the dependencies injected into the Server. All fields are
// required except APIKey (empty disables authentication, per spec 4.H).
type Options struct {
	Classifier  *classify.Classifier
	Router      *vrouter.Router
	Switch      *llmswitch.Switch
	Controller  *provider.Controller
	Streaming   *streaming.Manager
	ToolLoop    *toolloop.Controller
	Pool        *credential.Pool
	DecisionLog *decisionlog.DecisionLog
	APIKey      string
}

// Server serves the gateway's wire endpoints and the admin live feed.
// Implements http.Handler via Handler().
type Server struct {
	classifier *classify.Classifier
	router     *vrouter.Router
	sw         *llmswitch.Switch
	controller *provider.Controller
	streaming  *streaming.Manager
	toolLoop   *toolloop.Controller
	pool       *credential.Pool
	decisions  *decisionlog.DecisionLog
	apiKey     string

	reqCounter atomic.Uint64
	startedAt  time.Time
	ready      atomic.Bool

	feed *feedHub
}

// New builds a Server and starts its background admin-feed broadcast hub.
func New(opts Options) *Server {
	s := &Server{
		classifier: opts.Classifier,
		router:     opts.Router,
		sw:         opts.Switch,
		controller: opts.Controller,
		streaming:  opts.Streaming,
		toolLoop:   opts.ToolLoop,
		pool:       opts.Pool,
		decisions:  opts.DecisionLog,
		apiKey:     opts.APIKey,
		startedAt:  time.Now(),
		feed:       newFeedHub(),
	}
	go s.feed.run()
	s.ready.Store(true)
	return s
}

// Handler builds the routed, middleware-wrapped http.Handler for the
// gateway: requestId issuance, API-key auth, and panic recovery wrap every
// route; /health is exempt from the API-key check only (see withAuth).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletion(canon.ProtocolChat, "/v1/chat/completions"))
	mux.HandleFunc("POST /v1/responses", s.handleCompletion(canon.ProtocolResponses, "/v1/responses"))
	mux.HandleFunc("POST /v1/messages", s.handleCompletion(canon.ProtocolAnthropic, "/v1/messages"))
	mux.HandleFunc("POST /v1/responses/{id}/submit_tool_outputs", s.handleSubmitToolOutputs)

	mux.HandleFunc("GET /admin/ws", s.handleAdminFeed)
	mux.HandleFunc("GET /admin/decisions", s.handleAdminQuery)

	return s.withRequestID(s.withRecover(s.withAuth(mux)))
}

// requestIDKey is the context key carrying the per-request id issued by
// withRequestID, used in handlers for logging and the decision log.
type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// requestIDFrom reads the request id stashed by withRequestID.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRequestID issues a monotonic-counter-plus-random-suffix requestId
// (spec 4.H) and attaches it to the request context and to the X-Request-Id
// response header. It is not sent upstream: composeHeaders in the provider
// package sets only the content type, the provider's static headers, and
// the auth header.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.reqCounter.Add(1)
		id := "req_" + itoa(n) + "_" + randomSuffix()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecover converts a panic in any handler into a synthetic 500 error
// body matching the caller's wire protocol (spec 4.H), rather than letting
// net/http's default recovery close the connection silently.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("httpapi: recovered from panic", "requestId", requestIDFrom(r.Context()), "panic", rec, "path", r.URL.Path)
				writeErrorStatus(w, protocolForPath(r.URL.Path), http.StatusInternalServerError, canon.ErrServerError.String(), "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the optional API-key header. An empty configured key
// disables authentication entirely (local/dev convenience, spec 4.H).
// /health is exempted explicitly since it answers readiness probes that
// may run unauthenticated.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(got) > len(prefix) && got[:len(prefix)] == prefix {
			got = got[len(prefix):]
		}
		if got != s.apiKey {
			writeErrorStatus(w, protocolForPath(r.URL.Path), http.StatusUnauthorized, canon.ErrAuthError.String(), "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth answers 200 once the router is bound and background stores
// have initialized (spec 4.H); New() marks the server ready synchronously,
// so this is effectively immediate once the process is listening.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","uptimeSeconds":` + itoa(uint64(time.Since(s.startedAt).Seconds())) + `}`))
}

// protocolForPath guesses the client's wire protocol from the request path
// alone, used only when an error occurs before the real protocol has been
// determined (auth failure, panic, unknown route).
func protocolForPath(path string) canon.WireProtocol {
	switch {
	case hasPrefix(path, "/v1/chat/completions"):
		return canon.ProtocolChat
	case hasPrefix(path, "/v1/responses"):
		return canon.ProtocolResponses
	case hasPrefix(path, "/v1/messages"):
		return canon.ProtocolAnthropic
	default:
		return canon.ProtocolChat
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// itoa renders a uint64 without importing strconv twice across files; kept
// tiny and local since it's only ever used for ids and uptimes here.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// randomSuffix returns an 8-character random suffix for requestId (spec
// 4.H: "monotonic + random suffix"), drawn from a uuid rather than rolling
// our own random-string scheme.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

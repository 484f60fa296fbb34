package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlmesh/gateway/internal/decisionlog"
)

func TestDecisionlogEntrySummary(t *testing.T) {
	msg := decisionlogEntrySummary("default", "openai", "routed")

	var got map[string]string
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if got["routeName"] != "default" || got["provider"] != "openai" || got["outcome"] != "routed" {
		t.Errorf("summary = %+v, want routeName=default provider=openai outcome=routed", got)
	}
}

func TestFeedHub_BroadcastDeliversToConnectedClient(t *testing.T) {
	s := &Server{feed: newFeedHub()}
	go s.feed.run()

	server := httptest.NewServer(http.HandlerFunc(s.handleAdminFeed))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub goroutine a moment to process the register before we
	// broadcast, since registration itself goes through the hub's channel.
	time.Sleep(20 * time.Millisecond)
	s.feed.broadcast([]byte(`{"routeName":"default"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != `{"routeName":"default"}` {
		t.Errorf("received %q, want the broadcast payload verbatim", data)
	}
}

func TestFeedHub_DropsSlowClientInsteadOfBlocking(t *testing.T) {
	h := newFeedHub()
	go h.run()

	conn := &feedConn{send: make(chan []byte, 1)}
	h.registerCh <- conn
	time.Sleep(10 * time.Millisecond)

	// Fill the client's send buffer, then send one more — the hub must
	// drop the slow client rather than block the broadcast loop.
	conn.send <- []byte("first")
	for i := 0; i < 5; i++ {
		h.broadcast([]byte("more"))
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := h.connections[conn]; ok {
		t.Error("expected the hub to have dropped the slow connection")
	}
}

func TestHandleAdminQuery_NoDecisionLogConfigured(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/admin/decisions", nil)
	rec := httptest.NewRecorder()
	s.handleAdminQuery(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleAdminQuery_FiltersAndReturnsEntries(t *testing.T) {
	dl, err := decisionlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("decisionlog.New: %v", err)
	}
	defer dl.Close()

	dl.LogRoutingDecision("default", "openai", "gpt-test", "openai.key1", nil, "routed", "", "req_1", 100)
	dl.LogRoutingDecision("code", "anthropic", "claude-test", "anthropic.key1", nil, "failed", "noHealthyUpstream", "req_2", 50)

	s := &Server{decisions: dl}
	req := httptest.NewRequest(http.MethodGet, "/admin/decisions?outcome=routed", nil)
	rec := httptest.NewRecorder()
	s.handleAdminQuery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var entries []decisionlog.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	for _, e := range entries {
		if e.Outcome != "routed" {
			t.Errorf("entry outcome = %q, want only routed entries filtered in", e.Outcome)
		}
	}
}

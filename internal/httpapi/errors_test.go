package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ctrlmesh/gateway/internal/canon"
)

func TestWriteError_ChatShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, canon.ProtocolChat, canon.NewError(canon.ErrClientError, "bad request", nil))

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Error.Message != "bad request" {
		t.Errorf("message = %q, want %q", body.Error.Message, "bad request")
	}
	if body.Error.Type != "clientError" {
		t.Errorf("type = %q, want %q", body.Error.Type, "clientError")
	}
}

func TestWriteError_AnthropicShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, canon.ProtocolAnthropic, canon.NewError(canon.ErrNoHealthyUpstream, "no upstream", nil))

	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Type != "error" {
		t.Errorf("outer type = %q, want %q", body.Type, "error")
	}
	if body.Error.Type != "noHealthyUpstream" {
		t.Errorf("error type = %q, want %q", body.Error.Type, "noHealthyUpstream")
	}
}

func TestWriteError_UntypedErrorDefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, canon.ProtocolChat, errPlain("something broke"))

	if rec.Code != 500 {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestWriteErrorStatus_OverridesKindMapping(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErrorStatus(rec, canon.ProtocolChat, 401, canon.ErrAuthError.String(), "missing or invalid API key")

	if rec.Code != 401 {
		t.Errorf("status = %d, want 401 (boundary auth failure, not the 502 ErrAuthError.HTTPStatus() default for provider errors)", rec.Code)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

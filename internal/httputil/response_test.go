package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResponseWriters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		body   string
	}{
		{"json", func(w http.ResponseWriter) { WriteJSON(w, http.StatusAccepted, map[string]int{"queued": 3}) }, http.StatusAccepted, `{"queued":3}`},
		{"json ok", func(w http.ResponseWriter) { WriteJSONOK(w, []string{"Home"}) }, http.StatusOK, `["Home"]`},
		{"error", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusConflict, "no limits") }, http.StatusConflict, `{"error":"no limits"}`},
		{"method not allowed", MethodNotAllowed, http.StatusMethodNotAllowed, `{"error":"method not allowed"}`},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "cmd missing") }, http.StatusBadRequest, `{"error":"cmd missing"}`},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError, `{"error":"boom"}`},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no such route") }, http.StatusNotFound, `{"error":"no such route"}`},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "no solver") }, http.StatusServiceUnavailable, `{"error":"no solver"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %q", ct)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.body {
				t.Errorf("body = %s, want %s", got, tt.body)
			}
		})
	}
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]any{"bad": make(chan int)})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d; headers are sent before encoding", rec.Code)
	}
	var v any
	if json.Unmarshal(rec.Body.Bytes(), &v) == nil {
		t.Errorf("body %q should not be valid JSON", rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "object", body: `{"verb":"Home"}`},
		{name: "surrounding whitespace", body: "  {\"verb\":\"Home\"}\n"},
		{name: "empty", body: "", wantErr: "empty"},
		{name: "malformed", body: `{"verb":`, wantErr: "invalid JSON"},
		{name: "wrong type", body: `{"verb":5}`, wantErr: "invalid JSON"},
		{name: "trailing data", body: `{"verb":"Home"}{"verb":"Jog"}`, wantErr: "trailing"},
		{name: "oversized", body: `{"verb":"` + strings.Repeat("x", MaxBodyBytes) + `"}`, wantErr: "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v struct {
				Verb string `json:"verb"`
			}
			err := DecodeJSON(req, &v)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeJSON() error = %v", err)
				}
				if v.Verb != "Home" {
					t.Errorf("verb = %q, want Home", v.Verb)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("DecodeJSON() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

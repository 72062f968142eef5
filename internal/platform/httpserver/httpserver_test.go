package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/requestid"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWrap_RequestID(t *testing.T) {
	var seen string
	h := Wrap(discard(), "flowgate", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestid.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		inbound  string
		wantEcho bool
	}{
		{"missing", "", false},
		{"valid", "rid-123", true},
		{"invalid", "two words", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://flowgate.test/", nil)
			if tc.inbound != "" {
				req.Header.Set(requestid.Header, tc.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(requestid.Header)
			if got == "" || got != seen {
				t.Fatalf("header=%q context=%q, want the same non-empty id", got, seen)
			}
			if (got == tc.inbound) != tc.wantEcho {
				t.Fatalf("header=%q inbound=%q, echo want %v", got, tc.inbound, tc.wantEcho)
			}
		})
	}
}

func TestWrap_RecoversPanicIntoEnvelope(t *testing.T) {
	h := Wrap(discard(), "flowgate", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))

	req := httptest.NewRequest(http.MethodGet, "http://flowgate.test/", nil)
	req.Header.Set(requestid.Header, "rid-panic")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	if body["error"] != "Internal" || body["request_id"] != "rid-panic" {
		t.Fatalf("body=%v", body)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "store", Check: func(ctx context.Context) error { return nil }}
	slow := ReadinessCheck{Name: "minio", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	tests := []struct {
		name       string
		checks     []ReadinessCheck
		wantCode   int
		wantStatus string
	}{
		{"all ok", []ReadinessCheck{ok}, http.StatusOK, "ready"},
		{"timeout fails", []ReadinessCheck{ok, slow}, http.StatusServiceUnavailable, "not_ready"},
		{"error fails", []ReadinessCheck{{Name: "x", Check: func(ctx context.Context) error { return errors.New("down") }}}, http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadyzWithChecks("flowgate", tc.checks...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://flowgate.test/readyz", nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantCode)
			}
			var body struct {
				Status string        `json:"status"`
				Checks []checkResult `json:"checks"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tc.wantStatus || len(body.Checks) != len(tc.checks) {
				t.Fatalf("body=%+v", body)
			}
		})
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, discard(), Config{Service: "flowgate", Addr: ln.Addr().String(), ShutdownTimeout: time.Second}, ln, Healthz("flowgate"))
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() err=%v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve() did not return after cancel")
	}
}

func TestRun_ValidatesConfig(t *testing.T) {
	if err := Run(context.Background(), discard(), Config{Addr: ":0"}, nil); err == nil {
		t.Fatalf("expected missing service error")
	}
	if err := Run(context.Background(), discard(), Config{Service: "flowgate"}, nil); err == nil {
		t.Fatalf("expected missing addr error")
	}
}

func TestDecodeJSON_RejectsUnknownFieldsAndTrailingValues(t *testing.T) {
	var dst struct {
		Action string `json:"action"`
	}
	req := httptest.NewRequest(http.MethodPost, "http://flowgate.test/", strings.NewReader(`{"action":"APPROVE"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.Action != "APPROVE" {
		t.Fatalf("DecodeJSON() action=%q err=%v", dst.Action, err)
	}
	req = httptest.NewRequest(http.MethodPost, "http://flowgate.test/", strings.NewReader(`{"other":"a"}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("DecodeJSON() expected unknown field error")
	}
	req = httptest.NewRequest(http.MethodPost, "http://flowgate.test/", strings.NewReader(`{"action":"a"}{"action":"b"}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("DecodeJSON() expected multiple values error")
	}
}

func TestWriteError_IncludesRequestIDAndExtras(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://flowgate.test/", nil)
	req.Header.Set(requestid.Header, "rid-9")
	rec := httptest.NewRecorder()

	WriteError(rec, req, http.StatusGone, "TicketExpired", "ticket_id", "t-1")

	if rec.Code != http.StatusGone {
		t.Fatalf("status=%d, want 410", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"error":"TicketExpired"`, `"request_id":"rid-9"`, `"ticket_id":"t-1"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %s missing %s", body, want)
		}
	}
}

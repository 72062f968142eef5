package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	respond  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()
	if f.respond != nil {
		f.respond(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (f *fakeAPI) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRunsStart_SendsTemplateAndContext(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	if _, err := run(t, srv.URL, "runs", "start", "refund", "--version", "2", "--set", "amount=120", "--set", "note=rush", "--token", "tok"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := api.last(t)
	if got.Method != http.MethodPost || got.Path != "/runs" {
		t.Fatalf("request=%s %s, want POST /runs", got.Method, got.Path)
	}
	if got.Auth != "Bearer tok" {
		t.Fatalf("Authorization=%q, want Bearer tok", got.Auth)
	}
	if got.Body["templateId"] != "refund" || got.Body["version"] != float64(2) {
		t.Fatalf("body=%v", got.Body)
	}
	ctx, _ := got.Body["context"].(map[string]any)
	if ctx["amount"] != float64(120) || ctx["note"] != "rush" {
		t.Fatalf("context=%v, want amount=120 note=rush", ctx)
	}
}

func TestDecide_UppercasesActionAndSendsPatch(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	if _, err := run(t, srv.URL, "decide", "t-1", "--action", "modify", "--patch", `{"limit":5}`); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := api.last(t)
	if got.Path != "/tickets/t-1/decision" || got.Body["action"] != "MODIFY" {
		t.Fatalf("request=%s body=%v", got.Path, got.Body)
	}
	if patch, _ := got.Body["patch"].(map[string]any); patch["limit"] != float64(5) {
		t.Fatalf("patch=%v", got.Body["patch"])
	}
	if _, ok := got.Body["actor"]; ok {
		t.Fatalf("actor must default on the server side")
	}

	if _, err := run(t, srv.URL, "decide", "t-1", "--action", "maybe"); err == nil {
		t.Fatalf("expected invalid action to fail")
	}
}

func TestAPIErrorsAreReturned(t *testing.T) {
	api := &fakeAPI{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"RunNotFound","message":"run r-9 not found","request_id":"rid-1"}`))
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	_, err := run(t, srv.URL, "runs", "get", "r-9")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v, want *apiError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "RunNotFound" || apiErr.RequestID != "rid-1" {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestAuditVerify_FailsOnBrokenChain(t *testing.T) {
	api := &fakeAPI{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"runId":"r-1","valid":false,"brokenAt":3}`))
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	out, err := run(t, srv.URL, "audit", "verify", "r-1")
	if err == nil {
		t.Fatalf("expected broken chain to fail")
	}
	if !strings.Contains(out, `"brokenAt": 3`) {
		t.Fatalf("output=%q, want verification printed", out)
	}
}

func TestAuditExport_WritesFile(t *testing.T) {
	const body = "{\"sequence_number\":1}\n{\"sequence_number\":2}\n"
	api := &fakeAPI{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(body))
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "audit.ndjson")
	if _, err := run(t, srv.URL, "audit", "export", "r-1", "--from", "2", "-o", path); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := api.last(t)
	if got.Path != "/audit/r-1/export" || got.Query != "from=2" {
		t.Fatalf("request=%s?%s", got.Path, got.Query)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != body {
		t.Fatalf("file=%q, want %q", raw, body)
	}
}

func TestConfigFile_SuppliesServer(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "flowctl.yaml")
	if err := os.WriteFile(path, []byte("server: "+srv.URL+"\ntimeout: 5s\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", path, "health"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := api.last(t); got.Path != "/reports/health" {
		t.Fatalf("path=%s, want /reports/health", got.Path)
	}
}

func TestEnvSuppliesToken(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	t.Setenv("FLOWCTL_TOKEN", "env-token")
	if _, err := run(t, srv.URL, "tickets", "--role", "approver"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := api.last(t)
	if got.Auth != "Bearer env-token" || got.Query != "role=approver" {
		t.Fatalf("auth=%q query=%q", got.Auth, got.Query)
	}
}

func TestBuildContext(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"pairs decode json", "", []string{"n=3", "ok=true", "s=hello"}, map[string]any{"n": float64(3), "ok": true, "s": "hello"}, false},
		{"pairs override object", `{"a":1,"b":2}`, []string{"b=5"}, map[string]any{"a": float64(1), "b": float64(5)}, false},
		{"missing equals", "", []string{"oops"}, nil, true},
		{"not an object", `[1,2]`, nil, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := buildContext(tc.raw, tc.pairs)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildContext: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got=%v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Fatalf("%s=%v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestMetrics_PrintsCounters(t *testing.T) {
	api := &fakeAPI{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"counters":[{"name":"flowgate.runs.started","value":4}]}`))
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	out, err := run(t, srv.URL, "metrics")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := api.last(t); got.Path != "/reports/metrics" {
		t.Fatalf("path=%s, want /reports/metrics", got.Path)
	}
	if !strings.Contains(out, "flowgate.runs.started") {
		t.Fatalf("output=%q", out)
	}
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/archive"
	"github.com/animus-labs/flowgate/internal/auditexport"
	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/humangate"
	"github.com/animus-labs/flowgate/internal/orchestrator"
	"github.com/animus-labs/flowgate/internal/platform/auth"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/repo/memory"
	"github.com/animus-labs/flowgate/internal/storage/objectstore"
	"github.com/animus-labs/flowgate/internal/template"
)

const reviewYAML = `
id: review
version: 1
published: true
steps:
  - id: prepare
    capability: echo
  - id: approve
    requiresHuman: true
    human:
      role: approver
      ttl: 30m
  - id: publish
    capability: echo
transitions:
  "prepare:success": approve
  "approve:success": publish
  "publish:success": TERMINAL
`

// headerAuthenticator takes the identity from test headers.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	subject := r.Header.Get("X-Test-Subject")
	if subject == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{Subject: subject, Roles: strings.Split(r.Header.Get("X-Test-Roles"), ",")}, nil
}

type apiHarness struct {
	t       *testing.T
	svc     *service
	handler http.Handler
}

func newAPIHarness(t *testing.T, exportDestination string) *apiHarness {
	t.Helper()
	return newAPIHarnessWithArchive(t, exportDestination, objectstore.NewMemoryStore())
}

func newAPIHarnessWithArchive(t *testing.T, exportDestination string, objects objectstore.Store) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := serviceConfig{
		Engine: orchestrator.Config{DefaultStepTimeout: time.Second, DispatchWorkers: 2},
		Gate: humangate.Config{
			DefaultTTL:     time.Hour,
			SweepInterval:  time.Second,
			ExpiryAction:   humangate.ExpireReject,
			DecisionSecret: "api-test-secret",
		},
		Bus:     bus.Config{Workers: 2, MaxRedeliveries: 1, RedeliveryDelay: time.Millisecond},
		Archive: archive.Config{Bucket: "archive", Prefix: "runs"},
		Export:  auditexport.Config{Format: "ndjson", Destination: exportDestination},
	}
	tel, err := telemetry.Setup(telemetry.Config{Exporter: telemetry.ExporterNone}, nil)
	if err != nil {
		t.Fatalf("telemetry.Setup: %v", err)
	}
	svc, err := newService(logger, cfg, memory.New(), objects, tel)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(func() {
		_ = tel.Shutdown(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.close(ctx)
	})

	tpl, err := template.Parse([]byte(reviewYAML))
	if err != nil {
		t.Fatalf("template.Parse: %v", err)
	}
	if err := svc.templates.Publish(tpl); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mux := http.NewServeMux()
	return &apiHarness{t: t, svc: svc, handler: newHandler(logger, svc, mux, headerAuthenticator{})}
}

func (h *apiHarness) do(method, path, roles string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.doAs("alice", method, path, roles, body)
}

func (h *apiHarness) doAs(subject, method, path, roles string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, "http://flowgate.test"+path, reader)
	if roles != "" {
		req.Header.Set("X-Test-Subject", subject)
		req.Header.Set("X-Test-Roles", roles)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	h.drain()
	return rec
}

func (h *apiHarness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.bus.Drain(ctx); err != nil {
		h.t.Fatalf("Drain: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (h *apiHarness) startRun() string {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/runs", auth.RoleOperator, startRunRequest{
		TemplateID: "review",
		Context:    domain.Metadata{"doc": "q3-report"},
	})
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("POST /runs status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp startRunResponse
	decodeBody(h.t, rec, &resp)
	if resp.RunID == "" {
		h.t.Fatalf("expected run id")
	}
	return resp.RunID
}

func (h *apiHarness) openTicket() domain.Ticket {
	h.t.Helper()
	rec := h.do(http.MethodGet, "/tickets?role=approver", auth.RoleViewer, nil)
	if rec.Code != http.StatusOK {
		h.t.Fatalf("GET /tickets status=%d", rec.Code)
	}
	var resp struct {
		Tickets []domain.Ticket `json:"tickets"`
	}
	decodeBody(h.t, rec, &resp)
	if len(resp.Tickets) != 1 {
		h.t.Fatalf("tickets=%d, want 1", len(resp.Tickets))
	}
	return resp.Tickets[0]
}

func TestAPI_ApprovalFlowCompletesAndArchives(t *testing.T) {
	h := newAPIHarness(t, "http")
	runID := h.startRun()

	rec := h.do(http.MethodGet, "/runs/"+runID, auth.RoleViewer, nil)
	var run domain.Run
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusPausedForHuman {
		t.Fatalf("status=%s, want %s", run.Status, domain.RunStatusPausedForHuman)
	}

	ticket := h.openTicket()
	if ticket.RunID != runID || ticket.StepID != "approve" {
		t.Fatalf("ticket=%+v, want run %s step approve", ticket, runID)
	}

	rec = h.do(http.MethodPost, "/tickets/"+ticket.ID+"/decision", auth.RoleApprover, map[string]any{"action": "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status=%d body=%s", rec.Code, rec.Body.String())
	}
	var decision domain.DecisionRecord
	decodeBody(t, rec, &decision)
	if decision.Actor != "alice" {
		t.Fatalf("actor=%q, want alice", decision.Actor)
	}
	if !decision.Final || decision.Token == "" {
		t.Fatalf("expected a final signed decision, got %+v", decision)
	}

	rec = h.do(http.MethodGet, "/runs/"+runID, auth.RoleViewer, nil)
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s, want %s", run.Status, domain.RunStatusCompleted)
	}

	rec = h.do(http.MethodGet, "/runs/"+runID+"/history", auth.RoleViewer, nil)
	var history struct {
		Steps []domain.StepExecution `json:"steps"`
	}
	decodeBody(t, rec, &history)
	if len(history.Steps) < 2 {
		t.Fatalf("history=%d steps, want at least 2", len(history.Steps))
	}

	rec = h.do(http.MethodGet, "/audit/"+runID+"/verify", auth.RoleViewer, nil)
	var verification struct {
		Valid   bool `json:"valid"`
		Entries int  `json:"entries"`
	}
	decodeBody(t, rec, &verification)
	if !verification.Valid || verification.Entries == 0 {
		t.Fatalf("verification=%+v, want a valid non-empty chain", verification)
	}

	rec = h.do(http.MethodGet, "/runs/"+runID+"/archive", auth.RoleViewer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("archive status=%d body=%s", rec.Code, rec.Body.String())
	}
	var bundle archive.Bundle
	decodeBody(t, rec, &bundle)
	if bundle.Run.ID != runID || !bundle.Verification.Valid {
		t.Fatalf("bundle run=%s valid=%v", bundle.Run.ID, bundle.Verification.Valid)
	}

	rec = h.do(http.MethodPost, "/decisions/verify", auth.RoleViewer, verifyDecisionRequest{Token: decision.Token})
	var verified struct {
		Valid    bool                  `json:"valid"`
		Decision domain.DecisionRecord `json:"decision"`
	}
	decodeBody(t, rec, &verified)
	if !verified.Valid || verified.Decision.TicketID != ticket.ID {
		t.Fatalf("verify=%+v, want valid decision for %s", verified, ticket.ID)
	}
}

func TestAPI_ArchiveDisabledLeavesRunsUnarchived(t *testing.T) {
	h := newAPIHarnessWithArchive(t, "http", nil)
	if h.svc.archiver != nil {
		t.Fatalf("archiver built without an object store")
	}
	runID := h.startRun()
	ticket := h.openTicket()
	rec := h.do(http.MethodPost, "/tickets/"+ticket.ID+"/decision", auth.RoleApprover, map[string]any{"action": "APPROVE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = h.do(http.MethodGet, "/runs/"+runID, auth.RoleViewer, nil)
	var run domain.Run
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusCompleted || run.Archived {
		t.Fatalf("status=%s archived=%v, want COMPLETED and not archived", run.Status, run.Archived)
	}
	rec = h.do(http.MethodGet, "/runs/"+runID+"/archive", auth.RoleViewer, nil)
	var body map[string]any
	decodeBody(t, rec, &body)
	if rec.Code != http.StatusNotFound || body["error"] != "archive_disabled" {
		t.Fatalf("archive status=%d body=%v, want 404 archive_disabled", rec.Code, body)
	}
}

func TestAPI_AuditQueryAndExport(t *testing.T) {
	h := newAPIHarness(t, "http")
	runID := h.startRun()

	rec := h.do(http.MethodGet, "/audit/"+runID, auth.RoleViewer, nil)
	var all struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	decodeBody(t, rec, &all)
	if len(all.Entries) < 2 {
		t.Fatalf("entries=%d, want at least 2", len(all.Entries))
	}

	rec = h.do(http.MethodGet, "/audit/"+runID+"?from=2&to=2", auth.RoleViewer, nil)
	var one struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	decodeBody(t, rec, &one)
	if len(one.Entries) != 1 || one.Entries[0].Sequence != 2 {
		t.Fatalf("ranged entries=%+v, want sequence 2 only", one.Entries)
	}

	rec = h.do(http.MethodGet, "/audit/"+runID+"?from=yesterday", auth.RoleViewer, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad range status=%d, want 400", rec.Code)
	}

	rec = h.do(http.MethodGet, "/audit/"+runID+"/export", auth.RoleViewer, nil)
	if got := rec.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("Content-Type=%q", got)
	}
	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		lines++
	}
	if lines != len(all.Entries) {
		t.Fatalf("exported %d lines, want %d", lines, len(all.Entries))
	}
}

func TestAPI_ExportDisabledWhenArchiveDestination(t *testing.T) {
	h := newAPIHarness(t, "archive")
	runID := h.startRun()
	rec := h.do(http.MethodGet, "/audit/"+runID+"/export", auth.RoleViewer, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestAPI_CancelRun(t *testing.T) {
	h := newAPIHarness(t, "http")
	runID := h.startRun()

	rec := h.do(http.MethodPost, "/runs/"+runID+"/cancel", auth.RoleOperator, cancelRunRequest{Reason: "superseded"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", rec.Code, rec.Body.String())
	}
	var run domain.Run
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("status=%s, want %s", run.Status, domain.RunStatusCancelled)
	}

	rec = h.do(http.MethodPost, "/runs/"+runID+"/cancel", auth.RoleOperator, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second cancel status=%d, want 200", rec.Code)
	}
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("second cancel status=%s, want %s", run.Status, domain.RunStatusCancelled)
	}

	rec = h.do(http.MethodGet, "/tickets", auth.RoleViewer, nil)
	var resp struct {
		Tickets []domain.Ticket `json:"tickets"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Tickets) != 0 {
		t.Fatalf("open tickets=%d after cancel, want 0", len(resp.Tickets))
	}
}

func TestAPI_ErrorStatuses(t *testing.T) {
	h := newAPIHarness(t, "http")
	runID := h.startRun()
	ticket := h.openTicket()

	cases := []struct {
		name   string
		method string
		path   string
		roles  string
		body   any
		status int
		code   string
	}{
		{"unknown template", http.MethodPost, "/runs", auth.RoleOperator, startRunRequest{TemplateID: "nope"}, http.StatusNotFound, domain.CodeTemplateNotFound},
		{"unknown run", http.MethodGet, "/runs/missing", auth.RoleViewer, nil, http.StatusNotFound, domain.CodeRunNotFound},
		{"unknown ticket", http.MethodPost, "/tickets/missing/decision", auth.RoleApprover, map[string]any{"action": "APPROVE"}, http.StatusNotFound, domain.CodeTicketNotFound},
		{"bad action", http.MethodPost, "/tickets/" + ticket.ID + "/decision", auth.RoleApprover, map[string]any{"action": "MAYBE"}, http.StatusUnprocessableEntity, domain.CodeInvalidDecision},
		{"modify without patch", http.MethodPost, "/tickets/" + ticket.ID + "/decision", auth.RoleApprover, map[string]any{"action": "MODIFY"}, http.StatusUnprocessableEntity, domain.CodeInvalidDecision},
		{"missing template id", http.MethodPost, "/runs", auth.RoleOperator, startRunRequest{}, http.StatusBadRequest, "template_id_required"},
		{"bad status filter", http.MethodGet, "/runs?status=SLEEPING", auth.RoleViewer, nil, http.StatusBadRequest, "invalid_status"},
		{"unknown field", http.MethodPost, "/runs", auth.RoleOperator, map[string]any{"template": "review"}, http.StatusBadRequest, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(tc.method, tc.path, tc.roles, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tc.status, rec.Body.String())
			}
			var body map[string]any
			decodeBody(t, rec, &body)
			if body["error"] != tc.code {
				t.Fatalf("error=%v, want %s", body["error"], tc.code)
			}
		})
	}

	rec := h.do(http.MethodGet, "/runs/"+runID, auth.RoleViewer, nil)
	var run domain.Run
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusPausedForHuman {
		t.Fatalf("rejected requests changed the run: status=%s", run.Status)
	}
}

func TestAPI_AuthDenialsAreAudited(t *testing.T) {
	h := newAPIHarness(t, "http")

	rec := h.do(http.MethodPost, "/runs", auth.RoleViewer, startRunRequest{TemplateID: "review"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer POST /runs status=%d, want 403", rec.Code)
	}
	rec = h.do(http.MethodGet, "/runs", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous GET /runs status=%d, want 401", rec.Code)
	}

	entries, err := h.svc.ledger.Entries(context.Background(), domain.AuthAuditRunID, repo.AuditRange{})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("auth entries=%d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.EventType != domain.EventAuthDenied {
			t.Fatalf("event=%s, want %s", e.EventType, domain.EventAuthDenied)
		}
	}
}

const quorumYAML = `
id: quorum
version: 1
published: true
steps:
  - id: approve
    requiresHuman: true
    human:
      role: approver
      approvals: 2
      ttl: 30m
  - id: publish
    capability: echo
transitions:
  "approve:success": publish
  "publish:success": TERMINAL
`

func TestAPI_DecisionActorIsTheCaller(t *testing.T) {
	h := newAPIHarness(t, "http")
	tpl, err := template.Parse([]byte(quorumYAML))
	if err != nil {
		t.Fatalf("template.Parse: %v", err)
	}
	if err := h.svc.templates.Publish(tpl); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec := h.do(http.MethodPost, "/runs", auth.RoleOperator, startRunRequest{TemplateID: "quorum"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /runs status=%d body=%s", rec.Code, rec.Body.String())
	}
	var started startRunResponse
	decodeBody(t, rec, &started)
	ticket := h.openTicket()
	path := "/tickets/" + ticket.ID + "/decision"

	for _, actor := range []string{"bob", "carol"} {
		rec = h.do(http.MethodPost, path, auth.RoleApprover, map[string]any{"action": "APPROVE", "actor": actor})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("alice deciding as %s status=%d, want 403", actor, rec.Code)
		}
	}
	rec = h.do(http.MethodPost, path, auth.RoleApprover, map[string]any{"action": "APPROVE", "actor": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("alice decision status=%d body=%s", rec.Code, rec.Body.String())
	}
	var partial domain.DecisionRecord
	decodeBody(t, rec, &partial)
	if partial.Final || partial.Actor != "alice" {
		t.Fatalf("decision=%+v, want a partial approval by alice", partial)
	}
	rec = h.do(http.MethodPost, path, auth.RoleApprover, map[string]any{"action": "APPROVE"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second alice decision status=%d, want 409", rec.Code)
	}

	rec = h.do(http.MethodGet, "/runs/"+started.RunID, auth.RoleViewer, nil)
	var run domain.Run
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusPausedForHuman {
		t.Fatalf("status=%s, want %s", run.Status, domain.RunStatusPausedForHuman)
	}

	rec = h.doAs("bob", http.MethodPost, path, auth.RoleApprover, map[string]any{"action": "APPROVE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bob decision status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = h.do(http.MethodGet, "/runs/"+started.RunID, auth.RoleViewer, nil)
	decodeBody(t, rec, &run)
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s, want %s", run.Status, domain.RunStatusCompleted)
	}

	entries, err := h.svc.ledger.Entries(context.Background(), domain.AuthAuditRunID, repo.AuditRange{})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("auth entries=%d, want 2 actor mismatches", len(entries))
	}
	for _, e := range entries {
		var payload map[string]any
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload["reason"] != "actor_mismatch" || payload["actor"] != "alice" {
			t.Fatalf("payload=%v, want actor_mismatch by alice", payload)
		}
	}
}

func TestAPI_MetricsReportCounters(t *testing.T) {
	h := newAPIHarness(t, "http")
	h.startRun()
	h.startRun()

	rec := h.do(http.MethodGet, "/reports/metrics", auth.RoleViewer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /reports/metrics status=%d", rec.Code)
	}
	var resp struct {
		Counters []telemetry.Counter `json:"counters"`
	}
	decodeBody(t, rec, &resp)
	got := map[string]int64{}
	for _, c := range resp.Counters {
		got[c.Name] = c.Value
	}
	if got["flowgate.runs.started"] != 2 || got["flowgate.tickets.opened"] != 2 {
		t.Fatalf("counters=%v, want 2 runs started and 2 tickets opened", got)
	}
	if got["flowgate.ledger.appends"] == 0 {
		t.Fatalf("counters=%v, want ledger appends", got)
	}
}

func TestAPI_HealthReportAndTemplates(t *testing.T) {
	h := newAPIHarness(t, "http")
	h.startRun()

	rec := h.do(http.MethodGet, "/reports/health", auth.RoleViewer, nil)
	var report healthReport
	decodeBody(t, rec, &report)
	if report.Active != 1 || report.OpenTickets != 1 {
		t.Fatalf("report active=%d open=%d, want 1/1", report.Active, report.OpenTickets)
	}
	if report.Runs[domain.RunStatusPausedForHuman] != 1 {
		t.Fatalf("paused runs=%d, want 1", report.Runs[domain.RunStatusPausedForHuman])
	}

	rec = h.do(http.MethodGet, "/templates", auth.RoleViewer, nil)
	var list struct {
		Templates []template.Summary `json:"templates"`
	}
	decodeBody(t, rec, &list)
	if len(list.Templates) != 1 || list.Templates[0].ID != "review" {
		t.Fatalf("templates=%+v", list.Templates)
	}

	rec = h.do(http.MethodGet, "/templates/review?version=9", auth.RoleViewer, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown version status=%d, want 404", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("get: %w", domain.ErrRunNotFound), http.StatusNotFound},
		{domain.ErrDuplicateApproval, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrTicketExpired, http.StatusGone},
		{&domain.PolicyViolationError{RuleID: "r1"}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusForError(tc.err); got != tc.status {
			t.Fatalf("statusForError(%v)=%d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestParseAuditRange(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/audit/r?from=2026-04-01T10:00:00Z&to=7", nil)
	rng, ok := parseAuditRange(req)
	if !ok {
		t.Fatalf("expected range to parse")
	}
	if rng.From.IsZero() || rng.ToSeq != 7 || rng.FromSeq != 0 {
		t.Fatalf("range=%+v", rng)
	}

	req = httptest.NewRequest(http.MethodGet, "/audit/r?to=0", nil)
	if _, ok := parseAuditRange(req); ok {
		t.Fatalf("expected to=0 to be rejected")
	}
}

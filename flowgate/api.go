package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/auditexport"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/humangate"
	"github.com/animus-labs/flowgate/internal/orchestrator"
	"github.com/animus-labs/flowgate/internal/platform/auth"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	"github.com/animus-labs/flowgate/internal/platform/postgres"
	"github.com/animus-labs/flowgate/internal/platform/requestid"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/storage/objectstore"
	"github.com/animus-labs/flowgate/internal/template"
)

const defaultListLimit = 100

type controlAPI struct {
	logger *slog.Logger
	svc    *service
	deny   auth.AuditFunc
}

func newControlAPI(logger *slog.Logger, svc *service) *controlAPI {
	return &controlAPI{logger: logger, svc: svc, deny: svc.ledger.AuthDenials(serviceName)}
}

// newHandler mounts the control API on mux behind authentication and the
// shared request middleware.
func newHandler(logger *slog.Logger, svc *service, mux *http.ServeMux, authenticator auth.Authenticator) http.Handler {
	newControlAPI(logger, svc).register(mux)
	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit:         svc.ledger.AuthDenials(serviceName),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/auth/"},
	}.Wrap(mux)
	return httpserver.Wrap(logger, serviceName, handler)
}

func (api *controlAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleStartRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{runId}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{runId}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{runId}/history", api.handleRunHistory)
	mux.HandleFunc("GET /runs/{runId}/archive", api.handleRunArchive)

	mux.HandleFunc("GET /tickets", api.handleListTickets)
	mux.HandleFunc("GET /tickets/{ticketId}", api.handleGetTicket)
	mux.HandleFunc("POST /tickets/{ticketId}/decision", api.handleDecide)
	mux.HandleFunc("POST /decisions/verify", api.handleVerifyDecision)

	mux.HandleFunc("GET /templates", api.handleListTemplates)
	mux.HandleFunc("GET /templates/{templateId}", api.handleGetTemplate)

	mux.HandleFunc("GET /audit/{runId}", api.handleAudit)
	mux.HandleFunc("GET /audit/{runId}/verify", api.handleVerifyAudit)
	mux.HandleFunc("GET /audit/{runId}/export", api.handleExportAudit)

	mux.HandleFunc("GET /reports/health", api.handleHealthReport)
	mux.HandleFunc("GET /reports/metrics", api.handleMetrics)
}

type startRunRequest struct {
	TemplateID string          `json:"templateId"`
	Version    int             `json:"version,omitempty"`
	Context    domain.Metadata `json:"context,omitempty"`
}

type startRunResponse struct {
	RunID string     `json:"runId"`
	Run   domain.Run `json:"run"`
}

func (api *controlAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	if req.TemplateID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "template_id_required")
		return
	}
	if req.Version < 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_version")
		return
	}

	runID, err := api.svc.engine.Start(r.Context(), req.TemplateID, req.Version, req.Context)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	run, err := api.svc.engine.Get(r.Context(), runID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, startRunResponse{RunID: runID, Run: run})
}

func (api *controlAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.RunFilter{
		Status:     domain.RunStatus(strings.ToUpper(strings.TrimSpace(query.Get("status")))),
		TemplateID: strings.TrimSpace(query.Get("templateId")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}
	if raw := strings.TrimSpace(query.Get("needsReview")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_needs_review")
			return
		}
		filter.NeedsReview = v
	}
	limit, ok := parseLimit(query.Get("limit"))
	if !ok {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit")
		return
	}
	filter.Limit = limit

	runs, err := api.svc.engine.List(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type runView struct {
	domain.Run
	History []domain.StepExecution `json:"history"`
}

func (api *controlAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.svc.engine.Get(r.Context(), r.PathValue("runId"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	history, err := api.svc.engine.History(r.Context(), run.ID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, runView{Run: run, History: history})
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (api *controlAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if r.ContentLength != 0 {
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled via api"
	}
	run, err := api.svc.engine.Cancel(r.Context(), r.PathValue("runId"), reason)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, run)
}

func (api *controlAPI) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := api.svc.engine.Get(r.Context(), runID); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	steps, err := api.svc.engine.History(r.Context(), runID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runId": runID, "steps": steps})
}

func (api *controlAPI) handleRunArchive(w http.ResponseWriter, r *http.Request) {
	if api.svc.archiver == nil {
		httpserver.WriteError(w, r, http.StatusNotFound, "archive_disabled")
		return
	}
	bundle, err := api.svc.archiver.Fetch(r.Context(), r.PathValue("runId"))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_archived")
			return
		}
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, bundle)
}

func (api *controlAPI) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := api.svc.gate.ListPending(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (api *controlAPI) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := api.svc.gate.Get(r.Context(), r.PathValue("ticketId"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, ticket)
}

func (api *controlAPI) handleDecide(w http.ResponseWriter, r *http.Request) {
	var d humangate.Decision
	if err := httpserver.DecodeJSON(r, &d); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	d.Action = domain.DecisionAction(strings.ToUpper(strings.TrimSpace(string(d.Action))))
	d.Actor = strings.TrimSpace(d.Actor)

	// Authenticated callers decide as themselves. Only the anonymous
	// identity of a deployment without auth may name an actor.
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Subject != "" && identity.Subject != auth.AnonymousSubject {
		if d.Actor != "" && d.Actor != identity.Subject {
			api.denyDecision(w, r, identity, d.Actor)
			return
		}
		d.Actor = identity.Subject
	} else if d.Actor == "" && ok {
		d.Actor = identity.Subject
	}

	rec, err := api.svc.gate.Decide(r.Context(), r.PathValue("ticketId"), d)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rec)
}

func (api *controlAPI) denyDecision(w http.ResponseWriter, r *http.Request, identity auth.Identity, actor string) {
	requestID := requestid.FromRequest(r)
	api.logger.Warn("decision actor mismatch", "request_id", requestID, "subject", identity.Subject, "actor", actor, "path", r.URL.Path)
	if err := api.deny(r.Context(), auth.DenyEvent{
		Time:       time.Now().UTC(),
		Status:     http.StatusForbidden,
		Reason:     "actor_mismatch",
		Error:      "actor " + actor + " does not match subject " + identity.Subject,
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Subject:    identity.Subject,
		Roles:      identity.Roles,
		RemoteAddr: r.RemoteAddr,
	}); err != nil {
		api.logger.Warn("audit deny failed", "request_id", requestID, "error", err)
	}
	httpserver.WriteError(w, r, http.StatusForbidden, "actor_mismatch")
}

type verifyDecisionRequest struct {
	Token string `json:"token"`
}

func (api *controlAPI) handleVerifyDecision(w http.ResponseWriter, r *http.Request) {
	var req verifyDecisionRequest
	if err := httpserver.DecodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	rec, err := api.svc.gate.VerifyDecision(strings.TrimSpace(req.Token))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": err.Error()})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "decision": rec})
}

func (api *controlAPI) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"templates": api.svc.templates.List(r.Context())})
}

func (api *controlAPI) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_version")
			return
		}
		version = v
	}
	var (
		tpl domain.Template
		err error
	)
	if version == 0 {
		tpl, err = api.svc.templates.Latest(r.Context(), r.PathValue("templateId"))
	} else {
		tpl, err = api.svc.templates.Get(r.Context(), r.PathValue("templateId"), version)
	}
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, tpl)
}

func (api *controlAPI) handleAudit(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseAuditRange(r)
	if !ok {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_range")
		return
	}
	runID := r.PathValue("runId")
	entries, err := api.svc.ledger.Entries(r.Context(), runID, rng)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runId": runID, "entries": entries})
}

func (api *controlAPI) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	v, err := api.svc.ledger.Verify(r.Context(), r.PathValue("runId"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, v)
}

func (api *controlAPI) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	if api.svc.cfg.Export.ViaArchive() {
		httpserver.WriteError(w, r, http.StatusNotFound, "export_via_archive")
		return
	}
	rng, ok := parseAuditRange(r)
	if !ok {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_range")
		return
	}
	runID := r.PathValue("runId")
	entries, err := api.svc.ledger.Entries(r.Context(), runID, rng)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.ndjson"`)
	w.WriteHeader(http.StatusOK)
	if err := auditexport.ExportAll(r.Context(), auditexport.NewNDJSONExporter(w), entries); err != nil {
		api.logger.Warn("audit export interrupted", "run_id", runID, "error", err)
	}
}

type healthReport struct {
	orchestrator.HealthReport
	InFlightSteps int                `json:"inFlightSteps"`
	PendingTimers int                `json:"pendingTimers"`
	DeadLetters   int                `json:"deadLetters"`
	Templates     []template.Summary `json:"templates"`
}

func (api *controlAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counters, err := api.svc.telemetry.Snapshot(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	if counters == nil {
		counters = []telemetry.Counter{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

func (api *controlAPI) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	report, err := api.svc.engine.Report(r.Context())
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, healthReport{
		HealthReport:  report,
		InFlightSteps: api.svc.dispatcher.InFlight(),
		PendingTimers: api.svc.scheduler.Pending(),
		DeadLetters:   len(api.svc.bus.DeadLetters()),
		Templates:     api.svc.templates.List(r.Context()),
	})
}

// writeDomainError maps error sentinels to HTTP statuses; the body carries
// the stable error code.
func (api *controlAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, status, code)
		return
	}
	var pv *domain.PolicyViolationError
	if errors.As(err, &pv) {
		httpserver.WriteError(w, r, status, code, "rule_id", pv.RuleID, "message", err.Error())
		return
	}
	httpserver.WriteError(w, r, status, code, "message", err.Error())
}

func statusForError(err error) (int, string) {
	switch {
	case postgres.IsUniqueViolation(err):
		return http.StatusConflict, domain.CodeConflict
	case postgres.IsForeignKeyViolation(err):
		return http.StatusNotFound, domain.CodeRunNotFound
	}
	code := domain.ErrorCode(err)
	switch code {
	case domain.CodeRunNotFound, domain.CodeTicketNotFound, domain.CodeTemplateNotFound:
		return http.StatusNotFound, code
	case domain.CodeConflict, domain.CodeDuplicateApproval, domain.CodeDuplicateEvent,
		domain.CodeInvalidTransition, domain.CodeTicketRejected, domain.CodeRunCancelled:
		return http.StatusConflict, code
	case domain.CodeTicketExpired:
		return http.StatusGone, code
	case domain.CodePolicyViolation, domain.CodeInvalidDecision, domain.CodeAdapterUnavailable,
		domain.CodeStepFailure, domain.CodeRetriesExhausted:
		return http.StatusUnprocessableEntity, code
	default:
		return http.StatusInternalServerError, domain.CodeInternal
	}
}

func parseLimit(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > 1000 {
		return 0, false
	}
	return v, true
}

// parseAuditRange reads from/to as either sequence numbers or RFC3339
// timestamps.
func parseAuditRange(r *http.Request) (repo.AuditRange, bool) {
	var rng repo.AuditRange
	query := r.URL.Query()
	for _, bound := range []struct {
		key  string
		seq  *int64
		when *time.Time
	}{
		{"from", &rng.FromSeq, &rng.From},
		{"to", &rng.ToSeq, &rng.To},
	} {
		raw := strings.TrimSpace(query.Get(bound.key))
		if raw == "" {
			continue
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if n <= 0 {
				return repo.AuditRange{}, false
			}
			*bound.seq = n
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return repo.AuditRange{}, false
		}
		*bound.when = ts.UTC()
	}
	return rng, true
}

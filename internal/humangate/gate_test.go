package humangate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/ledger"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/repo/memory"
)

type recordingAdvancer struct {
	mu   sync.Mutex
	recs []domain.DecisionRecord
	err  error
}

func (a *recordingAdvancer) ApplyDecision(ctx context.Context, rec domain.DecisionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

func (a *recordingAdvancer) applied() []domain.DecisionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.DecisionRecord(nil), a.recs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config) (*Service, *recordingAdvancer, *memory.Store, *clock) {
	t.Helper()
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.DecisionSecret == "" {
		cfg.DecisionSecret = "test-secret"
	}
	store := memory.New()
	clk := &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := New(logger, cfg, store, ledger.New(store, nil), nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	svc.WithClock(clk.Now)
	adv := &recordingAdvancer{}
	svc.SetAdvancer(adv)
	return svc, adv, store, clk
}

func openTicket(t *testing.T, svc *Service, approvals int) domain.Ticket {
	t.Helper()
	tk, err := svc.Open(context.Background(), OpenRequest{RunID: "r1", StepID: "approve", Attempt: 1, Role: "compliance", RequiredApprovals: approvals, Payload: domain.Metadata{"amount": float64(60000)}})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	return tk
}

func TestOpenDefaultsAndRouting(t *testing.T) {
	svc, _, _, clk := newTestService(t, Config{DefaultTTL: 30 * time.Minute})
	tk := openTicket(t, svc, 0)
	if tk.RequiredApprovals != 1 || !tk.ExpiresAt.Equal(clk.Now().Add(30*time.Minute)) || tk.Status != domain.TicketOpen {
		t.Fatalf("Open()=%+v", tk)
	}
	pending, err := svc.ListPending(context.Background(), "compliance")
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending(compliance) len=%d err=%v", len(pending), err)
	}
	pending, _ = svc.ListPending(context.Background(), "ops")
	if len(pending) != 0 {
		t.Fatalf("ListPending(ops) len=%d, want 0", len(pending))
	}
}

func TestDecideApproveAppliesAndSigns(t *testing.T) {
	svc, adv, _, _ := newTestService(t, Config{})
	tk := openTicket(t, svc, 1)

	rec, err := svc.Decide(context.Background(), tk.ID, Decision{Action: domain.ActionApprove, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide() err=%v", err)
	}
	if !rec.Final || rec.Status != domain.TicketApproved || rec.Token == "" {
		t.Fatalf("Decide()=%+v", rec)
	}
	if got := adv.applied(); len(got) != 1 || got[0].TicketID != tk.ID {
		t.Fatalf("applied=%v", got)
	}

	verified, err := svc.VerifyDecision(rec.Token)
	if err != nil || verified.Actor != "alice" || verified.Action != domain.ActionApprove {
		t.Fatalf("VerifyDecision()=%+v err=%v", verified, err)
	}
	if _, err := svc.VerifyDecision(rec.Token + "x"); !errors.Is(err, ErrDecisionTokenInvalid) {
		t.Fatalf("tampered token err=%v", err)
	}

	if _, err := svc.Decide(context.Background(), tk.ID, Decision{Action: domain.ActionApprove, Actor: "bob"}); !errors.Is(err, domain.ErrTicketExpired) {
		t.Fatalf("decide on resolved ticket err=%v, want ErrTicketExpired", err)
	}
}

func TestMultiApproverWaitsForQuorum(t *testing.T) {
	svc, adv, _, _ := newTestService(t, Config{})
	tk := openTicket(t, svc, 2)
	ctx := context.Background()

	rec, err := svc.Decide(ctx, tk.ID, Decision{Action: domain.ActionModify, Actor: "alice", Patch: domain.Metadata{"amount": float64(40000)}})
	if err != nil || rec.Final {
		t.Fatalf("first decision=%+v err=%v", rec, err)
	}
	if len(adv.applied()) != 0 {
		t.Fatalf("partial approval must not advance the run")
	}
	if _, err := svc.Decide(ctx, tk.ID, Decision{Action: domain.ActionApprove, Actor: "alice"}); !errors.Is(err, domain.ErrDuplicateApproval) {
		t.Fatalf("repeat approver err=%v", err)
	}

	rec, err = svc.Decide(ctx, tk.ID, Decision{Action: domain.ActionApprove, Actor: "bob"})
	if err != nil || !rec.Final {
		t.Fatalf("second decision=%+v err=%v", rec, err)
	}
	if rec.Status != domain.TicketModified || rec.Patch["amount"] != float64(40000) {
		t.Fatalf("final decision should carry merged patch: %+v", rec)
	}
	if len(adv.applied()) != 1 {
		t.Fatalf("applied=%d, want 1", len(adv.applied()))
	}
}

func TestRejectResolvesImmediately(t *testing.T) {
	svc, adv, _, _ := newTestService(t, Config{})
	tk := openTicket(t, svc, 3)
	rec, err := svc.Decide(context.Background(), tk.ID, Decision{Action: domain.ActionReject, Actor: "carol"})
	if err != nil || !rec.Final || rec.Status != domain.TicketRejected {
		t.Fatalf("reject=%+v err=%v", rec, err)
	}
	if got := adv.applied(); len(got) != 1 || got[0].Action != domain.ActionReject {
		t.Fatalf("applied=%v", got)
	}
}

func TestDecideValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	tk := openTicket(t, svc, 1)
	ctx := context.Background()
	cases := []Decision{
		{Action: domain.ActionExpire, Actor: "a"},
		{Action: "MAYBE", Actor: "a"},
		{Action: domain.ActionApprove},
		{Action: domain.ActionModify, Actor: "a"},
	}
	for _, d := range cases {
		if _, err := svc.Decide(ctx, tk.ID, d); !errors.Is(err, domain.ErrInvalidDecision) {
			t.Fatalf("Decide(%+v) err=%v, want ErrInvalidDecision", d, err)
		}
	}
	if _, err := svc.Decide(ctx, "missing", Decision{Action: domain.ActionApprove, Actor: "a"}); !errors.Is(err, domain.ErrTicketNotFound) {
		t.Fatalf("Decide(missing) err=%v", err)
	}
}

func TestTickExpiresExactlyOnce(t *testing.T) {
	svc, adv, _, clk := newTestService(t, Config{DefaultTTL: time.Minute})
	tk := openTicket(t, svc, 1)
	ctx := context.Background()

	if expired, _ := svc.Tick(ctx); len(expired) != 0 {
		t.Fatalf("Tick() before TTL expired %d", len(expired))
	}
	clk.Advance(2 * time.Minute)

	if _, err := svc.Decide(ctx, tk.ID, Decision{Action: domain.ActionApprove, Actor: "late"}); !errors.Is(err, domain.ErrTicketExpired) {
		t.Fatalf("late decision err=%v, want ErrTicketExpired", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Tick(ctx)
		}()
	}
	wg.Wait()

	got := adv.applied()
	if len(got) != 1 || got[0].Action != domain.ActionExpire || got[0].Status != domain.TicketExpired {
		t.Fatalf("applied=%v, want one EXPIRE", got)
	}
	stored, _ := svc.Get(ctx, tk.ID)
	if stored.Status != domain.TicketExpired || stored.ResolvedBy != SystemActor {
		t.Fatalf("stored=%+v", stored)
	}
}

func TestTickApproveOnExpiry(t *testing.T) {
	svc, adv, _, clk := newTestService(t, Config{DefaultTTL: time.Minute, ExpiryAction: ExpireApprove})
	openTicket(t, svc, 1)
	clk.Advance(time.Hour)
	if _, err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() err=%v", err)
	}
	if got := adv.applied(); len(got) != 1 || got[0].Action != domain.ActionApprove {
		t.Fatalf("applied=%v", got)
	}
}

func TestWithdrawAndLedger(t *testing.T) {
	svc, adv, store, _ := newTestService(t, Config{})
	tk := openTicket(t, svc, 1)
	ctx := context.Background()
	if err := svc.Withdraw(ctx, tk.ID, "run cancelled"); err != nil {
		t.Fatalf("Withdraw() err=%v", err)
	}
	if err := svc.Withdraw(ctx, tk.ID, "again"); err != nil {
		t.Fatalf("second Withdraw() err=%v", err)
	}
	if len(adv.applied()) != 0 {
		t.Fatalf("withdraw must not advance the run")
	}
	entries, _ := store.ListAudit(ctx, "r1", repo.AuditRange{})
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	if strings.Join(types, ",") != domain.EventTicketOpened+","+domain.EventTicketWithdrawn {
		t.Fatalf("audit=%v", types)
	}
}

func TestApplyDuplicateEventIsSwallowed(t *testing.T) {
	svc, adv, _, _ := newTestService(t, Config{})
	adv.err = domain.ErrDuplicateEvent
	tk := openTicket(t, svc, 1)
	if _, err := svc.Decide(context.Background(), tk.ID, Decision{Action: domain.ActionApprove, Actor: "a"}); err != nil {
		t.Fatalf("Decide() err=%v, want nil for stale run", err)
	}
}

type failingAudit struct {
	repo.AuditRepository
	mu   sync.Mutex
	fail bool
}

func (f *failingAudit) setFailing(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingAudit) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("audit down")
	}
	return f.AuditRepository.AppendAudit(ctx, entry)
}

func TestTicketUnchangedWhenAuditFails(t *testing.T) {
	store := memory.New()
	audit := &failingAudit{AuditRepository: store}
	svc, err := New(nil, Config{DefaultTTL: time.Minute, SweepInterval: time.Second, DecisionSecret: "test-secret"}, store, ledger.New(audit, nil), nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	clk := &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	svc.WithClock(clk.Now)
	adv := &recordingAdvancer{}
	svc.SetAdvancer(adv)
	ctx := context.Background()

	audit.setFailing(true)
	if _, err := svc.Open(ctx, OpenRequest{TicketID: "t-lost", RunID: "r1", StepID: "approve"}); err == nil {
		t.Fatalf("Open() err=nil, want audit failure")
	}
	if _, err := store.GetTicket(ctx, "t-lost"); !errors.Is(err, domain.ErrTicketNotFound) {
		t.Fatalf("GetTicket(t-lost) err=%v, want ErrTicketNotFound", err)
	}

	audit.setFailing(false)
	tk := openTicket(t, svc, 1)
	audit.setFailing(true)

	if _, err := svc.Decide(ctx, tk.ID, Decision{Action: domain.ActionApprove, Actor: "alice"}); err == nil {
		t.Fatalf("Decide() err=nil, want audit failure")
	}
	if err := svc.Withdraw(ctx, tk.ID, "run cancelled"); err == nil {
		t.Fatalf("Withdraw() err=nil, want audit failure")
	}
	clk.Advance(time.Hour)
	if expired, err := svc.Tick(ctx); err == nil || len(expired) != 0 {
		t.Fatalf("Tick() expired=%d err=%v, want audit failure", len(expired), err)
	}

	stored, err := store.GetTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTicket() err=%v", err)
	}
	if stored.Status != domain.TicketOpen || len(stored.Approvals) != 0 {
		t.Fatalf("stored status=%s approvals=%d, want OPEN with none", stored.Status, len(stored.Approvals))
	}
	if len(adv.applied()) != 0 {
		t.Fatalf("applied=%v, want none", adv.applied())
	}
	entries, _ := store.ListAudit(ctx, "r1", repo.AuditRange{})
	if len(entries) != 1 || entries[0].EventType != domain.EventTicketOpened {
		t.Fatalf("audit entries=%d, want only the open entry", len(entries))
	}

	audit.setFailing(false)
	expired, err := svc.Tick(ctx)
	if err != nil || len(expired) != 1 {
		t.Fatalf("Tick() after recovery expired=%d err=%v", len(expired), err)
	}
}

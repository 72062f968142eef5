// Package ledger is the append-only, hash-chained audit trail. Each run has
// its own chain; appends are serialised per run and never updated.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/keylock"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/repo"
)

// appendAttempts bounds retries when another writer took the next sequence.
const appendAttempts = 3

type Ledger struct {
	store   repo.AuditRepository
	locks   *keylock.Locker
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(store repo.AuditRepository, metrics *telemetry.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		locks:   keylock.New(),
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock replaces the timestamp source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append writes the next entry of runID's chain. payload is marshalled to
// JSON once; those bytes are both stored and hashed.
func (l *Ledger) Append(ctx context.Context, runID, eventType string, payload any) (domain.AuditEntry, error) {
	runID = strings.TrimSpace(runID)
	eventType = strings.TrimSpace(eventType)
	if runID == "" {
		return domain.AuditEntry{}, errors.New("run id is required")
	}
	if eventType == "" {
		return domain.AuditEntry{}, errors.New("event type is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal payload: %w", err)
	}

	unlock := l.locks.Lock(runID)
	defer unlock()

	var lastErr error
	for i := 0; i < appendAttempts; i++ {
		entry, err := l.appendLocked(ctx, runID, eventType, payloadJSON)
		if err == nil {
			l.metrics.LedgerAppend(ctx, eventType)
			return entry, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.AuditEntry{}, err
		}
		lastErr = err
	}
	return domain.AuditEntry{}, lastErr
}

func (l *Ledger) appendLocked(ctx context.Context, runID, eventType string, payloadJSON []byte) (domain.AuditEntry, error) {
	last, ok, err := l.store.LastAudit(ctx, runID)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("load chain head: %w", err)
	}
	entry := domain.AuditEntry{
		Sequence:    1,
		RunID:       runID,
		EventType:   eventType,
		Payload:     json.RawMessage(payloadJSON),
		PayloadHash: PayloadHash(payloadJSON),
		Timestamp:   l.now().UTC().Round(0),
	}
	if ok {
		entry.Sequence = last.Sequence + 1
		entry.PrevEntryHash = last.EntryHash
		if entry.Timestamp.Before(last.Timestamp) {
			entry.Timestamp = last.Timestamp
		}
	}
	entry.EntryHash, err = EntryHash(entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// Entries returns runID's chain in sequence order, bounded by rng.
func (l *Ledger) Entries(ctx context.Context, runID string, rng repo.AuditRange) ([]domain.AuditEntry, error) {
	return l.store.ListAudit(ctx, runID, rng)
}

type Verification struct {
	RunID    string `json:"runId"`
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
	HeadHash string `json:"headHash,omitempty"`
}

// Verify recomputes every payload hash and chain link of runID and reports
// the first sequence that does not check out. An empty chain is valid.
func (l *Ledger) Verify(ctx context.Context, runID string) (Verification, error) {
	entries, err := l.store.ListAudit(ctx, runID, repo.AuditRange{})
	if err != nil {
		return Verification{}, err
	}
	return VerifyChain(runID, entries), nil
}

// VerifyChain checks entries, which must be the whole chain in order.
func VerifyChain(runID string, entries []domain.AuditEntry) Verification {
	v := Verification{RunID: runID, Valid: true, Entries: len(entries)}
	prev := ""
	for i, e := range entries {
		reason := ""
		switch {
		case e.Sequence != int64(i+1):
			reason = fmt.Sprintf("sequence gap: got %d, want %d", e.Sequence, i+1)
		case e.RunID != runID:
			reason = "entry belongs to run " + e.RunID
		case e.PrevEntryHash != prev:
			reason = "previous entry hash mismatch"
		case PayloadHash(e.Payload) != e.PayloadHash:
			reason = "payload hash mismatch"
		default:
			want, err := EntryHash(e)
			if err != nil {
				reason = err.Error()
			} else if want != e.EntryHash {
				reason = "entry hash mismatch"
			}
		}
		if reason != "" {
			v.Valid = false
			v.BrokenAt = e.Sequence
			v.Reason = reason
			return v
		}
		prev = e.EntryHash
	}
	v.HeadHash = prev
	return v
}

func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EntryHash hashes the canonical JSON of the chained fields of e.
func EntryHash(e domain.AuditEntry) (string, error) {
	type hashInput struct {
		Sequence      int64  `json:"seq"`
		RunID         string `json:"runId"`
		EventType     string `json:"eventType"`
		PayloadHash   string `json:"payloadHash"`
		PrevEntryHash string `json:"prevEntryHash"`
		Timestamp     string `json:"timestamp"`
	}
	blob, err := json.Marshal(hashInput{
		Sequence:      e.Sequence,
		RunID:         e.RunID,
		EventType:     e.EventType,
		PayloadHash:   e.PayloadHash,
		PrevEntryHash: e.PrevEntryHash,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry hash input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

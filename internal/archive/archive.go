// Package archive writes a terminal run, its step history and its audit
// chain to object storage as one JSON bundle.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/bus"
	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/ledger"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/storage/objectstore"
)

const bundleContentType = "application/json"

type Bundle struct {
	Run          domain.Run             `json:"run"`
	Steps        []domain.StepExecution `json:"steps"`
	Audit        []domain.AuditEntry    `json:"audit"`
	Verification ledger.Verification    `json:"verification"`
	ArchivedAt   time.Time              `json:"archivedAt"`
}

// RunMarker flags a run as archived. The engine implements it so the write
// goes through the per-run lock.
type RunMarker interface {
	MarkArchived(ctx context.Context, runID string) error
}

type Archiver struct {
	logger *slog.Logger
	store  objectstore.Store
	bucket string
	prefix string
	runs   repo.RunRepository
	steps  repo.StepExecutionRepository
	ledger *ledger.Ledger
	marker RunMarker
}

type Config struct {
	Bucket string
	Prefix string
}

func New(logger *slog.Logger, cfg Config, store objectstore.Store, runs repo.RunRepository, steps repo.StepExecutionRepository, l *ledger.Ledger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}
	return &Archiver{
		logger: logger,
		store:  store,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		runs:   runs,
		steps:  steps,
		ledger: l,
	}, nil
}

func (a *Archiver) SetMarker(m RunMarker) { a.marker = m }

func (a *Archiver) Key(runID string) string {
	return path.Join(a.prefix, runID, "bundle.json")
}

// Archive uploads the bundle for a terminal run. Archiving twice rewrites
// the same key and appends no second RUN_ARCHIVED entry.
func (a *Archiver) Archive(ctx context.Context, runID string) (objectstore.ObjectInfo, error) {
	run, err := a.runs.GetRun(ctx, runID)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	if !run.Status.Terminal() {
		return objectstore.ObjectInfo{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrInvalidTransition)
	}
	if run.Archived {
		return a.store.Stat(ctx, a.bucket, a.Key(runID))
	}

	steps, err := a.steps.ListStepExecutions(ctx, runID)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	entries, err := a.ledger.Entries(ctx, runID, repo.AuditRange{})
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}
	bundle := Bundle{
		Run:          run,
		Steps:        steps,
		Audit:        entries,
		Verification: ledger.VerifyChain(runID, entries),
		ArchivedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("marshal bundle: %w", err)
	}
	key := a.Key(runID)
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), bundleContentType); err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("put bundle: %w", err)
	}
	sum := sha256.Sum256(raw)
	if _, err := a.ledger.Append(ctx, runID, domain.EventRunArchived, map[string]any{
		"bucket":       a.bucket,
		"key":          key,
		"sha256":       hex.EncodeToString(sum[:]),
		"auditEntries": len(entries),
		"chainValid":   bundle.Verification.Valid,
	}); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	if a.marker != nil {
		if err := a.marker.MarkArchived(ctx, runID); err != nil {
			return objectstore.ObjectInfo{}, fmt.Errorf("mark archived: %w", err)
		}
	}
	a.logger.Info("run archived", "run_id", runID, "key", key, "bytes", len(raw))
	return a.store.Stat(ctx, a.bucket, key)
}

// Fetch downloads and decodes an archived bundle.
func (a *Archiver) Fetch(ctx context.Context, runID string) (Bundle, error) {
	rc, _, err := a.store.Get(ctx, a.bucket, a.Key(runID))
	if err != nil {
		return Bundle{}, err
	}
	defer rc.Close()
	var b Bundle
	if err := json.NewDecoder(rc).Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	return b, nil
}

// HandleTerminal is the run.terminal subscriber.
func (a *Archiver) HandleTerminal(ctx context.Context, msg bus.Message) error {
	_, err := a.Archive(ctx, msg.RunID)
	return err
}

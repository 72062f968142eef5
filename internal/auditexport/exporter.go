package auditexport

import (
	"context"
	"encoding/json"
	"io"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Exporter sends audit entries to external systems.
type Exporter interface {
	Export(ctx context.Context, entry domain.AuditEntry) error
}

// NDJSONExporter writes audit entries as newline-delimited JSON.
type NDJSONExporter struct {
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(ctx context.Context, entry domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.enc.Encode(exportEntryFromDomain(entry))
}

// ExportAll writes entries in order and stops at the first error.
func ExportAll(ctx context.Context, exp Exporter, entries []domain.AuditEntry) error {
	for _, entry := range entries {
		if err := exp.Export(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

type exportEntry struct {
	Sequence      int64           `json:"sequence_number"`
	RunID         string          `json:"run_id"`
	EventType     string          `json:"event_type"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	PrevEntryHash string          `json:"prev_entry_hash"`
	EntryHash     string          `json:"entry_hash"`
}

func exportEntryFromDomain(entry domain.AuditEntry) exportEntry {
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return exportEntry{
		Sequence:      entry.Sequence,
		RunID:         entry.RunID,
		EventType:     entry.EventType,
		Timestamp:     entry.Timestamp.UTC().Format(timeFormatRFC3339Nano),
		Payload:       payload,
		PayloadHash:   entry.PayloadHash,
		PrevEntryHash: entry.PrevEntryHash,
		EntryHash:     entry.EntryHash,
	}
}

const timeFormatRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

package ledger

import (
	"context"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/auth"
)

// AuthDenials returns an auth.AuditFunc that records denied requests on the
// dedicated authentication chain.
func (l *Ledger) AuthDenials(service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		actor := "anonymous"
		if strings.TrimSpace(event.Subject) != "" {
			actor = strings.TrimSpace(event.Subject)
		}
		_, err := l.Append(ctx, domain.AuthAuditRunID, domain.EventAuthDenied, map[string]any{
			"service":    service,
			"actor":      actor,
			"status":     event.Status,
			"reason":     event.Reason,
			"error":      event.Error,
			"method":     event.Method,
			"path":       event.Path,
			"request_id": event.RequestID,
			"roles":      event.Roles,
			"remote":     event.RemoteAddr,
		})
		return err
	}
}

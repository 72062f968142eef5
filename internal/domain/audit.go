package domain

import (
	"encoding/json"
	"time"
)

// Audit event types.
const (
	EventRunStarted             = "RUN_STARTED"
	EventStepEntered            = "STEP_ENTERED"
	EventPolicyDecision         = "POLICY_DECISION"
	EventStepDispatched         = "STEP_DISPATCHED"
	EventStepCompleted          = "STEP_COMPLETED"
	EventStepFailed             = "STEP_FAILED"
	EventRetryScheduled         = "RETRY_SCHEDULED"
	EventRunPaused              = "RUN_PAUSED"
	EventTicketOpened           = "TICKET_OPENED"
	EventTicketApprovalRecorded = "TICKET_APPROVAL_RECORDED"
	EventTicketResolved         = "TICKET_RESOLVED"
	EventTicketWithdrawn        = "TICKET_WITHDRAWN"
	EventHumanDecisionApplied   = "HUMAN_DECISION_APPLIED"
	EventBranchJoined           = "BRANCH_JOINED"
	EventRunStatusChanged       = "RUN_STATUS_CHANGED"
	EventRunCompleted           = "RUN_COMPLETED"
	EventRunFailed              = "RUN_FAILED"
	EventRunCancelled           = "RUN_CANCELLED"
	EventRunArchived            = "RUN_ARCHIVED"
	EventAuthDenied             = "AUTH_DENIED"
)

// AuthAuditRunID is the ledger chain used for authentication denials.
const AuthAuditRunID = "_auth"

type AuditEntry struct {
	Sequence      int64           `json:"sequenceNumber"`
	RunID         string          `json:"runId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`
	PrevEntryHash string          `json:"prevEntryHash"`
	EntryHash     string          `json:"entryHash"`
	Timestamp     time.Time       `json:"timestamp"`
}

package domain

import "time"

type TicketStatus string

const (
	TicketOpen      TicketStatus = "OPEN"
	TicketApproved  TicketStatus = "APPROVED"
	TicketModified  TicketStatus = "MODIFIED"
	TicketRejected  TicketStatus = "REJECTED"
	TicketExpired   TicketStatus = "EXPIRED"
	TicketCancelled TicketStatus = "CANCELLED"
)

type DecisionAction string

const (
	ActionApprove DecisionAction = "APPROVE"
	ActionModify  DecisionAction = "MODIFY"
	ActionReject  DecisionAction = "REJECT"
	// ActionExpire is recorded by the TTL sweep, never accepted from callers.
	ActionExpire DecisionAction = "EXPIRE"
)

func (a DecisionAction) Valid() bool {
	switch a {
	case ActionApprove, ActionModify, ActionReject:
		return true
	default:
		return false
	}
}

type Approval struct {
	Actor     string         `json:"actor"`
	Action    DecisionAction `json:"action"`
	Patch     Metadata       `json:"patch,omitempty"`
	DecidedAt time.Time      `json:"decidedAt"`
}

type Ticket struct {
	ID                string        `json:"ticketId"`
	RunID             string        `json:"runId"`
	StepID            string        `json:"stepId"`
	Attempt           int           `json:"attempt"`
	Payload           Metadata      `json:"payload,omitempty"`
	Role              string        `json:"role,omitempty"`
	RequiredApprovals int           `json:"requiredApprovals"`
	Approvals         []Approval    `json:"approvals,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	IssuedAt          time.Time     `json:"issuedAt"`
	TTL               time.Duration `json:"ttl"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	Status            TicketStatus  `json:"status"`
	ResolvedAt        *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy        string        `json:"resolvedBy,omitempty"`
}

func (t Ticket) Overdue(now time.Time) bool {
	return t.Status == TicketOpen && !now.Before(t.ExpiresAt)
}

func (t Ticket) HasApprovalFrom(actor string) bool {
	for _, a := range t.Approvals {
		if a.Actor == actor {
			return true
		}
	}
	return false
}

func (t Ticket) Clone() Ticket {
	out := t
	out.Payload = t.Payload.Clone()
	out.Approvals = make([]Approval, len(t.Approvals))
	for i, a := range t.Approvals {
		if a.Patch != nil {
			a.Patch = a.Patch.Clone()
		}
		out.Approvals[i] = a
	}
	if t.ResolvedAt != nil {
		ts := *t.ResolvedAt
		out.ResolvedAt = &ts
	}
	return out
}

// DecisionRecord is the signed outcome of a ticket. Token is an HMAC over
// the remaining fields.
type DecisionRecord struct {
	TicketID  string         `json:"ticketId"`
	RunID     string         `json:"runId"`
	StepID    string         `json:"stepId"`
	Attempt   int            `json:"attempt"`
	Action    DecisionAction `json:"action"`
	Actor     string         `json:"actor"`
	Patch     Metadata       `json:"patch,omitempty"`
	DecidedAt time.Time      `json:"decidedAt"`
	Final     bool           `json:"final"`
	Status    TicketStatus   `json:"status"`
	Token     string         `json:"token,omitempty"`
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrPolicyViolation    = errors.New("policy violation")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrStepFailure        = errors.New("step failure")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrTicketExpired      = errors.New("ticket expired")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrInvalidTransition  = errors.New("invalid transition")

	ErrRunNotFound       = errors.New("run not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketRejected    = errors.New("ticket rejected")
	ErrDuplicateApproval = errors.New("duplicate approval")
	ErrConflict          = errors.New("conflict")
	ErrInvalidDecision   = errors.New("invalid decision")
	ErrRunCancelled      = errors.New("run cancelled")
)

// PolicyViolationError carries the rule that blocked an action.
type PolicyViolationError struct {
	RuleID string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("policy violation: rule %s", e.RuleID)
	}
	return fmt.Sprintf("policy violation: rule %s: %s", e.RuleID, e.Reason)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// Error codes persisted on runs and returned by the control API.
const (
	CodeTemplateNotFound   = "TemplateNotFound"
	CodePolicyViolation    = "PolicyViolation"
	CodeAdapterUnavailable = "AdapterUnavailable"
	CodeStepFailure        = "StepFailure"
	CodeRetriesExhausted   = "RetriesExhausted"
	CodeTicketExpired      = "TicketExpired"
	CodeDuplicateEvent     = "DuplicateEvent"
	CodeInvalidTransition  = "InvalidTransition"
	CodeRunNotFound        = "RunNotFound"
	CodeTicketNotFound     = "TicketNotFound"
	CodeTicketRejected     = "TicketRejected"
	CodeDuplicateApproval  = "DuplicateApproval"
	CodeConflict           = "Conflict"
	CodeInvalidDecision    = "InvalidDecision"
	CodeRunCancelled       = "RunCancelled"
	CodeInternal           = "Internal"
)

var codeBySentinel = []struct {
	err  error
	code string
}{
	{ErrTemplateNotFound, CodeTemplateNotFound},
	{ErrPolicyViolation, CodePolicyViolation},
	{ErrAdapterUnavailable, CodeAdapterUnavailable},
	{ErrRetriesExhausted, CodeRetriesExhausted},
	{ErrStepFailure, CodeStepFailure},
	{ErrTicketExpired, CodeTicketExpired},
	{ErrDuplicateEvent, CodeDuplicateEvent},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrRunNotFound, CodeRunNotFound},
	{ErrTicketNotFound, CodeTicketNotFound},
	{ErrTicketRejected, CodeTicketRejected},
	{ErrDuplicateApproval, CodeDuplicateApproval},
	{ErrConflict, CodeConflict},
	{ErrInvalidDecision, CodeInvalidDecision},
	{ErrRunCancelled, CodeRunCancelled},
}

// ErrorCode maps an error chain to its stable code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, item := range codeBySentinel {
		if errors.Is(err, item.err) {
			return item.code
		}
	}
	return CodeInternal
}

// RunError is the failure detail persisted on a run and mirrored into
// context.error.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"stepId,omitempty"`
	RuleID  string `json:"ruleId,omitempty"`
}

func NewRunError(stepID string, err error) *RunError {
	out := &RunError{
		Code:    ErrorCode(err),
		Message: err.Error(),
		StepID:  stepID,
	}
	var pv *PolicyViolationError
	if errors.As(err, &pv) {
		out.RuleID = pv.RuleID
	}
	return out
}

func (e *RunError) Metadata() Metadata {
	if e == nil {
		return nil
	}
	out := Metadata{"code": e.Code, "message": e.Message}
	if e.StepID != "" {
		out["stepId"] = e.StepID
	}
	if e.RuleID != "" {
		out["ruleId"] = e.RuleID
	}
	return out
}

package domain

import "time"

type RunStatus string

const (
	RunStatusRunning        RunStatus = "RUNNING"
	RunStatusRetrying       RunStatus = "RETRYING"
	RunStatusPausedForHuman RunStatus = "PAUSED_FOR_HUMAN"
	RunStatusCompleted      RunStatus = "COMPLETED"
	RunStatusFailed         RunStatus = "FAILED"
	RunStatusCancelled      RunStatus = "CANCELLED"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusRunning:        {RunStatusRetrying, RunStatusPausedForHuman, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusRetrying:       {RunStatusRunning, RunStatusPausedForHuman, RunStatusFailed, RunStatusCancelled},
	RunStatusPausedForHuman: {RunStatusRunning, RunStatusRetrying, RunStatusFailed, RunStatusCancelled},
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusRetrying, RunStatusPausedForHuman,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionRunStatus reports whether the state machine permits current -> next.
// Staying in the same non-terminal status is allowed.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == next {
		return !current.Terminal()
	}
	for _, allowed := range runTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepPhase is where an active step is parked between events.
type StepPhase string

const (
	PhaseDispatched    StepPhase = "dispatched"
	PhaseRetryWait     StepPhase = "retry_wait"
	PhaseAwaitingHuman StepPhase = "awaiting_human"
)

// ActiveStep is one in-flight branch of a run.
type ActiveStep struct {
	StepID string `json:"stepId"`
	// Attempt is unique per step across the whole run; Try restarts at 1
	// each time the step is entered and drives the retry budget.
	Attempt  int        `json:"attempt"`
	Try      int        `json:"try"`
	Phase    StepPhase  `json:"phase"`
	TicketID string     `json:"ticketId,omitempty"`
	DueAt    *time.Time `json:"dueAt,omitempty"`
	Input    Metadata   `json:"input,omitempty"`
}

type Run struct {
	ID              string                `json:"runId"`
	TemplateID      string                `json:"templateId"`
	TemplateVersion int                   `json:"templateVersion"`
	Context         Metadata              `json:"context"`
	CurrentStepID   string                `json:"currentStepId"`
	Status          RunStatus             `json:"status"`
	RetryCounts     map[string]int        `json:"retryCounts"`
	Attempts        map[string]int        `json:"attempts"`
	Visits          map[string]int        `json:"visits"`
	Active          map[string]ActiveStep `json:"active"`
	PendingJoins    []string              `json:"pendingJoins,omitempty"`
	Error           *RunError             `json:"error,omitempty"`
	NeedsReview     bool                  `json:"needsReview,omitempty"`
	StartedBy       string                `json:"startedBy,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	EndedAt         *time.Time            `json:"endedAt,omitempty"`
	Archived        bool                  `json:"archived,omitempty"`
	Version         int64                 `json:"version"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Run) Clone() Run {
	out := r
	out.Context = r.Context.Clone()
	out.RetryCounts = cloneCounts(r.RetryCounts)
	out.Visits = cloneCounts(r.Visits)
	out.Attempts = cloneCounts(r.Attempts)
	out.Active = make(map[string]ActiveStep, len(r.Active))
	for k, v := range r.Active {
		if v.Input != nil {
			v.Input = v.Input.Clone()
		}
		out.Active[k] = v
	}
	out.PendingJoins = append([]string(nil), r.PendingJoins...)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// DeriveStatus computes the non-terminal status from the active branches:
// any dispatched branch keeps the run RUNNING, then RETRYING, then PAUSED_FOR_HUMAN.
func (r Run) DeriveStatus() RunStatus {
	var retrying, paused bool
	for _, a := range r.Active {
		switch a.Phase {
		case PhaseDispatched:
			return RunStatusRunning
		case PhaseRetryWait:
			retrying = true
		case PhaseAwaitingHuman:
			paused = true
		}
	}
	switch {
	case retrying:
		return RunStatusRetrying
	case paused:
		return RunStatusPausedForHuman
	default:
		return RunStatusRunning
	}
}

func cloneCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "SUCCESS"
	StepOutcomeFailure StepOutcome = "FAILURE"
	StepOutcomeTimeout StepOutcome = "TIMEOUT"
)

// StepExecution is the immutable record of one adapter invocation attempt.
type StepExecution struct {
	ID          string      `json:"id"`
	RunID       string      `json:"runId"`
	StepID      string      `json:"stepId"`
	Attempt     int         `json:"attempt"`
	Capability  string      `json:"capability,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
	Outcome     StepOutcome `json:"outcome"`
	Result      Metadata    `json:"resultPayload,omitempty"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
	ErrorCode   string      `json:"errorCode,omitempty"`
}

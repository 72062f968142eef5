package orchestrator

import (
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/domain"
)

type EventType string

const (
	EventStepCompleted EventType = "STEP_COMPLETED"
	EventTimerFired    EventType = "TIMER_FIRED"
	EventHumanDecision EventType = "HUMAN_DECISION"
)

// Event is the only input that moves a started run forward.
type Event struct {
	Type       EventType
	RunID      string
	StepID     string
	Attempt    int
	Result     *adapter.Result
	StartedAt  time.Time
	FinishedAt time.Time
	Decision   *domain.DecisionRecord
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.RunID) == "" || strings.TrimSpace(e.StepID) == "" {
		return errors.New("event run id and step id are required")
	}
	if e.Attempt < 1 {
		return errors.New("event attempt must be >= 1")
	}
	switch e.Type {
	case EventStepCompleted:
		if e.Result == nil {
			return errors.New("STEP_COMPLETED requires a result")
		}
	case EventTimerFired:
	case EventHumanDecision:
		if e.Decision == nil {
			return errors.New("HUMAN_DECISION requires a decision record")
		}
	default:
		return errors.New("unknown event type " + string(e.Type))
	}
	return nil
}

// DispatchPayload is the body of a step.dispatch message.
type DispatchPayload struct {
	Capability string          `json:"capability"`
	Input      domain.Metadata `json:"input"`
	Timeout    time.Duration   `json:"timeout"`
}

// CompletionPayload is the body of a step.completed message.
type CompletionPayload struct {
	Result     adapter.Result `json:"result"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// TerminalPayload is the body of a run.terminal message.
type TerminalPayload struct {
	Status domain.RunStatus `json:"status"`
	Error  *domain.RunError `json:"error,omitempty"`
}

// Package bus carries step dispatches, completions, timer and ticket
// notifications between engine components. Delivery is at-least-once:
// a handler returning an error gets the message again, so handlers must be
// idempotent.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Topic string

const (
	TopicStepDispatch   Topic = "step.dispatch"
	TopicStepCompleted  Topic = "step.completed"
	TopicTimerFired     Topic = "timer.fired"
	TopicTicketOpened   Topic = "ticket.opened"
	TopicTicketResolved Topic = "ticket.resolved"
	TopicRunTerminal    Topic = "run.terminal"
)

var ErrClosed = errors.New("bus closed")

type Message struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	RunID     string          `json:"runId"`
	StepID    string          `json:"stepId,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Delivery  int             `json:"delivery"`
}

// NewMessage encodes payload as JSON and stamps an id and timestamp.
func NewMessage(topic Topic, runID, stepID string, attempt int, eventType string, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		RunID:     runID,
		StepID:    stepID,
		Attempt:   attempt,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Delivery:  1,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", topic, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into dst.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", m.Topic, m.ID)
	}
	return json.Unmarshal(m.Payload, dst)
}

type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Bus interface {
	Publisher
	Subscribe(topic Topic, name string, workers int, handler Handler) error
}

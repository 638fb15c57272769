// Package notify delivers terminal-job notifications over configured
// channels. Events are durable rows in the store's outbox; the dispatcher
// drains them out of band so workers never block on a webhook.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event types mirror the terminal job statuses.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
)

var AllEvents = []string{EventCompleted, EventFailed}

// Payload is the JSON document delivered to notification channels.
type Payload struct {
	Event       string `json:"event"`
	JobID       string `json:"job_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Improvement string `json:"improvement,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidEvent(event string) bool {
	return event == EventCompleted || event == EventFailed
}

// EventSet normalizes a configured event filter; nil means all events.
func EventSet(events []string) map[string]struct{} {
	if events == nil {
		events = AllEvents
	}
	out := make(map[string]struct{}, len(events))
	for _, event := range events {
		normalized := strings.ToLower(strings.TrimSpace(event))
		if IsValidEvent(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	if event == EventCompleted {
		return "Optimization Completed"
	}
	return "Optimization Failed"
}

// SlackText renders the plain-text Slack message for a payload.
func SlackText(payload Payload) string {
	text := fmt.Sprintf("PromptForge: %s\nJob: %s\nName: %s", EventLabel(payload.Event), payload.JobID, payload.Name)
	if payload.Improvement != "" {
		text += "\nImprovement: " + payload.Improvement
	}
	if payload.Error != "" {
		text += "\nError: " + payload.Error
	}
	return text
}

// TestPayload is the sample document sent by connectivity checks.
func TestPayload() Payload {
	return Payload{
		Event:       EventCompleted,
		JobID:       "pf-job-test",
		Name:        "Test notification from PromptForge",
		Status:      "completed",
		Improvement: "+0.0%",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

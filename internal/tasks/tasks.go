// Package tasks provides the built-in job handlers for TaskPipe.
//
// Three job types ship with the service: process-message marks a stored
// message as processed, heartbeat creates a system message and submits a
// processing job for it, and send-message delivers a message through the
// configured messaging service.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/jobs"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// Built-in job type names.
const (
	TypeProcessMessage = "process-message"
	TypeHeartbeat      = "heartbeat"
	TypeSendMessage    = "send-message"
)

// Submitter accepts new jobs. The execution engine satisfies this.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload json.RawMessage) (string, error)
}

// ProcessMessagePayload is the payload of a process-message job.
type ProcessMessagePayload struct {
	MessageID string `json:"message_id"`
}

// ProcessMessageResult is the result recorded by a successful process-message
// execution.
type ProcessMessageResult struct {
	MessageID     string `json:"message_id"`
	ContentLength int    `json:"content_length"`
	AlreadyDone   bool   `json:"already_done,omitempty"`
}

// SendMessagePayload is the payload of a send-message job.
type SendMessagePayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Deps bundles the dependencies the built-in handlers need.
type Deps struct {
	Store     store.Store
	Messenger messaging.Service
	Submitter Submitter
}

// RegisterAll registers the built-in job types with their retry policies.
func RegisterAll(registry *jobs.Registry, deps Deps) error {
	if err := registry.Register(TypeProcessMessage, ProcessMessageHandler(deps.Store), jobs.Policy{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
	}); err != nil {
		return err
	}
	if err := registry.Register(TypeHeartbeat, HeartbeatHandler(deps.Store, deps.Submitter), jobs.Policy{
		MaxAttempts: 1,
	}); err != nil {
		return err
	}
	if deps.Messenger != nil {
		if err := registry.Register(TypeSendMessage, SendMessageHandler(deps.Messenger), jobs.Policy{
			MaxAttempts: 5,
			BackoffBase: 5 * time.Second,
			BackoffCap:  10 * time.Minute,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ProcessMessageHandler marks the referenced message as processed. The
// processed stamp is conditional on the message being unprocessed, so
// redelivered executions of the same job are no-ops.
func ProcessMessageHandler(st store.Store) jobs.Handler {
	return func(ctx context.Context, exec *jobs.Execution) error {
		var payload ProcessMessagePayload
		if err := json.Unmarshal(exec.Payload, &payload); err != nil {
			return jobs.Permanentf("invalid payload: %v", err)
		}
		if payload.MessageID == "" {
			return jobs.Permanent(fmt.Errorf("message_id is required"))
		}

		msg, err := st.GetMessage(payload.MessageID)
		if err != nil {
			return jobs.Transientf("failed to load message %s: %v", payload.MessageID, err)
		}
		if msg == nil {
			return jobs.Permanentf("message %s not found", payload.MessageID)
		}

		stamped, err := st.MarkMessageProcessed(payload.MessageID, exec.JobID, time.Now())
		if err != nil {
			return jobs.Transientf("failed to stamp message %s: %v", payload.MessageID, err)
		}
		if !stamped {
			slog.Debug("ProcessMessageHandler: message already processed", "messageID", payload.MessageID, "jobID", exec.JobID)
		}

		result, err := json.Marshal(ProcessMessageResult{
			MessageID:     msg.ID,
			ContentLength: len(msg.Content),
			AlreadyDone:   !stamped,
		})
		if err != nil {
			return jobs.Permanentf("failed to encode result: %v", err)
		}
		exec.SetResult(result)
		return nil
	}
}

// HeartbeatHandler creates a system message and submits a process-message job
// for it. Fired by the periodic scheduler to prove the whole pipeline end to
// end.
func HeartbeatHandler(st store.Store, submitter Submitter) jobs.Handler {
	return func(ctx context.Context, exec *jobs.Execution) error {
		now := time.Now()
		msg := &models.Message{
			ID:        util.GenerateMessageID(),
			Content:   fmt.Sprintf("heartbeat at %s", now.UTC().Format(time.RFC3339)),
			CreatedAt: now,
		}
		if err := st.CreateMessage(msg); err != nil {
			return jobs.Transientf("failed to create heartbeat message: %v", err)
		}

		if submitter != nil {
			payload, err := json.Marshal(ProcessMessagePayload{MessageID: msg.ID})
			if err != nil {
				return jobs.Permanentf("failed to encode payload: %v", err)
			}
			if _, err := submitter.Submit(ctx, TypeProcessMessage, payload); err != nil {
				return jobs.Transientf("failed to submit processing job for %s: %v", msg.ID, err)
			}
		}

		slog.Info("HeartbeatHandler: heartbeat recorded", "messageID", msg.ID)
		exec.SetResult(json.RawMessage(fmt.Sprintf("{%q:%q}", "message_id", msg.ID)))
		return nil
	}
}

// SendMessageHandler delivers a message through the messaging service.
// Recipient validation failures are permanent; delivery failures are
// transient and retried with backoff.
func SendMessageHandler(svc messaging.Service) jobs.Handler {
	return func(ctx context.Context, exec *jobs.Execution) error {
		var payload SendMessagePayload
		if err := json.Unmarshal(exec.Payload, &payload); err != nil {
			return jobs.Permanentf("invalid payload: %v", err)
		}
		if payload.Body == "" {
			return jobs.Permanent(fmt.Errorf("body is required"))
		}

		to, err := svc.ValidateAndCanonicalizeRecipient(payload.To)
		if err != nil {
			return jobs.Permanentf("invalid recipient: %v", err)
		}
		if err := svc.SendMessage(ctx, to, payload.Body); err != nil {
			return jobs.Transientf("delivery failed: %v", err)
		}
		slog.Debug("SendMessageHandler: message delivered", "to", to, "jobID", exec.JobID)
		return nil
	}
}

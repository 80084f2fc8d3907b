// Package api provides HTTP handlers for TaskPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/tasks"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

func (s *Server) submitJobHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.submitJobHandler: processing submit request", "method", r.Method, "path", r.URL.Path)

	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.submitJobHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	jobID, err := s.submitter.Submit(r.Context(), req.Type, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrUnavailable):
			slog.Error("Server.submitJobHandler: queue unavailable", "type", req.Type, "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Job queue is unavailable"))
		case errors.Is(err, models.ErrUnknownJobType),
			errors.Is(err, models.ErrEmptyJobType),
			errors.Is(err, models.ErrPayloadTooLarge):
			slog.Warn("Server.submitJobHandler: validation failed", "type", req.Type, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.submitJobHandler: submission failed", "type", req.Type, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to submit job"))
		}
		return
	}

	slog.Info("Server.submitJobHandler: job submitted", "jobID", jobID, "type", req.Type)
	writeJSONResponse(w, http.StatusAccepted, models.Success(map[string]string{"id": jobID}))
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.st.GetJob(id)
	if err != nil {
		slog.Error("Server.getJobHandler: failed to load job", "jobID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load job"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}

func (s *Server) getJobLogHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.st.GetJob(id)
	if err != nil {
		slog.Error("Server.getJobLogHandler: failed to load job", "jobID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load job"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}

	entries, err := s.st.ListLogEntries(id)
	if err != nil {
		slog.Error("Server.getJobLogHandler: failed to load log", "jobID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load execution log"))
		return
	}
	if entries == nil {
		entries = []models.ExecutionLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) createMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createMessageHandler: processing create request", "method", r.Method, "path", r.URL.Path)

	var req models.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createMessageHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	msg := &models.Message{
		ID:        util.GenerateMessageID(),
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	if err := s.st.CreateMessage(msg); err != nil {
		slog.Error("Server.createMessageHandler: failed to save message", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save message"))
		return
	}

	payload, err := json.Marshal(tasks.ProcessMessagePayload{MessageID: msg.ID})
	if err != nil {
		slog.Error("Server.createMessageHandler: failed to encode job payload", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to queue message processing"))
		return
	}
	jobID, err := s.submitter.Submit(r.Context(), tasks.TypeProcessMessage, payload)
	if err != nil {
		// The message record is durable; only its processing is stalled.
		slog.Error("Server.createMessageHandler: failed to submit processing job", "messageID", msg.ID, "error", err)
		if errors.Is(err, queue.ErrUnavailable) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Message saved but job queue is unavailable"))
		} else {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Message saved but processing could not be queued"))
		}
		return
	}

	slog.Info("Server.createMessageHandler: message created", "messageID", msg.ID, "jobID", jobID)
	writeJSONResponse(w, http.StatusCreated, models.Success(map[string]interface{}{
		"message": msg,
		"job_id":  jobID,
	}))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = min(parsed, MaxListLimit)
	}

	messages, err := s.st.ListMessages(limit)
	if err != nil {
		slog.Error("Server.listMessagesHandler: failed to list messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := s.st.GetMessage(id)
	if err != nil {
		slog.Error("Server.getMessageHandler: failed to load message", "messageID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message"))
		return
	}
	if msg == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

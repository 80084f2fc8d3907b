// Package api provides HTTP handlers for TaskPipe endpoints.
//
// This file implements the health endpoints: liveness, readiness, and the
// comprehensive diagnostic report.
package api

import (
	"net/http"
)

// livenessHandler reports process liveness. Always 200 while the process can
// answer.
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.health.Liveness())
}

// readinessHandler probes critical dependencies; 503 when any fails.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	report := s.health.Readiness(r.Context())
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, report)
}

// healthHandler returns the comprehensive diagnostic report. Always 200: the
// verdict lives in the body's status field, and readiness is the gating
// endpoint for routing decisions.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.health.Health(r.Context()))
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/exparo/exparo/internal/identity"
	"github.com/exparo/exparo/internal/store"
	"github.com/exparo/exparo/internal/telemetry"
)

// handleGetVariant serves GET /experiments/{key}/variant: resolves the
// caller to a user and returns their (possibly newly created) variant.
func (s *Server) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())
	key := chi.URLParam(r, "key")

	exp, err := s.store.GetExperimentByKey(r.Context(), project.ID, key)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if exp.Status != store.StatusRunning {
		writeErrorResponse(w, r, http.StatusBadRequest,
			NewErrorResponse(http.StatusBadRequest, ErrCodeExperimentNotRunning, "experiment is not running").
				WithFields(map[string]string{"status": string(exp.Status)}))
		return
	}

	user, err := s.identity.Resolve(r.Context(), project.ID, identity.InputFromValues(r.URL.Query()))
	if err != nil {
		serviceError(w, r, err)
		return
	}

	a, err := s.experiments.Assign(r.Context(), exp, user)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if a.Created {
		telemetry.Distributions.Inc()
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

// handleListExperiments serves GET /experiments: the caller's variant
// for every running experiment of the project.
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())

	user, err := s.identity.Resolve(r.Context(), project.ID, identity.InputFromValues(r.URL.Query()))
	if err != nil {
		serviceError(w, r, err)
		return
	}

	assignments, err := s.experiments.AssignAll(r.Context(), project.ID, user)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		if a.Created {
			telemetry.Distributions.Inc()
		}
		out = append(out, toAssignmentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        summarizeUser(user),
		"experiments": out,
	})
}

type identifyRequest struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Email      string         `json:"email"`
	ExternalID string         `json:"external_id"`
	CurrentURL string         `json:"current_url"`
	OS         string         `json:"os"`
	OSVersion  string         `json:"os_version"`
	DeviceType string         `json:"device_type"`
	Properties map[string]any `json:"properties"`
}

// handleIdentify serves POST /users/identify.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())

	var req identifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := identity.Input{
		DeviceID:   req.DeviceID,
		Email:      req.Email,
		ExternalID: req.ExternalID,
		CurrentURL: req.CurrentURL,
		OS:         req.OS,
		OSVersion:  req.OSVersion,
		DeviceType: req.DeviceType,
		Properties: req.Properties,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			BadRequestError(w, r, ErrCodeBadRequest, "invalid id")
			return
		}
		in.UserID = id
	}

	user, err := s.identity.Resolve(r.Context(), project.ID, in)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeUser(user))
}

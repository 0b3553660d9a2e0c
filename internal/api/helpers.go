package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/exparo/exparo/internal/assign"
	"github.com/exparo/exparo/internal/experiment"
	"github.com/exparo/exparo/internal/identity"
	"github.com/exparo/exparo/internal/store"
	"github.com/exparo/exparo/internal/validation"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the request body into v, rejecting unknown fields
// and oversized bodies.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		BadRequestError(w, r, ErrCodeInvalidJSON, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// uuidParam parses a UUID path parameter.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		BadRequestError(w, r, ErrCodeBadRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// serviceError maps domain errors to structured responses.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *experiment.ErrInvalidInput
	var overflow *validation.RolloutOverflowError
	switch {
	case errors.Is(err, store.ErrNotFound):
		NotFoundError(w, r, "not found")
	case errors.Is(err, store.ErrDuplicate):
		BadRequestError(w, r, ErrCodeUniqueness, "a conflicting object already exists")
	case errors.Is(err, identity.ErrNoIdentifier):
		BadRequestError(w, r, ErrCodeNoIdentifier, "at least one identifier is required")
	case errors.Is(err, experiment.ErrExperimentNotRunning):
		BadRequestError(w, r, ErrCodeExperimentNotRunning, "experiment is not running")
	case errors.Is(err, experiment.ErrKindImmutable):
		BadRequestError(w, r, ErrCodeKindImmutable, "experiment kind cannot be changed")
	case errors.Is(err, assign.ErrNoVariants):
		// A running experiment with no variants is a configuration bug.
		writeErrorResponse(w, r, http.StatusInternalServerError,
			NewErrorResponse(http.StatusInternalServerError, ErrCodeNoVariants, "experiment has no variants"))
	case errors.Is(err, validation.ErrToggleConstraint):
		BadRequestError(w, r, ErrCodeToggleConstraint, "toggle experiments have exactly the variants 'enabled' and 'control'")
	case errors.As(err, &overflow):
		writeErrorResponse(w, r, http.StatusBadRequest,
			NewErrorResponse(http.StatusBadRequest, ErrCodeRolloutOverflow, overflow.Error()))
	case errors.As(err, &invalid):
		ValidationError(w, r, "validation failed", invalid.Result.Errors)
	default:
		InternalError(w, r, "internal error")
	}
}

// ===== Response shapes =====

type userSummary struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id,omitempty"`
	Email      string `json:"email,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

func summarizeUser(u store.User) userSummary {
	return userSummary{
		ID:         u.ID.String(),
		DeviceID:   u.DeviceID,
		Email:      u.Email,
		ExternalID: u.ExternalID,
	}
}

type variantResponse struct {
	ID      string         `json:"id"`
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
	Rollout float64        `json:"rollout"`
}

func toVariantResponse(v store.Variant) variantResponse {
	payload := v.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return variantResponse{ID: v.ID.String(), Key: v.Key, Payload: payload, Rollout: v.Rollout}
}

type experimentResponse struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	Kind        string            `json:"kind"`
	Variants    []variantResponse `json:"variants"`
}

func toExperimentResponse(e store.Experiment, variants []store.Variant) experimentResponse {
	out := experimentResponse{
		ID:          e.ID.String(),
		ProjectID:   e.ProjectID.String(),
		Key:         e.Key,
		Name:        e.Name,
		Description: e.Description,
		Status:      string(e.Status),
		Kind:        string(e.Kind),
		Variants:    make([]variantResponse, 0, len(variants)),
	}
	for _, v := range variants {
		out.Variants = append(out.Variants, toVariantResponse(v))
	}
	return out
}

type assignmentResponse struct {
	Experiment experimentSummary `json:"experiment"`
	Variant    variantResponse   `json:"variant"`
}

type experimentSummary struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

func toAssignmentResponse(a experiment.Assignment) assignmentResponse {
	return assignmentResponse{
		Experiment: experimentSummary{ID: a.Experiment.ID.String(), Key: a.Experiment.Key, Name: a.Experiment.Name},
		Variant:    toVariantResponse(a.Variant),
	}
}

type distributionResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
}

func toDistributionResponse(d store.Distribution) distributionResponse {
	return distributionResponse{
		ID:           d.ID.String(),
		UserID:       d.UserID.String(),
		ExperimentID: d.ExperimentID.String(),
		VariantID:    d.VariantID.String(),
	}
}

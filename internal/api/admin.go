package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/exparo/exparo/internal/auth"
	"github.com/exparo/exparo/internal/experiment"
	"github.com/exparo/exparo/internal/store"
)

// ===== Login =====

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"` // accepted as an alias for email
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := req.Email
	if email == "" {
		email = req.Username
	}
	if email == "" || req.Password == "" {
		BadRequestError(w, r, ErrCodeBadRequest, "email and password are required")
		return
	}

	admin, err := s.store.GetAdminUserByEmail(r.Context(), email)
	if err != nil || !auth.CheckPassword(admin.PasswordHash, req.Password) {
		UnauthorizedError(w, r, ErrCodeUnauthorized, "invalid credentials")
		return
	}
	token, err := s.tokens.Issue(admin.ID, admin.Email, admin.IsStaff)
	if err != nil {
		InternalError(w, r, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"user": map[string]any{
			"id":       admin.ID.String(),
			"email":    admin.Email,
			"is_staff": admin.IsStaff,
		},
	})
}

// ===== Ownership helpers =====

// ownedProject loads a project and verifies it belongs to the caller.
// Foreign objects are reported as not found, never as forbidden.
func (s *Server) ownedProject(r *http.Request, id uuid.UUID) (store.Project, error) {
	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		return store.Project{}, err
	}
	if p.OwnerID != claimsFrom(r.Context()).UserID() {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Server) ownedExperiment(r *http.Request, id uuid.UUID) (store.Experiment, error) {
	e, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		return store.Experiment{}, err
	}
	if _, err := s.ownedProject(r, e.ProjectID); err != nil {
		return store.Experiment{}, err
	}
	return e, nil
}

func (s *Server) ownedVariant(r *http.Request, id uuid.UUID) (store.Variant, error) {
	v, err := s.store.GetVariant(r.Context(), id)
	if err != nil {
		return store.Variant{}, err
	}
	if _, err := s.ownedExperiment(r, v.ExperimentID); err != nil {
		return store.Variant{}, err
	}
	return v, nil
}

func (s *Server) ownedUser(r *http.Request, id uuid.UUID) (store.User, error) {
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		return store.User{}, err
	}
	if _, err := s.ownedProject(r, u.ProjectID); err != nil {
		return store.User{}, err
	}
	return u, nil
}

// ===== Projects =====

type projectRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), claimsFrom(r.Context()).UserID())
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		ValidationError(w, r, "validation failed", map[string]string{"title": "Title is required"})
		return
	}
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		InternalError(w, r, "internal error")
		return
	}
	project, err := s.store.CreateProject(r.Context(), store.Project{
		OwnerID:     claimsFrom(r.Context()).UserID(),
		APIKey:      apiKey,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	project, err := s.ownedProject(r, id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	project, err := s.ownedProject(r, id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title != "" {
		project.Title = req.Title
	}
	project.Description = req.Description
	project, err = s.store.UpdateProject(r.Context(), project)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedProject(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	project, err := s.ownedProject(r, id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		InternalError(w, r, "internal error")
		return
	}
	project.APIKey = apiKey
	project, err = s.store.UpdateProject(r.Context(), project)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// ===== Experiments =====

type experimentCreateRequest struct {
	ProjectID   string `json:"project_id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

func (s *Server) handleListExperimentsAdmin(w http.ResponseWriter, r *http.Request) {
	filter := store.ExperimentFilter{OwnerID: claimsFrom(r.Context()).UserID()}
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequestError(w, r, ErrCodeBadRequest, "invalid project_id")
			return
		}
		filter.ProjectID = id
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = store.ExperimentStatus(raw)
	}
	experiments, err := s.store.ListExperiments(r.Context(), filter)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := make([]experimentResponse, 0, len(experiments))
	for _, e := range experiments {
		variants, err := s.store.ListVariants(r.Context(), e.ID)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		out = append(out, toExperimentResponse(e, variants))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req experimentCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		BadRequestError(w, r, ErrCodeBadRequest, "invalid project_id")
		return
	}
	if _, err := s.ownedProject(r, projectID); err != nil {
		serviceError(w, r, err)
		return
	}
	exp, variants, err := s.experiments.Create(r.Context(), experiment.CreateParams{
		ProjectID:   projectID,
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		Kind:        store.ExperimentKind(req.Kind),
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExperimentResponse(exp, variants))
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	exp, err := s.ownedExperiment(r, id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	variants, err := s.store.ListVariants(r.Context(), exp.ID)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExperimentResponse(exp, variants))
}

type experimentUpdateRequest struct {
	Key         *string `json:"key"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Kind        *string `json:"kind"`
}

func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedExperiment(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	var req experimentUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params := experiment.UpdateParams{
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
	}
	if req.Status != nil {
		status := store.ExperimentStatus(*req.Status)
		params.Status = &status
	}
	if req.Kind != nil {
		kind := store.ExperimentKind(*req.Kind)
		params.Kind = &kind
	}
	exp, err := s.experiments.Update(r.Context(), id, params)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	variants, err := s.store.ListVariants(r.Context(), exp.ID)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExperimentResponse(exp, variants))
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedExperiment(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	if err := s.store.DeleteExperiment(r.Context(), id); err != nil {
		serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statsResponse carries per-variant percentages keyed by variant key
// beside the detailed rows.
func statsResponse(stats experiment.Stats) map[string]any {
	pct := make(map[string]float64, len(stats.Variants))
	for _, v := range stats.Variants {
		pct[v.Key] = v.Percentage
	}
	out := map[string]any{
		"experiment":  stats.Experiment,
		"total_users": stats.Total,
		"variants":    stats.Variants,
		"stats":       pct,
	}
	if stats.Message != "" {
		out["message"] = stats.Message
	}
	return out
}

func (s *Server) handleExperimentStats(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedExperiment(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	stats, err := s.experiments.StatsFor(r.Context(), id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse(stats))
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedExperiment(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	changed, err := s.experiments.Recalculate(r.Context(), id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	stats, err := s.experiments.StatsFor(r.Context(), id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := statsResponse(stats)
	out["changed"] = changed
	out["message"] = fmt.Sprintf("Recalculated distributions: %d reassigned", changed)
	writeJSON(w, http.StatusOK, out)
}

type bulkUpdateRequest struct {
	Variants []struct {
		ID      string          `json:"id"`
		Key     *string         `json:"key"`
		Payload *map[string]any `json:"payload"`
		Rollout *float64        `json:"rollout"`
	} `json:"variants"`
}

func (s *Server) handleBulkUpdateVariants(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedExperiment(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	var req bulkUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Variants) == 0 {
		BadRequestError(w, r, ErrCodeBadRequest, "variants must not be empty")
		return
	}
	updates := make(map[uuid.UUID]experiment.VariantParams, len(req.Variants))
	for _, row := range req.Variants {
		vid, err := uuid.Parse(row.ID)
		if err != nil {
			BadRequestError(w, r, ErrCodeBadRequest, "invalid variant id")
			return
		}
		updates[vid] = experiment.VariantParams{Key: row.Key, Payload: row.Payload, Rollout: row.Rollout}
	}
	variants, err := s.experiments.BulkUpdateVariants(r.Context(), id, updates)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := make([]variantResponse, 0, len(variants))
	for _, v := range variants {
		out = append(out, toVariantResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": out})
}

// ===== Variants =====

type variantCreateRequest struct {
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
	Rollout float64        `json:"rollout"`
}

func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedExperiment(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	var req variantCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := s.experiments.AddVariant(r.Context(), id, req.Key, req.Payload, req.Rollout)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVariantResponse(v))
}

func (s *Server) handleGetVariantAdmin(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	v, err := s.ownedVariant(r, id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVariantResponse(v))
}

type variantUpdateRequest struct {
	Key     *string         `json:"key"`
	Payload *map[string]any `json:"payload"`
	Rollout *float64        `json:"rollout"`
}

func (s *Server) handleUpdateVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedVariant(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	var req variantUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := s.experiments.UpdateVariant(r.Context(), id, experiment.VariantParams{
		Key:     req.Key,
		Payload: req.Payload,
		Rollout: req.Rollout,
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVariantResponse(v))
}

func (s *Server) handleDeleteVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedVariant(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	if err := s.experiments.DeleteVariant(r.Context(), id); err != nil {
		serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ===== Users (read-only) =====

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.UserFilter{
		OwnerID:    claimsFrom(r.Context()).UserID(),
		DeviceID:   q.Get("device_id"),
		Email:      q.Get("email"),
		ExternalID: q.Get("external_id"),
	}
	if raw := q.Get("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequestError(w, r, ErrCodeBadRequest, "invalid project_id")
			return
		}
		filter.ProjectID = id
	}
	users, err := s.store.ListUsers(r.Context(), filter)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	u, err := s.ownedUser(r, id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUserDistributions(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := s.ownedUser(r, id); err != nil {
		serviceError(w, r, err)
		return
	}
	dists, err := s.store.ListDistributions(r.Context(), store.DistributionFilter{UserID: id})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := make([]distributionResponse, 0, len(dists))
	for _, d := range dists {
		out = append(out, toDistributionResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// ===== Distributions (read-only) =====

func (s *Server) handleListDistributions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DistributionFilter{OwnerID: claimsFrom(r.Context()).UserID()}
	for name, dst := range map[string]*uuid.UUID{
		"experiment_id": &filter.ExperimentID,
		"user_id":       &filter.UserID,
		"variant_id":    &filter.VariantID,
	} {
		if raw := q.Get(name); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				BadRequestError(w, r, ErrCodeBadRequest, "invalid "+name)
				return
			}
			*dst = id
		}
	}
	dists, err := s.store.ListDistributions(r.Context(), filter)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := make([]distributionResponse, 0, len(dists))
	for _, d := range dists {
		out = append(out, toDistributionResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// Package experiment implements assignment, lifecycle and variant
// management for experiments: get-or-create distributions, the
// recalculation sweep, rollout and toggle rules, and per-variant stats.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exparo/exparo/internal/assign"
	"github.com/exparo/exparo/internal/pubsub"
	"github.com/exparo/exparo/internal/store"
	"github.com/exparo/exparo/internal/validation"
)

// ErrExperimentNotRunning is returned when an assignment is requested
// for an experiment that is not in the running state.
var ErrExperimentNotRunning = errors.New("experiment is not running")

// ErrKindImmutable is returned for updates that attempt to change an
// experiment's kind after creation.
var ErrKindImmutable = errors.New("experiment kind cannot be changed")

// ErrInvalidInput wraps field-level validation failures.
type ErrInvalidInput struct {
	Result *validation.ValidationResult
}

func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Result.Errors)
}

// Assignment is the outcome of resolving a user's variant for one
// experiment.
type Assignment struct {
	Experiment store.Experiment
	Variant    store.Variant
	Created    bool
}

// VariantStat is the per-variant row of experiment stats.
type VariantStat struct {
	ID         uuid.UUID `json:"id"`
	Key        string    `json:"key"`
	Rollout    float64   `json:"rollout"`
	Count      int       `json:"count"`
	Percentage float64   `json:"percentage"`
}

// Stats summarizes the distribution counts of an experiment.
type Stats struct {
	Experiment pubsub.ExperimentSummary `json:"experiment"`
	Total      int                      `json:"total_users"`
	Variants   []VariantStat            `json:"variants"`
	Message    string                   `json:"message,omitempty"`
}

// Service implements experiment operations on top of a Store, publishing
// change events to the hub after each transaction commits.
type Service struct {
	store store.Store
	hub   *pubsub.Hub
	log   zerolog.Logger
}

// NewService creates an experiment service.
func NewService(s store.Store, hub *pubsub.Hub, log zerolog.Logger) *Service {
	return &Service{store: s, hub: hub, log: log.With().Str("component", "experiment").Logger()}
}

// Assign returns the user's variant for the experiment, creating the
// distribution if none exists. A concurrent create losing the
// uniqueness race re-reads the winning row, so both callers observe the
// same variant. The distribution_update event is published only when a
// new distribution was created, and only after commit.
func (s *Service) Assign(ctx context.Context, exp store.Experiment, user store.User) (Assignment, error) {
	if exp.Status != store.StatusRunning {
		return Assignment{}, ErrExperimentNotRunning
	}

	var (
		out    Assignment
		events []pubsub.Event
	)
	err := s.store.Transact(ctx, func(tx store.Store) error {
		if dist, err := tx.GetDistribution(ctx, user.ID, exp.ID); err == nil {
			v, err := tx.GetVariant(ctx, dist.VariantID)
			if err != nil {
				return fmt.Errorf("load assigned variant: %w", err)
			}
			out = Assignment{Experiment: exp, Variant: v}
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get distribution: %w", err)
		}

		variants, err := tx.ListVariants(ctx, exp.ID)
		if err != nil {
			return fmt.Errorf("list variants: %w", err)
		}
		chosen, err := assign.ChooseVariant(variants, user.ID.String(), exp.ID.String())
		if err != nil {
			return err
		}

		_, err = tx.CreateDistribution(ctx, store.Distribution{
			UserID:       user.ID,
			ExperimentID: exp.ID,
			VariantID:    chosen.ID,
		})
		switch {
		case err == nil:
			out = Assignment{Experiment: exp, Variant: chosen, Created: true}
			events = append(events, pubsub.NewDistributionUpdate(pubsub.UserGroup(user.ID), exp, chosen))
			return nil
		case errors.Is(err, store.ErrDuplicate):
			// Lost the race; the winner's row is authoritative.
			dist, err := tx.GetDistribution(ctx, user.ID, exp.ID)
			if err != nil {
				return fmt.Errorf("re-read distribution: %w", err)
			}
			v, err := tx.GetVariant(ctx, dist.VariantID)
			if err != nil {
				return fmt.Errorf("load winning variant: %w", err)
			}
			out = Assignment{Experiment: exp, Variant: v}
			return nil
		default:
			return fmt.Errorf("create distribution: %w", err)
		}
	})
	if err != nil {
		return Assignment{}, err
	}
	s.hub.PublishAll(events)
	return out, nil
}

// AssignByKey resolves the experiment by project-scoped key, then assigns.
func (s *Service) AssignByKey(ctx context.Context, projectID uuid.UUID, key string, user store.User) (Assignment, error) {
	exp, err := s.store.GetExperimentByKey(ctx, projectID, key)
	if err != nil {
		return Assignment{}, err
	}
	return s.Assign(ctx, exp, user)
}

// AssignAll assigns the user to every running experiment of the project.
func (s *Service) AssignAll(ctx context.Context, projectID uuid.UUID, user store.User) ([]Assignment, error) {
	running, err := s.store.ListExperiments(ctx, store.ExperimentFilter{
		ProjectID: projectID,
		Status:    store.StatusRunning,
	})
	if err != nil {
		return nil, fmt.Errorf("list running experiments: %w", err)
	}
	out := make([]Assignment, 0, len(running))
	for _, exp := range running {
		a, err := s.Assign(ctx, exp, user)
		if err != nil {
			if errors.Is(err, assign.ErrNoVariants) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// CreateParams are the inputs for creating an experiment.
type CreateParams struct {
	ProjectID   uuid.UUID
	Key         string
	Name        string
	Description string
	Kind        store.ExperimentKind
}

// Create validates and creates an experiment in the draft state. Toggle
// experiments are seeded with their fixed variant pair, enabled and
// control, each at rollout 0.5 with an empty payload.
func (s *Service) Create(ctx context.Context, p CreateParams) (store.Experiment, []store.Variant, error) {
	result := validation.ValidateKey(p.Key)
	result.Merge(validation.ValidateName(p.Name))
	result.Merge(validation.ValidateDescription(p.Description))
	if !result.Valid {
		return store.Experiment{}, nil, &ErrInvalidInput{Result: result}
	}
	if p.Kind == "" {
		p.Kind = store.KindMulti
	}
	if !store.ValidKind(p.Kind) {
		result.AddError("kind", "Kind must be 'toggle' or 'multi'")
		return store.Experiment{}, nil, &ErrInvalidInput{Result: result}
	}

	var (
		exp      store.Experiment
		variants []store.Variant
	)
	err := s.store.Transact(ctx, func(tx store.Store) error {
		var err error
		exp, err = tx.CreateExperiment(ctx, store.Experiment{
			ProjectID:   p.ProjectID,
			Key:         p.Key,
			Name:        p.Name,
			Description: p.Description,
			Status:      store.StatusDraft,
			Kind:        p.Kind,
		})
		if err != nil {
			return err
		}
		if p.Kind != store.KindToggle {
			return nil
		}
		for _, key := range []string{validation.ToggleEnabledKey, validation.ToggleControlKey} {
			v, err := tx.CreateVariant(ctx, store.Variant{
				ExperimentID: exp.ID,
				Key:          key,
				Payload:      map[string]any{},
				Rollout:      0.5,
			})
			if err != nil {
				return fmt.Errorf("seed toggle variant %s: %w", key, err)
			}
			variants = append(variants, v)
		}
		return nil
	})
	if err != nil {
		return store.Experiment{}, nil, err
	}
	s.log.Info().Str("experiment_id", exp.ID.String()).Str("kind", string(exp.Kind)).Msg("created experiment")
	return exp, variants, nil
}

// UpdateParams are the inputs for updating an experiment. Nil fields are
// left unchanged. Kind is immutable and rejected when it differs.
type UpdateParams struct {
	Key         *string
	Name        *string
	Description *string
	Status      *store.ExperimentStatus
	Kind        *store.ExperimentKind
}

// Update applies a partial update to an experiment.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (store.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return store.Experiment{}, err
	}
	if p.Kind != nil && *p.Kind != exp.Kind {
		return store.Experiment{}, ErrKindImmutable
	}

	result := validation.NewValidationResult()
	if p.Key != nil {
		result.Merge(validation.ValidateKey(*p.Key))
		exp.Key = *p.Key
	}
	if p.Name != nil {
		result.Merge(validation.ValidateName(*p.Name))
		exp.Name = *p.Name
	}
	if p.Description != nil {
		result.Merge(validation.ValidateDescription(*p.Description))
		exp.Description = *p.Description
	}
	if p.Status != nil {
		if !store.ValidStatus(*p.Status) {
			result.AddError("status", "Status must be 'draft', 'running' or 'completed'")
		}
		exp.Status = *p.Status
	}
	if !result.Valid {
		return store.Experiment{}, &ErrInvalidInput{Result: result}
	}
	return s.store.UpdateExperiment(ctx, exp)
}

// AddVariant creates a variant on a multi experiment. Toggle experiments
// have a fixed variant pair, so adding always fails for them.
func (s *Service) AddVariant(ctx context.Context, experimentID uuid.UUID, key string, payload map[string]any, rollout float64) (store.Variant, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return store.Variant{}, err
	}
	if exp.Kind == store.KindToggle {
		return store.Variant{}, validation.ErrToggleConstraint
	}

	result := validation.ValidateKey(key)
	result.Merge(validation.ValidateRolloutRange(rollout))
	if !result.Valid {
		return store.Variant{}, &ErrInvalidInput{Result: result}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	var (
		created store.Variant
		events  []pubsub.Event
	)
	err = s.store.Transact(ctx, func(tx store.Store) error {
		siblings, err := tx.ListVariants(ctx, experimentID)
		if err != nil {
			return err
		}
		if err := validation.ValidateRolloutSum(siblings, uuid.Nil, rollout); err != nil {
			return err
		}
		created, err = tx.CreateVariant(ctx, store.Variant{
			ExperimentID: experimentID,
			Key:          key,
			Payload:      payload,
			Rollout:      rollout,
		})
		if err != nil {
			return err
		}
		events, err = s.afterVariantChange(ctx, tx, exp, created)
		return err
	})
	if err != nil {
		return store.Variant{}, err
	}
	s.hub.PublishAll(events)
	return created, nil
}

// VariantParams are the inputs for updating a variant. Nil fields are
// left unchanged.
type VariantParams struct {
	Key     *string
	Payload *map[string]any
	Rollout *float64
}

// UpdateVariant applies a partial update to a variant. Rollout changes
// trigger a recalculation sweep within the same transaction.
func (s *Service) UpdateVariant(ctx context.Context, variantID uuid.UUID, p VariantParams) (store.Variant, error) {
	var (
		updated store.Variant
		events  []pubsub.Event
	)
	err := s.store.Transact(ctx, func(tx store.Store) error {
		v, err := tx.GetVariant(ctx, variantID)
		if err != nil {
			return err
		}
		exp, err := tx.GetExperiment(ctx, v.ExperimentID)
		if err != nil {
			return err
		}

		result := validation.NewValidationResult()
		rolloutChanged := false
		if p.Key != nil {
			if exp.Kind == store.KindToggle {
				if err := validation.ValidateToggleRename(v.Key, *p.Key); err != nil {
					return err
				}
			}
			result.Merge(validation.ValidateKey(*p.Key))
			v.Key = *p.Key
		}
		if p.Payload != nil {
			v.Payload = *p.Payload
		}
		if p.Rollout != nil {
			result.Merge(validation.ValidateRolloutRange(*p.Rollout))
			rolloutChanged = *p.Rollout != v.Rollout
			v.Rollout = *p.Rollout
		}
		if !result.Valid {
			return &ErrInvalidInput{Result: result}
		}

		if p.Rollout != nil {
			siblings, err := tx.ListVariants(ctx, exp.ID)
			if err != nil {
				return err
			}
			if err := validation.ValidateRolloutSum(siblings, v.ID, v.Rollout); err != nil {
				return err
			}
		}

		updated, err = tx.UpdateVariant(ctx, v)
		if err != nil {
			return err
		}
		if rolloutChanged {
			events, err = s.afterVariantChange(ctx, tx, exp, updated)
		} else if exp.Status == store.StatusRunning {
			events = append(events, pubsub.NewExperimentUpdate(exp, updated))
		}
		return err
	})
	if err != nil {
		return store.Variant{}, err
	}
	s.hub.PublishAll(events)
	return updated, nil
}

// DeleteVariant removes a variant and reassigns its users over the
// remaining variants. Toggle variants cannot be deleted.
func (s *Service) DeleteVariant(ctx context.Context, variantID uuid.UUID) error {
	var events []pubsub.Event
	err := s.store.Transact(ctx, func(tx store.Store) error {
		v, err := tx.GetVariant(ctx, variantID)
		if err != nil {
			return err
		}
		exp, err := tx.GetExperiment(ctx, v.ExperimentID)
		if err != nil {
			return err
		}
		if exp.Kind == store.KindToggle {
			return validation.ValidateToggleDelete()
		}
		if err := tx.DeleteVariant(ctx, variantID); err != nil {
			return err
		}
		events, err = s.afterVariantChange(ctx, tx, exp, v)
		return err
	})
	if err != nil {
		return err
	}
	s.hub.PublishAll(events)
	return nil
}

// BulkUpdateVariants applies a batch of variant edits atomically. Each
// row may change the key, payload and rollout of one variant. Rollouts
// are validated as a whole against the sum-of-rollouts invariant, so
// rebalances like swapping 0.8/0.2 to 0.2/0.8 pass even though an
// intermediate state would overflow. Rollout changes trigger the
// recalculation sweep for running experiments only.
func (s *Service) BulkUpdateVariants(ctx context.Context, experimentID uuid.UUID, updates map[uuid.UUID]VariantParams) ([]store.Variant, error) {
	result := validation.NewValidationResult()
	for _, p := range updates {
		if p.Key != nil {
			result.Merge(validation.ValidateKey(*p.Key))
		}
		if p.Rollout != nil {
			result.Merge(validation.ValidateRolloutRange(*p.Rollout))
		}
	}
	if !result.Valid {
		return nil, &ErrInvalidInput{Result: result}
	}

	var (
		out    []store.Variant
		events []pubsub.Event
	)
	err := s.store.Transact(ctx, func(tx store.Store) error {
		exp, err := tx.GetExperiment(ctx, experimentID)
		if err != nil {
			return err
		}
		siblings, err := tx.ListVariants(ctx, experimentID)
		if err != nil {
			return err
		}
		known := make(map[uuid.UUID]struct{}, len(siblings))
		for _, v := range siblings {
			known[v.ID] = struct{}{}
		}
		rollouts := make(map[uuid.UUID]float64)
		for id, p := range updates {
			if _, ok := known[id]; !ok {
				return store.ErrNotFound
			}
			if p.Rollout != nil {
				rollouts[id] = *p.Rollout
			}
		}
		if err := validation.ValidateBulkRollout(siblings, rollouts); err != nil {
			return err
		}

		rolloutChanged := false
		for _, v := range siblings {
			p, ok := updates[v.ID]
			if !ok {
				out = append(out, v)
				continue
			}
			modified := false
			if p.Key != nil && *p.Key != v.Key {
				if exp.Kind == store.KindToggle {
					if err := validation.ValidateToggleRename(v.Key, *p.Key); err != nil {
						return err
					}
				}
				v.Key = *p.Key
				modified = true
			}
			if p.Payload != nil {
				v.Payload = *p.Payload
				modified = true
			}
			if p.Rollout != nil && *p.Rollout != v.Rollout {
				v.Rollout = *p.Rollout
				modified = true
				rolloutChanged = true
			}
			if modified {
				v, err = tx.UpdateVariant(ctx, v)
				if err != nil {
					return err
				}
				if exp.Status == store.StatusRunning {
					events = append(events, pubsub.NewExperimentUpdate(exp, v))
				}
			}
			out = append(out, v)
		}
		if rolloutChanged && exp.Status == store.StatusRunning {
			recalcEvents, _, err := s.recalc(ctx, tx, exp)
			if err != nil {
				return err
			}
			events = append(events, recalcEvents...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.PublishAll(events)
	return out, nil
}

// Recalculate sweeps every distribution of the experiment, recomputes
// the deterministic assignment against the current variant set, and
// rewrites rows whose variant changed. It returns the number of changed
// rows. Running it twice in a row changes nothing the second time.
func (s *Service) Recalculate(ctx context.Context, experimentID uuid.UUID) (int, error) {
	var (
		changed int
		events  []pubsub.Event
	)
	err := s.store.Transact(ctx, func(tx store.Store) error {
		exp, err := tx.GetExperiment(ctx, experimentID)
		if err != nil {
			return err
		}
		events, changed, err = s.recalc(ctx, tx, exp)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.hub.PublishAll(events)
	return changed, nil
}

// recalc is the sweep body, run inside a caller-held transaction. Events
// are returned for post-commit publication and only produced for running
// experiments.
func (s *Service) recalc(ctx context.Context, tx store.Store, exp store.Experiment) ([]pubsub.Event, int, error) {
	variants, err := tx.ListVariants(ctx, exp.ID)
	if err != nil {
		return nil, 0, err
	}
	dists, err := tx.ListDistributions(ctx, store.DistributionFilter{ExperimentID: exp.ID})
	if err != nil {
		return nil, 0, err
	}

	var events []pubsub.Event
	changed := 0
	for _, dist := range dists {
		chosen, err := assign.ChooseVariant(variants, dist.UserID.String(), exp.ID.String())
		if err != nil {
			return nil, 0, err
		}
		if chosen.ID == dist.VariantID {
			continue
		}
		if _, err := tx.UpdateDistributionVariant(ctx, dist.ID, chosen.ID); err != nil {
			return nil, 0, err
		}
		changed++
		if exp.Status == store.StatusRunning {
			events = append(events, pubsub.NewDistributionUpdate(pubsub.UserGroup(dist.UserID), exp, chosen))
		}
	}
	if changed > 0 {
		s.log.Info().
			Str("experiment_id", exp.ID.String()).
			Int("changed", changed).
			Msg("recalculated distributions")
	}
	return events, changed, nil
}

// afterVariantChange runs the recalculation sweep and builds the
// experiment_update event for a variant mutation. Only running
// experiments are swept; draft and completed experiments keep their
// recorded distributions untouched.
func (s *Service) afterVariantChange(ctx context.Context, tx store.Store, exp store.Experiment, v store.Variant) ([]pubsub.Event, error) {
	if exp.Status != store.StatusRunning {
		return nil, nil
	}
	events := []pubsub.Event{pubsub.NewExperimentUpdate(exp, v)}
	recalcEvents, _, err := s.recalc(ctx, tx, exp)
	if err != nil {
		return nil, err
	}
	return append(events, recalcEvents...), nil
}

// StatsFor computes the distribution counts of an experiment, with each
// variant's share rounded to two decimal places.
func (s *Service) StatsFor(ctx context.Context, experimentID uuid.UUID) (Stats, error) {
	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return Stats{}, err
	}
	variants, err := s.store.ListVariants(ctx, experimentID)
	if err != nil {
		return Stats{}, err
	}
	counts, err := s.store.CountDistributionsByVariant(ctx, experimentID)
	if err != nil {
		return Stats{}, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	out := Stats{
		Experiment: pubsub.SummarizeExperiment(exp),
		Total:      total,
		Variants:   make([]VariantStat, 0, len(variants)),
	}
	for _, v := range variants {
		stat := VariantStat{ID: v.ID, Key: v.Key, Rollout: v.Rollout, Count: counts[v.ID]}
		if total > 0 {
			stat.Percentage = math.Round(float64(stat.Count)/float64(total)*10000) / 100
		}
		out.Variants = append(out.Variants, stat)
	}
	if total == 0 {
		out.Message = "No users have been assigned to this experiment yet"
	}
	return out, nil
}

// Package store defines the persistence model for projects, experiments,
// variants, project users and distributions, along with the Store interface
// implemented by the memory and postgres backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write violates a uniqueness constraint,
// such as two users sharing a device_id within one project or a second
// distribution for the same (user, experiment) pair.
var ErrDuplicate = errors.New("duplicate")

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusCompleted ExperimentStatus = "completed"
)

// ValidStatus reports whether s is a known experiment status.
func ValidStatus(s ExperimentStatus) bool {
	switch s {
	case StatusDraft, StatusRunning, StatusCompleted:
		return true
	}
	return false
}

// ExperimentKind distinguishes free-form multi-variant experiments from
// two-variant toggles.
type ExperimentKind string

const (
	KindToggle ExperimentKind = "toggle"
	KindMulti  ExperimentKind = "multi"
)

// ValidKind reports whether k is a known experiment kind.
func ValidKind(k ExperimentKind) bool {
	return k == KindToggle || k == KindMulti
}

// Project owns experiments and users. The api_key authenticates the
// client-library surface; the owner is the admin user who created it.
type Project struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	APIKey      string    `json:"api_key"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Experiment groups variants and distributions under a project-unique key.
// Kind is immutable after creation.
type Experiment struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"project_id"`
	Key         string           `json:"key"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Status      ExperimentStatus `json:"status"`
	Kind        ExperimentKind   `json:"kind"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Variant is one arm of an experiment. Rollout is the variant's share of
// the experiment population in [0, 1].
type Variant struct {
	ID           uuid.UUID      `json:"id"`
	ExperimentID uuid.UUID      `json:"experiment_id"`
	Key          string         `json:"key"`
	Payload      map[string]any `json:"payload"`
	Rollout      float64        `json:"rollout"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// User is a project-scoped subject. Empty identifier fields mean unset;
// every non-empty identifier is unique within its project.
type User struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"project_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`

	LatestURL        string `json:"latest_current_url,omitempty"`
	LatestOS         string `json:"latest_os,omitempty"`
	LatestOSVersion  string `json:"latest_os_version,omitempty"`
	LatestDeviceType string `json:"latest_device_type,omitempty"`

	Properties map[string]any `json:"properties"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

// HasIdentifier reports whether at least one identifier field is set.
func (u User) HasIdentifier() bool {
	return u.DeviceID != "" || u.Email != "" || u.ExternalID != ""
}

// Distribution materializes the assignment of one user to one variant of
// one experiment. Unique per (user, experiment).
type Distribution struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	ExperimentID uuid.UUID `json:"experiment_id"`
	VariantID    uuid.UUID `json:"variant_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdminUser is the authenticated principal behind the admin surface.
type AdminUser struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsStaff      bool      `json:"is_staff"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserQuery carries the identifier disjuncts for FindUsers. Empty fields
// do not contribute to the query.
type UserQuery struct {
	ID         uuid.UUID // zero value means unset
	DeviceID   string
	Email      string
	ExternalID string
}

// Empty reports whether the query carries no identifier at all.
func (q UserQuery) Empty() bool {
	return q.ID == uuid.Nil && q.DeviceID == "" && q.Email == "" && q.ExternalID == ""
}

// ExperimentFilter narrows ListExperiments. Zero-value fields are ignored.
type ExperimentFilter struct {
	ProjectID uuid.UUID
	OwnerID   uuid.UUID
	Status    ExperimentStatus
}

// UserFilter narrows ListUsers. Zero-value fields are ignored.
type UserFilter struct {
	ProjectID  uuid.UUID
	OwnerID    uuid.UUID
	DeviceID   string
	Email      string
	ExternalID string
}

// DistributionFilter narrows ListDistributions. Zero-value fields are ignored.
type DistributionFilter struct {
	ExperimentID uuid.UUID
	UserID       uuid.UUID
	VariantID    uuid.UUID
	OwnerID      uuid.UUID
}

// Store is the persistence interface. Implementations must be safe for
// concurrent use. Methods returning a single row return ErrNotFound when
// the row does not exist; writes violating uniqueness return ErrDuplicate.
type Store interface {
	// Transact runs fn atomically. For the postgres store this is a
	// database transaction; the memory store serializes transactions and
	// restores its state when fn returns an error. fn receives a Store
	// bound to the transaction.
	Transact(ctx context.Context, fn func(Store) error) error

	// Admin users.
	CreateAdminUser(ctx context.Context, u AdminUser) (AdminUser, error)
	GetAdminUserByEmail(ctx context.Context, email string) (AdminUser, error)

	// Projects. DeleteProject cascades experiments, variants, users and
	// distributions.
	CreateProject(ctx context.Context, p Project) (Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (Project, error)
	GetProjectByAPIKey(ctx context.Context, apiKey string) (Project, error)
	ListProjects(ctx context.Context, ownerID uuid.UUID) ([]Project, error)
	UpdateProject(ctx context.Context, p Project) (Project, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error

	// Experiments. Key is unique within a project.
	CreateExperiment(ctx context.Context, e Experiment) (Experiment, error)
	GetExperiment(ctx context.Context, id uuid.UUID) (Experiment, error)
	GetExperimentByKey(ctx context.Context, projectID uuid.UUID, key string) (Experiment, error)
	ListExperiments(ctx context.Context, f ExperimentFilter) ([]Experiment, error)
	UpdateExperiment(ctx context.Context, e Experiment) (Experiment, error)
	DeleteExperiment(ctx context.Context, id uuid.UUID) error

	// Variants. ListVariants returns variants in stable id order; the
	// selector depends on that ordering being identical everywhere.
	CreateVariant(ctx context.Context, v Variant) (Variant, error)
	GetVariant(ctx context.Context, id uuid.UUID) (Variant, error)
	ListVariants(ctx context.Context, experimentID uuid.UUID) ([]Variant, error)
	UpdateVariant(ctx context.Context, v Variant) (Variant, error)
	DeleteVariant(ctx context.Context, id uuid.UUID) error

	// Project users. FindUsers ORs the non-empty fields of q within the
	// project and, inside a transaction, holds a write intent on the
	// matched rows. DeleteUser cascades the user's distributions.
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	FindUsers(ctx context.Context, projectID uuid.UUID, q UserQuery) ([]User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]User, error)
	UpdateUser(ctx context.Context, u User) (User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// Distributions. CreateDistribution returns ErrDuplicate when the
	// (user, experiment) pair is already assigned; the caller re-reads
	// the winning row.
	CreateDistribution(ctx context.Context, d Distribution) (Distribution, error)
	GetDistribution(ctx context.Context, userID, experimentID uuid.UUID) (Distribution, error)
	ListDistributions(ctx context.Context, f DistributionFilter) ([]Distribution, error)
	UpdateDistributionVariant(ctx context.Context, id, variantID uuid.UUID) (Distribution, error)
	CountDistributionsByVariant(ctx context.Context, experimentID uuid.UUID) (map[uuid.UUID]int, error)

	// Close releases any resources held by the store.
	Close() error
}

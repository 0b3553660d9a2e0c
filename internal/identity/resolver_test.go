package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exparo/exparo/internal/store"
)

func newFixture(t *testing.T) (*Resolver, *store.MemoryStore, uuid.UUID) {
	t.Helper()
	s := store.NewMemoryStore()
	project, err := s.CreateProject(context.Background(), store.Project{
		OwnerID: uuid.New(),
		APIKey:  "test-key",
		Title:   "Test",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return NewResolver(s, zerolog.Nop()), s, project.ID
}

func TestResolve_NoIdentifier(t *testing.T) {
	r, _, projectID := newFixture(t)
	_, err := r.Resolve(context.Background(), projectID, Input{OS: "linux"})
	if !errors.Is(err, ErrNoIdentifier) {
		t.Fatalf("got %v, want ErrNoIdentifier", err)
	}
}

func TestResolve_CreatesUnknownUser(t *testing.T) {
	r, _, projectID := newFixture(t)
	u, err := r.Resolve(context.Background(), projectID, Input{
		DeviceID:   "dev-1",
		OS:         "ios",
		Properties: map[string]any{"plan": "free"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.ID == uuid.Nil {
		t.Error("user id not assigned")
	}
	if u.DeviceID != "dev-1" || u.LatestOS != "ios" {
		t.Errorf("profile not applied: %+v", u)
	}
	if u.Properties["plan"] != "free" {
		t.Errorf("properties not applied: %v", u.Properties)
	}
}

func TestResolve_EnrichesSingleMatch(t *testing.T) {
	r, _, projectID := newFixture(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, projectID, Input{
		DeviceID:   "dev-1",
		Properties: map[string]any{"plan": "free", "theme": "dark"},
	})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	second, err := r.Resolve(ctx, projectID, Input{
		DeviceID:   "dev-1",
		Email:      "a@example.com",
		OS:         "android",
		Properties: map[string]any{"plan": "pro"},
	})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("resolved different user: %s vs %s", second.ID, first.ID)
	}
	if second.Email != "a@example.com" {
		t.Error("unset email was not filled")
	}
	if second.LatestOS != "android" {
		t.Error("metadata not overwritten")
	}
	// Incoming properties win; untouched keys survive.
	if second.Properties["plan"] != "pro" || second.Properties["theme"] != "dark" {
		t.Errorf("property merge wrong: %v", second.Properties)
	}
}

func TestResolve_EnrichDoesNotOverwriteIdentifiers(t *testing.T) {
	r, _, projectID := newFixture(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, projectID, Input{DeviceID: "dev-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// Match by id with a conflicting email; the stored email stays.
	second, err := r.Resolve(ctx, projectID, Input{UserID: first.ID, Email: "other@example.com"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Email != "a@example.com" {
		t.Errorf("email overwritten to %q", second.Email)
	}
}

func TestResolve_MergesMultipleMatches(t *testing.T) {
	r, s, projectID := newFixture(t)
	ctx := context.Background()

	// Two users created independently, later discovered to be the same
	// person via one request carrying both identifiers.
	older, err := s.CreateUser(ctx, store.User{
		ProjectID:  projectID,
		DeviceID:   "dev-1",
		FirstSeen:  time.Now().Add(-time.Hour).UTC(),
		Properties: map[string]any{"plan": "pro", "source": "ios"},
	})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	newer, err := s.CreateUser(ctx, store.User{
		ProjectID:  projectID,
		Email:      "a@example.com",
		ExternalID: "crm-9",
		Properties: map[string]any{"plan": "free", "referrer": "ad"},
	})
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}

	merged, err := r.Resolve(ctx, projectID, Input{DeviceID: "dev-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if merged.ID != older.ID {
		t.Fatalf("primary should be the oldest user, got %s", merged.ID)
	}
	if merged.Email != "a@example.com" || merged.ExternalID != "crm-9" {
		t.Errorf("identifiers not absorbed: %+v", merged)
	}
	// Primary wins conflicts, absorbs the rest.
	if merged.Properties["plan"] != "pro" {
		t.Errorf("primary property lost: %v", merged.Properties)
	}
	if merged.Properties["referrer"] != "ad" || merged.Properties["source"] != "ios" {
		t.Errorf("properties not merged: %v", merged.Properties)
	}

	if _, err := s.GetUser(ctx, newer.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("merged user still exists: %v", err)
	}
}

func TestResolve_MergeAbsorbsMetadata(t *testing.T) {
	r, s, projectID := newFixture(t)
	ctx := context.Background()

	older, err := s.CreateUser(ctx, store.User{
		ProjectID: projectID,
		DeviceID:  "dev-1",
		FirstSeen: time.Now().Add(-time.Hour).UTC(),
	})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	if _, err := s.CreateUser(ctx, store.User{
		ProjectID:        projectID,
		Email:            "a@example.com",
		LatestOS:         "ios",
		LatestOSVersion:  "17.2",
		LatestDeviceType: "phone",
	}); err != nil {
		t.Fatalf("create newer: %v", err)
	}

	merged, err := r.Resolve(ctx, projectID, Input{DeviceID: "dev-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if merged.ID != older.ID {
		t.Fatalf("primary should be the oldest user, got %s", merged.ID)
	}
	if merged.LatestOS != "ios" || merged.LatestOSVersion != "17.2" || merged.LatestDeviceType != "phone" {
		t.Errorf("metadata not absorbed from merged user: %+v", merged)
	}
}

func TestResolve_MergeDeletesSecondaryDistributions(t *testing.T) {
	r, s, projectID := newFixture(t)
	ctx := context.Background()

	exp, err := s.CreateExperiment(ctx, store.Experiment{
		ProjectID: projectID, Key: "exp", Name: "Exp",
		Status: store.StatusRunning, Kind: store.KindMulti,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	v, err := s.CreateVariant(ctx, store.Variant{ExperimentID: exp.ID, Key: "a", Rollout: 1})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}

	primary, err := s.CreateUser(ctx, store.User{
		ProjectID: projectID, DeviceID: "dev-1",
		FirstSeen: time.Now().Add(-time.Hour).UTC(),
	})
	if err != nil {
		t.Fatalf("create primary: %v", err)
	}
	secondary, err := s.CreateUser(ctx, store.User{ProjectID: projectID, Email: "a@example.com"})
	if err != nil {
		t.Fatalf("create secondary: %v", err)
	}
	if _, err := s.CreateDistribution(ctx, store.Distribution{
		UserID: secondary.ID, ExperimentID: exp.ID, VariantID: v.ID,
	}); err != nil {
		t.Fatalf("create distribution: %v", err)
	}

	if _, err := r.Resolve(ctx, projectID, Input{DeviceID: "dev-1", Email: "a@example.com"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	dists, err := s.ListDistributions(ctx, store.DistributionFilter{ExperimentID: exp.ID})
	if err != nil {
		t.Fatalf("list distributions: %v", err)
	}
	if len(dists) != 0 {
		t.Errorf("secondary distributions survived the merge: %d", len(dists))
	}
	_ = primary
}

func TestResolve_ScopedToProject(t *testing.T) {
	r, s, projectID := newFixture(t)
	ctx := context.Background()

	other, err := s.CreateProject(ctx, store.Project{OwnerID: uuid.New(), APIKey: "other-key", Title: "Other"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := s.CreateUser(ctx, store.User{ProjectID: other.ID, DeviceID: "dev-1"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	u, err := r.Resolve(ctx, projectID, Input{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.ProjectID != projectID {
		t.Error("matched a user from another project")
	}
	users, _ := s.ListUsers(ctx, store.UserFilter{DeviceID: "dev-1"})
	if len(users) != 2 {
		t.Errorf("expected a new user in each project, got %d", len(users))
	}
}

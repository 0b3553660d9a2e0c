package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seedProject(t *testing.T, s *MemoryStore) Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), Project{
		OwnerID: uuid.New(),
		APIKey:  "key-" + uuid.NewString(),
		Title:   "Test",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func seedExperiment(t *testing.T, s *MemoryStore, projectID uuid.UUID, key string) Experiment {
	t.Helper()
	e, err := s.CreateExperiment(context.Background(), Experiment{
		ProjectID: projectID,
		Key:       key,
		Name:      key,
		Status:    StatusRunning,
		Kind:      KindMulti,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	return e
}

func TestProjectAPIKeyUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, Project{OwnerID: uuid.New(), APIKey: "dup", Title: "A"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.CreateProject(ctx, Project{OwnerID: uuid.New(), APIKey: "dup", Title: "B"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
}

func TestExperimentKeyUniquePerProject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p1 := seedProject(t, s)
	p2 := seedProject(t, s)

	seedExperiment(t, s, p1.ID, "checkout")
	if _, err := s.CreateExperiment(ctx, Experiment{
		ProjectID: p1.ID, Key: "checkout", Name: "dup", Status: StatusDraft, Kind: KindMulti,
	}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("same project: %v", err)
	}
	// The same key in another project is fine.
	seedExperiment(t, s, p2.ID, "checkout")
}

func TestUserIdentifierUniquePerProject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)

	if _, err := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate device: %v", err)
	}
	// Distinct identifiers coexist.
	if _, err := s.CreateUser(ctx, User{ProjectID: p.ID, Email: "a@example.com"}); err != nil {
		t.Errorf("distinct identifier: %v", err)
	}
}

func TestFindUsers_ORSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)

	u1, err := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1", FirstSeen: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("u1: %v", err)
	}
	u2, err := s.CreateUser(ctx, User{ProjectID: p.ID, Email: "a@example.com"})
	if err != nil {
		t.Fatalf("u2: %v", err)
	}

	got, err := s.FindUsers(ctx, p.ID, UserQuery{DeviceID: "dev-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matched %d users, want 2", len(got))
	}
	// Ordered by first_seen.
	if got[0].ID != u1.ID || got[1].ID != u2.ID {
		t.Errorf("order: %s, %s", got[0].ID, got[1].ID)
	}

	// Empty fields contribute nothing.
	got, err = s.FindUsers(ctx, p.ID, UserQuery{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != u1.ID {
		t.Errorf("single disjunct: %+v", got)
	}
}

func TestDistributionUniquePerUserExperiment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)
	e := seedExperiment(t, s, p.ID, "checkout")
	v, err := s.CreateVariant(ctx, Variant{ExperimentID: e.ID, Key: "a", Rollout: 1})
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	u, err := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("user: %v", err)
	}

	if _, err := s.CreateDistribution(ctx, Distribution{UserID: u.ID, ExperimentID: e.ID, VariantID: v.ID}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.CreateDistribution(ctx, Distribution{UserID: u.ID, ExperimentID: e.ID, VariantID: v.ID}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate: %v", err)
	}
}

func TestListVariants_StableIDOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)
	e := seedExperiment(t, s, p.ID, "checkout")

	for _, key := range []string{"a", "b", "c", "d"} {
		if _, err := s.CreateVariant(ctx, Variant{ExperimentID: e.ID, Key: key, Rollout: 0.25}); err != nil {
			t.Fatalf("variant %s: %v", key, err)
		}
	}
	first, err := s.ListVariants(ctx, e.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.ListVariants(ctx, e.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("ordering unstable at %d", j)
			}
		}
	}
	for i := 1; i < len(first); i++ {
		if !lessUUID(first[i-1].ID, first[i].ID) {
			t.Fatalf("not sorted by id at %d", i)
		}
	}
}

func TestTransactRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)

	boom := errors.New("boom")
	err := s.Transact(ctx, func(tx Store) error {
		if _, err := tx.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"}); err != nil {
			return err
		}
		if _, err := tx.CreateExperiment(ctx, Experiment{
			ProjectID: p.ID, Key: "e", Name: "E", Status: StatusDraft, Kind: KindMulti,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transact: %v", err)
	}

	users, _ := s.ListUsers(ctx, UserFilter{ProjectID: p.ID})
	if len(users) != 0 {
		t.Errorf("user survived rollback")
	}
	if _, err := s.GetExperimentByKey(ctx, p.ID, "e"); !errors.Is(err, ErrNotFound) {
		t.Errorf("experiment survived rollback: %v", err)
	}
}

func TestDeleteUserCascadesDistributions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)
	e := seedExperiment(t, s, p.ID, "checkout")
	v, _ := s.CreateVariant(ctx, Variant{ExperimentID: e.ID, Key: "a", Rollout: 1})
	u, _ := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"})
	if _, err := s.CreateDistribution(ctx, Distribution{UserID: u.ID, ExperimentID: e.ID, VariantID: v.ID}); err != nil {
		t.Fatalf("distribution: %v", err)
	}

	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	dists, _ := s.ListDistributions(ctx, DistributionFilter{ExperimentID: e.ID})
	if len(dists) != 0 {
		t.Errorf("distributions survived user delete")
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)
	e := seedExperiment(t, s, p.ID, "checkout")
	v, _ := s.CreateVariant(ctx, Variant{ExperimentID: e.ID, Key: "a", Rollout: 1})
	u, _ := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"})
	if _, err := s.CreateDistribution(ctx, Distribution{UserID: u.ID, ExperimentID: e.ID, VariantID: v.ID}); err != nil {
		t.Fatalf("distribution: %v", err)
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetExperiment(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("experiment survived: %v", err)
	}
	if _, err := s.GetVariant(ctx, v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("variant survived: %v", err)
	}
	if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("user survived: %v", err)
	}
}

func TestUpdateUserRefreshesLastSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := seedProject(t, s)
	u, err := s.CreateUser(ctx, User{ProjectID: p.ID, DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := u.LastSeen

	time.Sleep(5 * time.Millisecond)
	updated, err := s.UpdateUser(ctx, u)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.LastSeen.After(before) {
		t.Errorf("last_seen not refreshed: %v vs %v", updated.LastSeen, before)
	}
	if !updated.FirstSeen.Equal(u.FirstSeen) {
		t.Errorf("first_seen mutated")
	}
}

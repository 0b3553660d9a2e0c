package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It is suitable for development and tests. Transactions are serialized
// by a store-wide lock and the full state is restored when the
// transaction function returns an error.
type MemoryStore struct {
	mu sync.RWMutex
	d  *memData
}

type memData struct {
	admins        map[uuid.UUID]AdminUser
	projects      map[uuid.UUID]Project
	experiments   map[uuid.UUID]Experiment
	variants      map[uuid.UUID]Variant
	users         map[uuid.UUID]User
	distributions map[uuid.UUID]Distribution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: &memData{
		admins:        make(map[uuid.UUID]AdminUser),
		projects:      make(map[uuid.UUID]Project),
		experiments:   make(map[uuid.UUID]Experiment),
		variants:      make(map[uuid.UUID]Variant),
		users:         make(map[uuid.UUID]User),
		distributions: make(map[uuid.UUID]Distribution),
	}}
}

func cloneProps(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *memData) clone() *memData {
	c := &memData{
		admins:        make(map[uuid.UUID]AdminUser, len(d.admins)),
		projects:      make(map[uuid.UUID]Project, len(d.projects)),
		experiments:   make(map[uuid.UUID]Experiment, len(d.experiments)),
		variants:      make(map[uuid.UUID]Variant, len(d.variants)),
		users:         make(map[uuid.UUID]User, len(d.users)),
		distributions: make(map[uuid.UUID]Distribution, len(d.distributions)),
	}
	for k, v := range d.admins {
		c.admins[k] = v
	}
	for k, v := range d.projects {
		c.projects[k] = v
	}
	for k, v := range d.experiments {
		c.experiments[k] = v
	}
	for k, v := range d.variants {
		v.Payload = cloneProps(v.Payload)
		c.variants[k] = v
	}
	for k, v := range d.users {
		v.Properties = cloneProps(v.Properties)
		c.users[k] = v
	}
	for k, v := range d.distributions {
		c.distributions[k] = v
	}
	return c
}

// Transact serializes the transaction against all other writers and
// restores the pre-transaction state if fn fails.
func (m *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	backup := m.d.clone()
	if err := fn(&memTx{d: m.d}); err != nil {
		m.d = backup
		return err
	}
	return nil
}

// memTx is a Store view bound to an in-flight memory transaction. The
// outer lock is already held, so it operates on the data directly.
// Nested Transact calls join the enclosing transaction.
type memTx struct{ d *memData }

func (t *memTx) Transact(ctx context.Context, fn func(Store) error) error { return fn(t) }
func (t *memTx) Close() error                                             { return nil }

func (m *MemoryStore) Close() error { return nil }

// read wraps a read-only operation with the shared lock.
func (m *MemoryStore) read(fn func(*memData) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.d)
}

// write wraps a mutating operation with the exclusive lock.
func (m *MemoryStore) write(fn func(*memData) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

func now() time.Time { return time.Now().UTC() }

func ensureID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

func lessUUID(a, b uuid.UUID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// ---- admin users ----

func (d *memData) createAdminUser(u AdminUser) (AdminUser, error) {
	for _, existing := range d.admins {
		if existing.Email == u.Email {
			return AdminUser{}, ErrDuplicate
		}
	}
	u.ID = ensureID(u.ID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	d.admins[u.ID] = u
	return u, nil
}

func (d *memData) getAdminUserByEmail(email string) (AdminUser, error) {
	for _, u := range d.admins {
		if u.Email == email {
			return u, nil
		}
	}
	return AdminUser{}, ErrNotFound
}

func (m *MemoryStore) CreateAdminUser(ctx context.Context, u AdminUser) (AdminUser, error) {
	var out AdminUser
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.createAdminUser(u)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetAdminUserByEmail(ctx context.Context, email string) (AdminUser, error) {
	var out AdminUser
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getAdminUserByEmail(email)
		return err
	})
	return out, err
}

func (t *memTx) CreateAdminUser(ctx context.Context, u AdminUser) (AdminUser, error) {
	return t.d.createAdminUser(u)
}

func (t *memTx) GetAdminUserByEmail(ctx context.Context, email string) (AdminUser, error) {
	return t.d.getAdminUserByEmail(email)
}

// ---- projects ----

func (d *memData) createProject(p Project) (Project, error) {
	for _, existing := range d.projects {
		if existing.APIKey == p.APIKey {
			return Project{}, ErrDuplicate
		}
	}
	p.ID = ensureID(p.ID)
	ts := now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
	d.projects[p.ID] = p
	return p, nil
}

func (d *memData) getProject(id uuid.UUID) (Project, error) {
	p, ok := d.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (d *memData) getProjectByAPIKey(key string) (Project, error) {
	for _, p := range d.projects {
		if p.APIKey == key {
			return p, nil
		}
	}
	return Project{}, ErrNotFound
}

func (d *memData) listProjects(ownerID uuid.UUID) ([]Project, error) {
	out := make([]Project, 0)
	for _, p := range d.projects {
		if ownerID != uuid.Nil && p.OwnerID != ownerID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (d *memData) updateProject(p Project) (Project, error) {
	existing, ok := d.projects[p.ID]
	if !ok {
		return Project{}, ErrNotFound
	}
	for _, other := range d.projects {
		if other.ID != p.ID && other.APIKey == p.APIKey {
			return Project{}, ErrDuplicate
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = now()
	d.projects[p.ID] = p
	return p, nil
}

func (d *memData) deleteProject(id uuid.UUID) error {
	if _, ok := d.projects[id]; !ok {
		return ErrNotFound
	}
	delete(d.projects, id)
	for eid, e := range d.experiments {
		if e.ProjectID == id {
			d.deleteExperimentRows(eid)
		}
	}
	for uid, u := range d.users {
		if u.ProjectID == id {
			delete(d.users, uid)
			d.deleteUserDistributions(uid)
		}
	}
	return nil
}

func (m *MemoryStore) CreateProject(ctx context.Context, p Project) (Project, error) {
	var out Project
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.createProject(p)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetProject(ctx context.Context, id uuid.UUID) (Project, error) {
	var out Project
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getProject(id)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetProjectByAPIKey(ctx context.Context, key string) (Project, error) {
	var out Project
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getProjectByAPIKey(key)
		return err
	})
	return out, err
}

func (m *MemoryStore) ListProjects(ctx context.Context, ownerID uuid.UUID) ([]Project, error) {
	var out []Project
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.listProjects(ownerID)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateProject(ctx context.Context, p Project) (Project, error) {
	var out Project
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.updateProject(p)
		return err
	})
	return out, err
}

func (m *MemoryStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	return m.write(func(d *memData) error { return d.deleteProject(id) })
}

func (t *memTx) CreateProject(ctx context.Context, p Project) (Project, error) {
	return t.d.createProject(p)
}
func (t *memTx) GetProject(ctx context.Context, id uuid.UUID) (Project, error) {
	return t.d.getProject(id)
}
func (t *memTx) GetProjectByAPIKey(ctx context.Context, key string) (Project, error) {
	return t.d.getProjectByAPIKey(key)
}
func (t *memTx) ListProjects(ctx context.Context, ownerID uuid.UUID) ([]Project, error) {
	return t.d.listProjects(ownerID)
}
func (t *memTx) UpdateProject(ctx context.Context, p Project) (Project, error) {
	return t.d.updateProject(p)
}
func (t *memTx) DeleteProject(ctx context.Context, id uuid.UUID) error {
	return t.d.deleteProject(id)
}

// ---- experiments ----

func (d *memData) createExperiment(e Experiment) (Experiment, error) {
	if _, ok := d.projects[e.ProjectID]; !ok {
		return Experiment{}, ErrNotFound
	}
	for _, other := range d.experiments {
		if other.ProjectID == e.ProjectID && other.Key == e.Key {
			return Experiment{}, ErrDuplicate
		}
	}
	e.ID = ensureID(e.ID)
	ts := now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ts
	}
	e.UpdatedAt = ts
	d.experiments[e.ID] = e
	return e, nil
}

func (d *memData) getExperiment(id uuid.UUID) (Experiment, error) {
	e, ok := d.experiments[id]
	if !ok {
		return Experiment{}, ErrNotFound
	}
	return e, nil
}

func (d *memData) getExperimentByKey(projectID uuid.UUID, key string) (Experiment, error) {
	for _, e := range d.experiments {
		if e.ProjectID == projectID && e.Key == key {
			return e, nil
		}
	}
	return Experiment{}, ErrNotFound
}

func (d *memData) experimentOwner(e Experiment) uuid.UUID {
	if p, ok := d.projects[e.ProjectID]; ok {
		return p.OwnerID
	}
	return uuid.Nil
}

func (d *memData) listExperiments(f ExperimentFilter) ([]Experiment, error) {
	out := make([]Experiment, 0)
	for _, e := range d.experiments {
		if f.ProjectID != uuid.Nil && e.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.OwnerID != uuid.Nil && d.experimentOwner(e) != f.OwnerID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (d *memData) updateExperiment(e Experiment) (Experiment, error) {
	existing, ok := d.experiments[e.ID]
	if !ok {
		return Experiment{}, ErrNotFound
	}
	for _, other := range d.experiments {
		if other.ID != e.ID && other.ProjectID == existing.ProjectID && other.Key == e.Key {
			return Experiment{}, ErrDuplicate
		}
	}
	e.ProjectID = existing.ProjectID
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = now()
	d.experiments[e.ID] = e
	return e, nil
}

// deleteExperimentRows removes an experiment with its variants and
// distributions. Caller checked existence.
func (d *memData) deleteExperimentRows(id uuid.UUID) {
	delete(d.experiments, id)
	for vid, v := range d.variants {
		if v.ExperimentID == id {
			delete(d.variants, vid)
		}
	}
	for did, dist := range d.distributions {
		if dist.ExperimentID == id {
			delete(d.distributions, did)
		}
	}
}

func (d *memData) deleteExperiment(id uuid.UUID) error {
	if _, ok := d.experiments[id]; !ok {
		return ErrNotFound
	}
	d.deleteExperimentRows(id)
	return nil
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, e Experiment) (Experiment, error) {
	var out Experiment
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.createExperiment(e)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetExperiment(ctx context.Context, id uuid.UUID) (Experiment, error) {
	var out Experiment
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getExperiment(id)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetExperimentByKey(ctx context.Context, projectID uuid.UUID, key string) (Experiment, error) {
	var out Experiment
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getExperimentByKey(projectID, key)
		return err
	})
	return out, err
}

func (m *MemoryStore) ListExperiments(ctx context.Context, f ExperimentFilter) ([]Experiment, error) {
	var out []Experiment
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.listExperiments(f)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateExperiment(ctx context.Context, e Experiment) (Experiment, error) {
	var out Experiment
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.updateExperiment(e)
		return err
	})
	return out, err
}

func (m *MemoryStore) DeleteExperiment(ctx context.Context, id uuid.UUID) error {
	return m.write(func(d *memData) error { return d.deleteExperiment(id) })
}

func (t *memTx) CreateExperiment(ctx context.Context, e Experiment) (Experiment, error) {
	return t.d.createExperiment(e)
}
func (t *memTx) GetExperiment(ctx context.Context, id uuid.UUID) (Experiment, error) {
	return t.d.getExperiment(id)
}
func (t *memTx) GetExperimentByKey(ctx context.Context, projectID uuid.UUID, key string) (Experiment, error) {
	return t.d.getExperimentByKey(projectID, key)
}
func (t *memTx) ListExperiments(ctx context.Context, f ExperimentFilter) ([]Experiment, error) {
	return t.d.listExperiments(f)
}
func (t *memTx) UpdateExperiment(ctx context.Context, e Experiment) (Experiment, error) {
	return t.d.updateExperiment(e)
}
func (t *memTx) DeleteExperiment(ctx context.Context, id uuid.UUID) error {
	return t.d.deleteExperiment(id)
}

// ---- variants ----

func (d *memData) createVariant(v Variant) (Variant, error) {
	if _, ok := d.experiments[v.ExperimentID]; !ok {
		return Variant{}, ErrNotFound
	}
	for _, other := range d.variants {
		if other.ExperimentID == v.ExperimentID && other.Key == v.Key {
			return Variant{}, ErrDuplicate
		}
	}
	v.ID = ensureID(v.ID)
	ts := now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = ts
	}
	v.UpdatedAt = ts
	if v.Payload == nil {
		v.Payload = map[string]any{}
	}
	d.variants[v.ID] = v
	return v, nil
}

func (d *memData) getVariant(id uuid.UUID) (Variant, error) {
	v, ok := d.variants[id]
	if !ok {
		return Variant{}, ErrNotFound
	}
	return v, nil
}

func (d *memData) listVariants(experimentID uuid.UUID) ([]Variant, error) {
	out := make([]Variant, 0)
	for _, v := range d.variants {
		if v.ExperimentID == experimentID {
			out = append(out, v)
		}
	}
	// Stable id order; variant selection ranges depend on it.
	sort.Slice(out, func(i, j int) bool { return lessUUID(out[i].ID, out[j].ID) })
	return out, nil
}

func (d *memData) updateVariant(v Variant) (Variant, error) {
	existing, ok := d.variants[v.ID]
	if !ok {
		return Variant{}, ErrNotFound
	}
	for _, other := range d.variants {
		if other.ID != v.ID && other.ExperimentID == existing.ExperimentID && other.Key == v.Key {
			return Variant{}, ErrDuplicate
		}
	}
	v.ExperimentID = existing.ExperimentID
	v.CreatedAt = existing.CreatedAt
	v.UpdatedAt = now()
	if v.Payload == nil {
		v.Payload = map[string]any{}
	}
	d.variants[v.ID] = v
	return v, nil
}

func (d *memData) deleteVariant(id uuid.UUID) error {
	if _, ok := d.variants[id]; !ok {
		return ErrNotFound
	}
	delete(d.variants, id)
	return nil
}

func (m *MemoryStore) CreateVariant(ctx context.Context, v Variant) (Variant, error) {
	var out Variant
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.createVariant(v)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetVariant(ctx context.Context, id uuid.UUID) (Variant, error) {
	var out Variant
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getVariant(id)
		return err
	})
	return out, err
}

func (m *MemoryStore) ListVariants(ctx context.Context, experimentID uuid.UUID) ([]Variant, error) {
	var out []Variant
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.listVariants(experimentID)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateVariant(ctx context.Context, v Variant) (Variant, error) {
	var out Variant
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.updateVariant(v)
		return err
	})
	return out, err
}

func (m *MemoryStore) DeleteVariant(ctx context.Context, id uuid.UUID) error {
	return m.write(func(d *memData) error { return d.deleteVariant(id) })
}

func (t *memTx) CreateVariant(ctx context.Context, v Variant) (Variant, error) {
	return t.d.createVariant(v)
}
func (t *memTx) GetVariant(ctx context.Context, id uuid.UUID) (Variant, error) {
	return t.d.getVariant(id)
}
func (t *memTx) ListVariants(ctx context.Context, experimentID uuid.UUID) ([]Variant, error) {
	return t.d.listVariants(experimentID)
}
func (t *memTx) UpdateVariant(ctx context.Context, v Variant) (Variant, error) {
	return t.d.updateVariant(v)
}
func (t *memTx) DeleteVariant(ctx context.Context, id uuid.UUID) error {
	return t.d.deleteVariant(id)
}

// ---- users ----

func (d *memData) checkUserUnique(u User) error {
	for _, other := range d.users {
		if other.ID == u.ID || other.ProjectID != u.ProjectID {
			continue
		}
		if u.DeviceID != "" && other.DeviceID == u.DeviceID {
			return ErrDuplicate
		}
		if u.Email != "" && other.Email == u.Email {
			return ErrDuplicate
		}
		if u.ExternalID != "" && other.ExternalID == u.ExternalID {
			return ErrDuplicate
		}
	}
	return nil
}

func (d *memData) createUser(u User) (User, error) {
	if _, ok := d.projects[u.ProjectID]; !ok {
		return User{}, ErrNotFound
	}
	u.ID = ensureID(u.ID)
	if err := d.checkUserUnique(u); err != nil {
		return User{}, err
	}
	ts := now()
	if u.FirstSeen.IsZero() {
		u.FirstSeen = ts
	}
	u.LastSeen = ts
	if u.Properties == nil {
		u.Properties = map[string]any{}
	}
	d.users[u.ID] = u
	return u, nil
}

func (d *memData) getUser(id uuid.UUID) (User, error) {
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (d *memData) findUsers(projectID uuid.UUID, q UserQuery) ([]User, error) {
	out := make([]User, 0)
	for _, u := range d.users {
		if u.ProjectID != projectID {
			continue
		}
		switch {
		case q.ID != uuid.Nil && u.ID == q.ID:
		case q.DeviceID != "" && u.DeviceID == q.DeviceID:
		case q.Email != "" && u.Email == q.Email:
		case q.ExternalID != "" && u.ExternalID == q.ExternalID:
		default:
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (d *memData) userOwner(u User) uuid.UUID {
	if p, ok := d.projects[u.ProjectID]; ok {
		return p.OwnerID
	}
	return uuid.Nil
}

func (d *memData) listUsers(f UserFilter) ([]User, error) {
	out := make([]User, 0)
	for _, u := range d.users {
		if f.ProjectID != uuid.Nil && u.ProjectID != f.ProjectID {
			continue
		}
		if f.OwnerID != uuid.Nil && d.userOwner(u) != f.OwnerID {
			continue
		}
		if f.DeviceID != "" && u.DeviceID != f.DeviceID {
			continue
		}
		if f.Email != "" && u.Email != f.Email {
			continue
		}
		if f.ExternalID != "" && u.ExternalID != f.ExternalID {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (d *memData) updateUser(u User) (User, error) {
	existing, ok := d.users[u.ID]
	if !ok {
		return User{}, ErrNotFound
	}
	u.ProjectID = existing.ProjectID
	if err := d.checkUserUnique(u); err != nil {
		return User{}, err
	}
	u.FirstSeen = existing.FirstSeen
	u.LastSeen = now()
	if u.Properties == nil {
		u.Properties = map[string]any{}
	}
	d.users[u.ID] = u
	return u, nil
}

func (d *memData) deleteUserDistributions(id uuid.UUID) {
	for did, dist := range d.distributions {
		if dist.UserID == id {
			delete(d.distributions, did)
		}
	}
}

func (d *memData) deleteUser(id uuid.UUID) error {
	if _, ok := d.users[id]; !ok {
		return ErrNotFound
	}
	delete(d.users, id)
	d.deleteUserDistributions(id)
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	var out User
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.createUser(u)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var out User
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getUser(id)
		return err
	})
	return out, err
}

func (m *MemoryStore) FindUsers(ctx context.Context, projectID uuid.UUID, q UserQuery) ([]User, error) {
	var out []User
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.findUsers(projectID, q)
		return err
	})
	return out, err
}

func (m *MemoryStore) ListUsers(ctx context.Context, f UserFilter) ([]User, error) {
	var out []User
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.listUsers(f)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u User) (User, error) {
	var out User
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.updateUser(u)
		return err
	})
	return out, err
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return m.write(func(d *memData) error { return d.deleteUser(id) })
}

func (t *memTx) CreateUser(ctx context.Context, u User) (User, error) { return t.d.createUser(u) }
func (t *memTx) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return t.d.getUser(id)
}
func (t *memTx) FindUsers(ctx context.Context, projectID uuid.UUID, q UserQuery) ([]User, error) {
	return t.d.findUsers(projectID, q)
}
func (t *memTx) ListUsers(ctx context.Context, f UserFilter) ([]User, error) {
	return t.d.listUsers(f)
}
func (t *memTx) UpdateUser(ctx context.Context, u User) (User, error) { return t.d.updateUser(u) }
func (t *memTx) DeleteUser(ctx context.Context, id uuid.UUID) error   { return t.d.deleteUser(id) }

// ---- distributions ----

func (d *memData) createDistribution(dist Distribution) (Distribution, error) {
	if _, ok := d.users[dist.UserID]; !ok {
		return Distribution{}, ErrNotFound
	}
	if _, ok := d.experiments[dist.ExperimentID]; !ok {
		return Distribution{}, ErrNotFound
	}
	for _, other := range d.distributions {
		if other.UserID == dist.UserID && other.ExperimentID == dist.ExperimentID {
			return Distribution{}, ErrDuplicate
		}
	}
	dist.ID = ensureID(dist.ID)
	ts := now()
	if dist.CreatedAt.IsZero() {
		dist.CreatedAt = ts
	}
	dist.UpdatedAt = ts
	d.distributions[dist.ID] = dist
	return dist, nil
}

func (d *memData) getDistribution(userID, experimentID uuid.UUID) (Distribution, error) {
	for _, dist := range d.distributions {
		if dist.UserID == userID && dist.ExperimentID == experimentID {
			return dist, nil
		}
	}
	return Distribution{}, ErrNotFound
}

func (d *memData) distributionOwner(dist Distribution) uuid.UUID {
	if e, ok := d.experiments[dist.ExperimentID]; ok {
		return d.experimentOwner(e)
	}
	return uuid.Nil
}

func (d *memData) listDistributions(f DistributionFilter) ([]Distribution, error) {
	out := make([]Distribution, 0)
	for _, dist := range d.distributions {
		if f.ExperimentID != uuid.Nil && dist.ExperimentID != f.ExperimentID {
			continue
		}
		if f.UserID != uuid.Nil && dist.UserID != f.UserID {
			continue
		}
		if f.VariantID != uuid.Nil && dist.VariantID != f.VariantID {
			continue
		}
		if f.OwnerID != uuid.Nil && d.distributionOwner(dist) != f.OwnerID {
			continue
		}
		out = append(out, dist)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessUUID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (d *memData) updateDistributionVariant(id, variantID uuid.UUID) (Distribution, error) {
	dist, ok := d.distributions[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	dist.VariantID = variantID
	dist.UpdatedAt = now()
	d.distributions[id] = dist
	return dist, nil
}

func (d *memData) countDistributionsByVariant(experimentID uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int)
	for _, dist := range d.distributions {
		if dist.ExperimentID == experimentID {
			out[dist.VariantID]++
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDistribution(ctx context.Context, dist Distribution) (Distribution, error) {
	var out Distribution
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.createDistribution(dist)
		return err
	})
	return out, err
}

func (m *MemoryStore) GetDistribution(ctx context.Context, userID, experimentID uuid.UUID) (Distribution, error) {
	var out Distribution
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.getDistribution(userID, experimentID)
		return err
	})
	return out, err
}

func (m *MemoryStore) ListDistributions(ctx context.Context, f DistributionFilter) ([]Distribution, error) {
	var out []Distribution
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.listDistributions(f)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateDistributionVariant(ctx context.Context, id, variantID uuid.UUID) (Distribution, error) {
	var out Distribution
	err := m.write(func(d *memData) error {
		var err error
		out, err = d.updateDistributionVariant(id, variantID)
		return err
	})
	return out, err
}

func (m *MemoryStore) CountDistributionsByVariant(ctx context.Context, experimentID uuid.UUID) (map[uuid.UUID]int, error) {
	var out map[uuid.UUID]int
	err := m.read(func(d *memData) error {
		var err error
		out, err = d.countDistributionsByVariant(experimentID)
		return err
	})
	return out, err
}

func (t *memTx) CreateDistribution(ctx context.Context, dist Distribution) (Distribution, error) {
	return t.d.createDistribution(dist)
}
func (t *memTx) GetDistribution(ctx context.Context, userID, experimentID uuid.UUID) (Distribution, error) {
	return t.d.getDistribution(userID, experimentID)
}
func (t *memTx) ListDistributions(ctx context.Context, f DistributionFilter) ([]Distribution, error) {
	return t.d.listDistributions(f)
}
func (t *memTx) UpdateDistributionVariant(ctx context.Context, id, variantID uuid.UUID) (Distribution, error) {
	return t.d.updateDistributionVariant(id, variantID)
}
func (t *memTx) CountDistributionsByVariant(ctx context.Context, experimentID uuid.UUID) (map[uuid.UUID]int, error) {
	return t.d.countDistributionsByVariant(experimentID)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// query run inside or outside a transaction unchanged.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool // nil when bound to a transaction
	db   querier
}

// NewPostgresStore creates a PostgreSQL-backed store over the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Transact runs fn in a database transaction. A store already bound to a
// transaction reuses it, so nested calls join the outer transaction.
func (p *PostgresStore) Transact(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the underlying connection pool.
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte) map[string]any {
	out := map[string]any{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &out)
	}
	return out
}

// nullable maps the empty string to NULL so partial identifiers do not
// collide on the per-project unique indexes.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromNullable(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ---- admin users ----

func (p *PostgresStore) CreateAdminUser(ctx context.Context, u AdminUser) (AdminUser, error) {
	u.ID = ensureID(u.ID)
	row := p.db.QueryRow(ctx, `
		INSERT INTO admin_users (id, email, password_hash, is_staff)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, u.IsStaff)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return AdminUser{}, mapPgError(err)
	}
	return u, nil
}

func (p *PostgresStore) GetAdminUserByEmail(ctx context.Context, email string) (AdminUser, error) {
	var u AdminUser
	row := p.db.QueryRow(ctx, `
		SELECT id, email, password_hash, is_staff, created_at
		FROM admin_users WHERE email = $1`, email)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsStaff, &u.CreatedAt); err != nil {
		return AdminUser{}, mapPgError(err)
	}
	return u, nil
}

// ---- projects ----

const projectColumns = `id, owner_id, api_key, title, description, created_at, updated_at`

func scanProject(row pgx.Row) (Project, error) {
	var pr Project
	err := row.Scan(&pr.ID, &pr.OwnerID, &pr.APIKey, &pr.Title, &pr.Description, &pr.CreatedAt, &pr.UpdatedAt)
	return pr, mapPgError(err)
}

func (p *PostgresStore) CreateProject(ctx context.Context, pr Project) (Project, error) {
	pr.ID = ensureID(pr.ID)
	return scanProject(p.db.QueryRow(ctx, `
		INSERT INTO projects (id, owner_id, api_key, title, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+projectColumns,
		pr.ID, pr.OwnerID, pr.APIKey, pr.Title, pr.Description))
}

func (p *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (Project, error) {
	return scanProject(p.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

func (p *PostgresStore) GetProjectByAPIKey(ctx context.Context, apiKey string) (Project, error) {
	return scanProject(p.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE api_key = $1`, apiKey))
}

func (p *PostgresStore) ListProjects(ctx context.Context, ownerID uuid.UUID) ([]Project, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE ($1::uuid IS NULL OR owner_id = $1)
		ORDER BY created_at, id`, uuidArg(ownerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Project, 0)
	for rows.Next() {
		pr, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateProject(ctx context.Context, pr Project) (Project, error) {
	return scanProject(p.db.QueryRow(ctx, `
		UPDATE projects
		SET api_key = $2, title = $3, description = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+projectColumns,
		pr.ID, pr.APIKey, pr.Title, pr.Description))
}

func (p *PostgresStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// uuidArg converts the zero UUID to NULL for optional filter parameters.
func uuidArg(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// ---- experiments ----

const experimentColumns = `id, project_id, key, name, description, status, kind, created_at, updated_at`

func scanExperiment(row pgx.Row) (Experiment, error) {
	var e Experiment
	err := row.Scan(&e.ID, &e.ProjectID, &e.Key, &e.Name, &e.Description, &e.Status, &e.Kind, &e.CreatedAt, &e.UpdatedAt)
	return e, mapPgError(err)
}

func (p *PostgresStore) CreateExperiment(ctx context.Context, e Experiment) (Experiment, error) {
	e.ID = ensureID(e.ID)
	return scanExperiment(p.db.QueryRow(ctx, `
		INSERT INTO experiments (id, project_id, key, name, description, status, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+experimentColumns,
		e.ID, e.ProjectID, e.Key, e.Name, e.Description, e.Status, e.Kind))
}

func (p *PostgresStore) GetExperiment(ctx context.Context, id uuid.UUID) (Experiment, error) {
	return scanExperiment(p.db.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id))
}

func (p *PostgresStore) GetExperimentByKey(ctx context.Context, projectID uuid.UUID, key string) (Experiment, error) {
	return scanExperiment(p.db.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE project_id = $1 AND key = $2`,
		projectID, key))
}

func (p *PostgresStore) ListExperiments(ctx context.Context, f ExperimentFilter) ([]Experiment, error) {
	rows, err := p.db.Query(ctx, `
		SELECT e.id, e.project_id, e.key, e.name, e.description, e.status, e.kind, e.created_at, e.updated_at
		FROM experiments e
		JOIN projects p ON p.id = e.project_id
		WHERE ($1::uuid IS NULL OR e.project_id = $1)
		  AND ($2::text IS NULL OR e.status = $2)
		  AND ($3::uuid IS NULL OR p.owner_id = $3)
		ORDER BY e.created_at, e.id`,
		uuidArg(f.ProjectID), nullable(string(f.Status)), uuidArg(f.OwnerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Experiment, 0)
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateExperiment(ctx context.Context, e Experiment) (Experiment, error) {
	return scanExperiment(p.db.QueryRow(ctx, `
		UPDATE experiments
		SET key = $2, name = $3, description = $4, status = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+experimentColumns,
		e.ID, e.Key, e.Name, e.Description, e.Status))
}

func (p *PostgresStore) DeleteExperiment(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- variants ----

const variantColumns = `id, experiment_id, key, payload, rollout, created_at, updated_at`

func scanVariant(row pgx.Row) (Variant, error) {
	var v Variant
	var payload []byte
	err := row.Scan(&v.ID, &v.ExperimentID, &v.Key, &payload, &v.Rollout, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Variant{}, mapPgError(err)
	}
	v.Payload = unmarshalJSON(payload)
	return v, nil
}

func (p *PostgresStore) CreateVariant(ctx context.Context, v Variant) (Variant, error) {
	v.ID = ensureID(v.ID)
	payload, err := marshalJSON(v.Payload)
	if err != nil {
		return Variant{}, err
	}
	return scanVariant(p.db.QueryRow(ctx, `
		INSERT INTO variants (id, experiment_id, key, payload, rollout)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+variantColumns,
		v.ID, v.ExperimentID, v.Key, payload, v.Rollout))
}

func (p *PostgresStore) GetVariant(ctx context.Context, id uuid.UUID) (Variant, error) {
	return scanVariant(p.db.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE id = $1`, id))
}

func (p *PostgresStore) ListVariants(ctx context.Context, experimentID uuid.UUID) ([]Variant, error) {
	// Stable id order; variant selection ranges depend on it.
	rows, err := p.db.Query(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE experiment_id = $1 ORDER BY id`,
		experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Variant, 0)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateVariant(ctx context.Context, v Variant) (Variant, error) {
	payload, err := marshalJSON(v.Payload)
	if err != nil {
		return Variant{}, err
	}
	return scanVariant(p.db.QueryRow(ctx, `
		UPDATE variants
		SET key = $2, payload = $3, rollout = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+variantColumns,
		v.ID, v.Key, payload, v.Rollout))
}

func (p *PostgresStore) DeleteVariant(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM variants WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- project users ----

const userColumns = `id, project_id, device_id, email, external_id,
	latest_current_url, latest_os, latest_os_version, latest_device_type,
	properties, first_seen, last_seen`

func scanUser(row pgx.Row) (User, error) {
	var u User
	var deviceID, email, externalID, url, osName, osVersion, deviceType *string
	var props []byte
	err := row.Scan(&u.ID, &u.ProjectID, &deviceID, &email, &externalID,
		&url, &osName, &osVersion, &deviceType, &props, &u.FirstSeen, &u.LastSeen)
	if err != nil {
		return User{}, mapPgError(err)
	}
	u.DeviceID = fromNullable(deviceID)
	u.Email = fromNullable(email)
	u.ExternalID = fromNullable(externalID)
	u.LatestURL = fromNullable(url)
	u.LatestOS = fromNullable(osName)
	u.LatestOSVersion = fromNullable(osVersion)
	u.LatestDeviceType = fromNullable(deviceType)
	u.Properties = unmarshalJSON(props)
	return u, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	u.ID = ensureID(u.ID)
	props, err := marshalJSON(u.Properties)
	if err != nil {
		return User{}, err
	}
	return scanUser(p.db.QueryRow(ctx, `
		INSERT INTO project_users
			(id, project_id, device_id, email, external_id,
			 latest_current_url, latest_os, latest_os_version, latest_device_type, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+userColumns,
		u.ID, u.ProjectID, nullable(u.DeviceID), nullable(u.Email), nullable(u.ExternalID),
		nullable(u.LatestURL), nullable(u.LatestOS), nullable(u.LatestOSVersion),
		nullable(u.LatestDeviceType), props))
}

func (p *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(p.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM project_users WHERE id = $1`, id))
}

func (p *PostgresStore) FindUsers(ctx context.Context, projectID uuid.UUID, q UserQuery) ([]User, error) {
	// Only supplied identifiers contribute disjuncts; NULL parameters
	// disable their branch. FOR UPDATE locks the matched rows so a
	// concurrent merge blocks instead of deleting them out from under
	// this transaction.
	rows, err := p.db.Query(ctx, `
		SELECT `+userColumns+` FROM project_users
		WHERE project_id = $1 AND (
			($2::uuid IS NOT NULL AND id = $2) OR
			($3::text IS NOT NULL AND device_id = $3) OR
			($4::text IS NOT NULL AND email = $4) OR
			($5::text IS NOT NULL AND external_id = $5))
		ORDER BY first_seen, id
		FOR UPDATE`,
		projectID, uuidArg(q.ID), nullable(q.DeviceID), nullable(q.Email), nullable(q.ExternalID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListUsers(ctx context.Context, f UserFilter) ([]User, error) {
	rows, err := p.db.Query(ctx, `
		SELECT u.id, u.project_id, u.device_id, u.email, u.external_id,
		       u.latest_current_url, u.latest_os, u.latest_os_version, u.latest_device_type,
		       u.properties, u.first_seen, u.last_seen
		FROM project_users u
		JOIN projects p ON p.id = u.project_id
		WHERE ($1::uuid IS NULL OR u.project_id = $1)
		  AND ($2::uuid IS NULL OR p.owner_id = $2)
		  AND ($3::text IS NULL OR u.device_id = $3)
		  AND ($4::text IS NULL OR u.email = $4)
		  AND ($5::text IS NULL OR u.external_id = $5)
		ORDER BY u.first_seen, u.id`,
		uuidArg(f.ProjectID), uuidArg(f.OwnerID), nullable(f.DeviceID),
		nullable(f.Email), nullable(f.ExternalID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (p *PostgresStore) UpdateUser(ctx context.Context, u User) (User, error) {
	props, err := marshalJSON(u.Properties)
	if err != nil {
		return User{}, err
	}
	return scanUser(p.db.QueryRow(ctx, `
		UPDATE project_users
		SET device_id = $2, email = $3, external_id = $4,
		    latest_current_url = $5, latest_os = $6, latest_os_version = $7,
		    latest_device_type = $8, properties = $9, last_seen = now()
		WHERE id = $1
		RETURNING `+userColumns,
		u.ID, nullable(u.DeviceID), nullable(u.Email), nullable(u.ExternalID),
		nullable(u.LatestURL), nullable(u.LatestOS), nullable(u.LatestOSVersion),
		nullable(u.LatestDeviceType), props))
}

func (p *PostgresStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM project_users WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- distributions ----

const distributionColumns = `id, user_id, experiment_id, variant_id, created_at, updated_at`

func scanDistribution(row pgx.Row) (Distribution, error) {
	var d Distribution
	err := row.Scan(&d.ID, &d.UserID, &d.ExperimentID, &d.VariantID, &d.CreatedAt, &d.UpdatedAt)
	return d, mapPgError(err)
}

func (p *PostgresStore) CreateDistribution(ctx context.Context, d Distribution) (Distribution, error) {
	d.ID = ensureID(d.ID)
	return scanDistribution(p.db.QueryRow(ctx, `
		INSERT INTO distributions (id, user_id, experiment_id, variant_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+distributionColumns,
		d.ID, d.UserID, d.ExperimentID, d.VariantID))
}

func (p *PostgresStore) GetDistribution(ctx context.Context, userID, experimentID uuid.UUID) (Distribution, error) {
	return scanDistribution(p.db.QueryRow(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE user_id = $1 AND experiment_id = $2`,
		userID, experimentID))
}

func (p *PostgresStore) ListDistributions(ctx context.Context, f DistributionFilter) ([]Distribution, error) {
	rows, err := p.db.Query(ctx, `
		SELECT d.id, d.user_id, d.experiment_id, d.variant_id, d.created_at, d.updated_at
		FROM distributions d
		JOIN experiments e ON e.id = d.experiment_id
		JOIN projects p ON p.id = e.project_id
		WHERE ($1::uuid IS NULL OR d.experiment_id = $1)
		  AND ($2::uuid IS NULL OR d.user_id = $2)
		  AND ($3::uuid IS NULL OR d.variant_id = $3)
		  AND ($4::uuid IS NULL OR p.owner_id = $4)
		ORDER BY d.created_at, d.id`,
		uuidArg(f.ExperimentID), uuidArg(f.UserID), uuidArg(f.VariantID), uuidArg(f.OwnerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Distribution, 0)
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDistributionVariant(ctx context.Context, id, variantID uuid.UUID) (Distribution, error) {
	return scanDistribution(p.db.QueryRow(ctx, `
		UPDATE distributions SET variant_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+distributionColumns,
		id, variantID))
}

func (p *PostgresStore) CountDistributionsByVariant(ctx context.Context, experimentID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := p.db.Query(ctx, `
		SELECT variant_id, count(*) FROM distributions
		WHERE experiment_id = $1 GROUP BY variant_id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = int(n)
	}
	return out, rows.Err()
}

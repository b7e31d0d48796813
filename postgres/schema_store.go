package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tautly/eventgrid/schema"
)

// SchemaStore implements schema.Store for PostgreSQL.
type SchemaStore struct {
	db *DB
}

func NewSchemaStore(db *DB) *SchemaStore {
	return &SchemaStore{db: db}
}

// Subject loads a subject and all its versions, oldest first.
func (s *SchemaStore) Subject(ctx context.Context, subject, tenantID string) (*schema.SubjectSchema, error) {
	var level schema.CompatibilityLevel
	err := s.db.Pool.QueryRow(ctx,
		`SELECT compatibility FROM schema_subjects WHERE subject = $1 AND tenant_id = $2`,
		subject, tenantID,
	).Scan(&level)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", schema.ErrSubjectNotFound, subject)
		}
		return nil, fmt.Errorf("failed to load schema subject %q: %w", subject, err)
	}

	rows, err := s.db.Pool.Query(ctx, `
        SELECT version, definition, checksum, created_at, created_by, description
        FROM schema_versions
        WHERE subject = $1 AND tenant_id = $2
        ORDER BY version ASC
    `, subject, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema versions for %q: %w", subject, err)
	}
	defer rows.Close()

	sub := &schema.SubjectSchema{Subject: subject, TenantID: tenantID, Compatibility: level}
	for rows.Next() {
		v := &schema.Version{Subject: subject, TenantID: tenantID}
		var createdBy, description *string
		if err := rows.Scan(&v.Version, &v.Definition, &v.Checksum, &v.CreatedAt, &createdBy, &description); err != nil {
			return nil, fmt.Errorf("failed to scan schema version row: %w", err)
		}
		if createdBy != nil {
			v.CreatedBy = *createdBy
		}
		if description != nil {
			v.Description = *description
		}
		sub.Versions = append(sub.Versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schema version rows: %w", err)
	}
	return sub, nil
}

// SaveVersion appends a version, creating the subject on first registration.
// A concurrent registration of the same checksum is not an error; the unique
// constraint simply makes one of the writers a no-op.
func (s *SchemaStore) SaveVersion(ctx context.Context, v *schema.Version, level schema.CompatibilityLevel) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema registration: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
        INSERT INTO schema_subjects (subject, tenant_id, compatibility)
        VALUES ($1, $2, $3)
        ON CONFLICT (subject, tenant_id) DO NOTHING
    `, v.Subject, v.TenantID, level)
	if err != nil {
		return fmt.Errorf("failed to upsert schema subject %q: %w", v.Subject, err)
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO schema_versions
            (subject, tenant_id, version, definition, checksum, created_at, created_by, description)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, v.Subject, v.TenantID, v.Version, v.Definition, v.Checksum, v.CreatedAt, v.CreatedBy, v.Description)
	if err != nil {
		var pgErr *pgconn.PgError
		// "23505" is the unique_violation error code in PostgreSQL. A
		// concurrent process registered the same content or version first.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("failed to insert schema version %q v%d: %w", v.Subject, v.Version, err)
	}

	return tx.Commit(ctx)
}

// SetCompatibility updates or creates the subject's compatibility level.
func (s *SchemaStore) SetCompatibility(ctx context.Context, subject, tenantID string, level schema.CompatibilityLevel) error {
	_, err := s.db.Pool.Exec(ctx, `
        INSERT INTO schema_subjects (subject, tenant_id, compatibility)
        VALUES ($1, $2, $3)
        ON CONFLICT (subject, tenant_id) DO UPDATE SET compatibility = EXCLUDED.compatibility
    `, subject, tenantID, level)
	if err != nil {
		return fmt.Errorf("failed to set compatibility for subject %q: %w", subject, err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opserve/errlog/pkg/models"
)

const recordColumns = `guid, application_name, category, type, message, source, detail, machine_name,
	created_at, last_seen_at, deleted_at, duplicate_count, fingerprint, is_protected,
	http_method, full_url, host, ip_address, status_code,
	headers, query_string, form, cookies, custom_data, commands`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, rec *models.ErrorRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO error_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		rec.GUID, rec.ApplicationName, rec.Category, rec.Type, rec.Message, rec.Source, rec.Detail, rec.MachineName,
		rec.CreatedAt, rec.LastSeenAt, rec.DeletedAt, rec.DuplicateCount, rec.Fingerprint, rec.IsProtected,
		rec.HTTPMethod, rec.FullURL, rec.Host, rec.IPAddress, rec.StatusCode,
		rec.Headers, rec.QueryString, rec.Form, rec.Cookies, rec.CustomData, rec.Commands)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// IncrementDuplicate is a single conditional UPDATE, so the find-and-bump
// is atomic at the database even when independent processes race on the
// same fingerprint.
func (s *PostgresStore) IncrementDuplicate(ctx context.Context, m MatchCriteria, now time.Time) (uuid.UUID, bool, error) {
	var guid uuid.UUID
	err := s.pool.QueryRow(ctx,
		`UPDATE error_records
		 SET duplicate_count = duplicate_count + 1, last_seen_at = $1
		 WHERE id = (
		   SELECT id FROM error_records
		   WHERE fingerprint = $2 AND application_name = $3
		     AND deleted_at IS NULL AND is_protected = FALSE
		     AND last_seen_at >= $4
		   ORDER BY last_seen_at DESC
		   LIMIT 1
		 )
		 RETURNING guid`,
		now, m.Fingerprint, m.ApplicationName, m.Since,
	).Scan(&guid)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("increment duplicate: %w", err)
	}
	return guid, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, guid uuid.UUID) (*models.ErrorRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM error_records WHERE guid = $1`, guid)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get error record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*models.ErrorRecord, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if f.ApplicationName != "" {
		conditions = append(conditions, fmt.Sprintf("application_name = $%d", argIdx))
		args = append(args, f.ApplicationName)
		argIdx++
	}
	if !f.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	query := `SELECT ` + recordColumns + ` FROM error_records WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY last_seen_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	var records []*models.ErrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Protect(ctx context.Context, guid uuid.UUID) error {
	return s.setProtected(ctx, guid, true)
}

func (s *PostgresStore) Unprotect(ctx context.Context, guid uuid.UUID) error {
	return s.setProtected(ctx, guid, false)
}

func (s *PostgresStore) setProtected(ctx context.Context, guid uuid.UUID, protected bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_records SET is_protected = $2 WHERE guid = $1`, guid, protected)
	if err != nil {
		return fmt.Errorf("set protected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, guid uuid.UUID, force bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_records
		 SET deleted_at = COALESCE(deleted_at, $2)
		 WHERE guid = $1 AND (is_protected = FALSE OR $3)`,
		guid, time.Now().UTC(), force)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: missing record or a protected one.
	var protected bool
	err = s.pool.QueryRow(ctx,
		`SELECT is_protected FROM error_records WHERE guid = $1`, guid).Scan(&protected)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("soft delete lookup: %w", err)
	}
	return ErrProtected
}

func (s *PostgresStore) HardDelete(ctx context.Context, guid uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM error_records WHERE guid = $1`, guid)
	if err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context, applicationName string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM error_records WHERE application_name = $1 AND is_protected = FALSE`,
		applicationName)
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, applicationName string, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM error_records
		 WHERE ($1 = '' OR application_name = $1)
		   AND is_protected = FALSE AND last_seen_at < $2`,
		applicationName, before)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanRecord reads one record from a row with recordColumns ordering.
func scanRecord(row pgx.Row) (*models.ErrorRecord, error) {
	var rec models.ErrorRecord
	err := row.Scan(
		&rec.GUID, &rec.ApplicationName, &rec.Category, &rec.Type, &rec.Message, &rec.Source, &rec.Detail, &rec.MachineName,
		&rec.CreatedAt, &rec.LastSeenAt, &rec.DeletedAt, &rec.DuplicateCount, &rec.Fingerprint, &rec.IsProtected,
		&rec.HTTPMethod, &rec.FullURL, &rec.Host, &rec.IPAddress, &rec.StatusCode,
		&rec.Headers, &rec.QueryString, &rec.Form, &rec.Cookies, &rec.CustomData, &rec.Commands)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verify interface compliance.
var _ Store = (*PostgresStore)(nil)

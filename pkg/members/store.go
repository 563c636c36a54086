package members

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

// Store is the membership persistence interface
type Store interface {
	FindByID(ctx context.Context, id string) (*Membership, error)
	FindActive(ctx context.Context, userID, acspNumber string) (*Membership, error)
	FindActiveByEmail(ctx context.Context, acspNumber, email string) (*Membership, error)
	ListByOrg(ctx context.Context, acspNumber string, filter ListFilter) (*PageResult, error)
	ListByUser(ctx context.Context, userID string, includeRemoved bool) ([]*Membership, error)
	CountActiveOwners(ctx context.Context, acspNumber string) (int, error)
	ExistsForUser(ctx context.Context, userID string) (bool, error)
	Insert(ctx context.Context, m *Membership) error
	ApplyPatch(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Membership, error)
}

const membershipColumns = `id, acsp_number, user_id, user_email, user_role, status,
	       created_at, added_at, added_by, removed_at, removed_by, version, etag`

// PostgresStore implements Store over a postgres database
type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
	metrics      *observability.Metrics
}

// NewPostgresStore creates a membership store. metrics may be nil.
func NewPostgresStore(db *sql.DB, queryTimeout time.Duration, metrics *observability.Metrics) *PostgresStore {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &PostgresStore{db: db, queryTimeout: queryTimeout, metrics: metrics}
}

// FindByID retrieves a membership by id
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE id = $1
	`
	return s.queryOne(ctx, "find_by_id", query, id)
}

// FindActive retrieves the user's ACTIVE membership in an organization
func (s *PostgresStore) FindActive(ctx context.Context, userID, acspNumber string) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE user_id = $1 AND acsp_number = $2 AND status = $3
	`
	return s.queryOne(ctx, "find_active", query, userID, acspNumber, StatusActive)
}

// FindActiveByEmail retrieves an organization's ACTIVE membership by the
// member's email address
func (s *PostgresStore) FindActiveByEmail(ctx context.Context, acspNumber, email string) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE acsp_number = $1 AND user_email = $2 AND status = $3
	`
	return s.queryOne(ctx, "find_active_by_email", query, acspNumber, email, StatusActive)
}

// ListByOrg returns one page of an organization's memberships
func (s *PostgresStore) ListByOrg(ctx context.Context, acspNumber string, filter ListFilter) (*PageResult, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 {
		filter.PerPage = 15
	}

	where := `WHERE acsp_number = $1`
	args := []interface{}{acspNumber}
	if !filter.IncludeRemoved {
		args = append(args, StatusActive)
		where += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.Role != nil {
		args = append(args, *filter.Role)
		where += ` AND user_role = $` + strconv.Itoa(len(args))
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var total int
	countQuery := `SELECT COUNT(*) FROM memberships ` + where
	start := time.Now()
	err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		s.record("list_by_org", start, err)
		return nil, fmt.Errorf("failed to count memberships: %w", err)
	}

	listArgs := append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships ` + where + `
		ORDER BY added_at ASC
		LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)

	rows, err := s.db.QueryContext(ctx, query, listArgs...)
	s.record("list_by_org", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	items, err := scanMemberships(rows)
	if err != nil {
		return nil, err
	}

	totalPages := (total + filter.PerPage - 1) / filter.PerPage
	return &PageResult{
		Items:      items,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

// ListByUser returns all memberships held by a user
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, includeRemoved bool) ([]*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	if !includeRemoved {
		query += ` AND status = $2`
		args = append(args, StatusActive)
	}
	query += ` ORDER BY added_at ASC`

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.record("list_by_user", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list user memberships: %w", err)
	}
	defer rows.Close()

	return scanMemberships(rows)
}

// CountActiveOwners counts ACTIVE owner memberships in an organization
func (s *PostgresStore) CountActiveOwners(ctx context.Context, acspNumber string) (int, error) {
	query := `
		SELECT COUNT(*) FROM memberships
		WHERE acsp_number = $1 AND user_role = $2 AND status = $3
	`
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	var count int
	err := s.db.QueryRowContext(ctx, query, acspNumber, identity.RoleOwner, StatusActive).Scan(&count)
	s.record("count_active_owners", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count active owners: %w", err)
	}
	return count, nil
}

// ExistsForUser reports whether the user holds any membership at all,
// active or removed. The duplicate check deliberately scans removed
// history too, matching the observed upstream behavior.
func (s *PostgresStore) ExistsForUser(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1)`

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	var exists bool
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&exists)
	s.record("exists_for_user", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to check existing memberships: %w", err)
	}
	return exists, nil
}

// Insert persists a new membership
func (s *PostgresStore) Insert(ctx context.Context, m *Membership) error {
	query := `
		INSERT INTO memberships (` + membershipColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.ACSPNumber, m.UserID, m.UserEmail, m.Role, m.Status,
		m.CreatedAt, m.AddedAt, m.AddedBy, m.RemovedAt, m.RemovedBy, m.Version, m.Etag,
	)
	s.record("insert", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// ApplyPatch applies an update conditioned on the expected version. The
// version check is the single serialization point for concurrent updates:
// a losing writer gets ErrConflict, never a silent overwrite.
func (s *PostgresStore) ApplyPatch(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Membership, error) {
	query := `
		UPDATE memberships
		SET user_role = COALESCE($3, user_role),
		    status = COALESCE($4, status),
		    removed_at = COALESCE($5, removed_at),
		    removed_by = COALESCE($6, removed_by),
		    version = version + 1,
		    etag = $7
		WHERE id = $1 AND version = $2
		RETURNING ` + membershipColumns

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var role interface{}
	if patch.Role != nil {
		role = string(*patch.Role)
	}
	var status interface{}
	if patch.Status != nil {
		status = string(*patch.Status)
	}

	start := time.Now()
	row := s.db.QueryRowContext(ctx, query,
		id, expectedVersion, role, status, patch.RemovedAt, patch.RemovedBy, uuid.NewString(),
	)
	updated, err := scanMembership(row)
	s.record("apply_patch", start, err)
	if err == sql.ErrNoRows {
		return nil, s.classifyPatchMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update membership: %w", err)
	}
	return updated, nil
}

// classifyPatchMiss distinguishes a version race from a missing row
func (s *PostgresStore) classifyPatchMiss(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM memberships WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to classify update miss: %w", err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (s *PostgresStore) queryOne(ctx context.Context, operation, query string, args ...interface{}) (*Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	row := s.db.QueryRowContext(ctx, query, args...)
	m, err := scanMembership(row)
	s.record(operation, start, err)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) record(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil && err != sql.ErrNoRows {
		status = "error"
	}
	s.metrics.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	s.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(scanner rowScanner) (*Membership, error) {
	m := &Membership{}
	var removedAt sql.NullTime
	var removedBy sql.NullString

	err := scanner.Scan(
		&m.ID, &m.ACSPNumber, &m.UserID, &m.UserEmail, &m.Role, &m.Status,
		&m.CreatedAt, &m.AddedAt, &m.AddedBy, &removedAt, &removedBy, &m.Version, &m.Etag,
	)
	if err != nil {
		return nil, err
	}

	if removedAt.Valid {
		t := removedAt.Time
		m.RemovedAt = &t
	}
	if removedBy.Valid {
		by := removedBy.String
		m.RemovedBy = &by
	}
	return m, nil
}

func scanMemberships(rows *sql.Rows) ([]*Membership, error) {
	var memberships []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

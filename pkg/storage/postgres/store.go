package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/campusauth/pkg/auth"
)

// PostgreSQL error codes
const (
	pqUniqueViolation           = "23505"
	pqInvalidTextRepresentation = "22P02"
)

// Store implements storage.Store on PostgreSQL
type Store struct {
	conn *ConnectionManager
}

// NewStore creates a store over an open connection manager
func NewStore(conn *ConnectionManager) *Store {
	return &Store{conn: conn}
}

// HealthCheck pings the primary and replicas
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close closes every pool
func (s *Store) Close() error {
	return s.conn.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// notFound folds malformed ids into ErrNotFound so a garbage id reads as a miss
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqInvalidTextRepresentation {
		return auth.ErrNotFound
	}
	return err
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// Identities

const identityColumns = `id, tenant_id, email, phone, password_hash, role, preferred_language, status, created_at, updated_at`

func scanIdentity(row *sql.Row) (*auth.Identity, error) {
	var identity auth.Identity
	var status string
	err := row.Scan(
		&identity.ID,
		&identity.TenantID,
		&identity.Email,
		&identity.Phone,
		&identity.PasswordHash,
		&identity.Role,
		&identity.PreferredLanguage,
		&status,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	identity.Status = auth.IdentityStatus(status)
	return &identity, nil
}

func (s *Store) CreateIdentity(ctx context.Context, identity *auth.Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.Status == "" {
		identity.Status = auth.StatusActive
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	identity.UpdatedAt = identity.CreatedAt

	query := `
		INSERT INTO users (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.conn.Primary().ExecContext(ctx, query,
		identity.ID,
		identity.TenantID,
		identity.Email,
		identity.Phone,
		identity.PasswordHash,
		identity.Role,
		identity.PreferredLanguage,
		string(identity.Status),
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return auth.ErrIdentifierInUse
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

func (s *Store) FindIdentityByID(ctx context.Context, id string) (*auth.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM users WHERE id = $1`
	return scanIdentity(s.conn.Primary().QueryRowContext(ctx, query, id))
}

func (s *Store) FindIdentityByEmailOrPhone(ctx context.Context, identifier string) (*auth.Identity, error) {
	query := `
		SELECT ` + identityColumns + `
		FROM users
		WHERE (email <> '' AND lower(email) = lower($1)) OR (phone <> '' AND phone = $1)
		LIMIT 1
	`
	return scanIdentity(s.conn.Primary().QueryRowContext(ctx, query, identifier))
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	result, err := s.conn.Primary().ExecContext(ctx, query, id, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", notFound(err))
	}
	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, session *auth.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	query := `
		INSERT INTO sessions (id, user_id, access_token_id, last_activity_at, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.conn.Primary().ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.AccessTokenID,
		session.LastActivityAt,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// ListSessions reads from a replica; a session opened a moment ago may lag
func (s *Store) ListSessions(ctx context.Context, userID string, now time.Time) ([]*auth.Session, error) {
	query := `
		SELECT id, user_id, access_token_id, last_activity_at, expires_at, ip_address, user_agent, created_at
		FROM sessions
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY last_activity_at DESC
	`
	rows, err := s.conn.Replica().QueryContext(ctx, query, userID, now)
	if err != nil {
		if errors.Is(notFound(err), auth.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*auth.Session
	for rows.Next() {
		var session auth.Session
		if err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.AccessTokenID,
			&session.LastActivityAt,
			&session.ExpiresAt,
			&session.IPAddress,
			&session.UserAgent,
			&session.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (s *Store) TouchSession(ctx context.Context, accessTokenID string, now time.Time) (bool, error) {
	query := `UPDATE sessions SET last_activity_at = $2 WHERE access_token_id = $1 AND expires_at > $2`
	result, err := s.conn.Primary().ExecContext(ctx, query, accessTokenID, now)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	n, err := rowsAffected(result)
	return n > 0, err
}

func (s *Store) DeleteSessionByAccessTokenID(ctx context.Context, accessTokenID string) (bool, error) {
	result, err := s.conn.Primary().ExecContext(ctx, `DELETE FROM sessions WHERE access_token_id = $1`, accessTokenID)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := rowsAffected(result)
	return n > 0, err
}

func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	result, err := s.conn.Primary().ExecContext(ctx, `DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		if errors.Is(notFound(err), auth.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := rowsAffected(result)
	return n > 0, err
}

func (s *Store) DeleteSessionsByUser(ctx context.Context, userID string) (int64, error) {
	return s.execCount(ctx, "delete sessions", `DELETE FROM sessions WHERE user_id = $1`, userID)
}

func (s *Store) DeleteSessionsByUserExcept(ctx context.Context, userID, accessTokenID string) (int64, error) {
	return s.execCount(ctx, "delete sessions",
		`DELETE FROM sessions WHERE user_id = $1 AND access_token_id <> $2`, userID, accessTokenID)
}

func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.execCount(ctx, "purge sessions", `DELETE FROM sessions WHERE expires_at < $1`, now)
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	result, err := s.conn.Primary().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	return rowsAffected(result)
}

// Refresh tokens

func (s *Store) CreateRefreshToken(ctx context.Context, token *auth.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, has_been_used, used_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.conn.Primary().ExecContext(ctx, query,
		token.ID,
		token.UserID,
		token.TokenHash,
		token.ExpiresAt,
		token.HasBeenUsed,
		token.UsedAt,
		token.IPAddress,
		token.UserAgent,
		token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (*auth.RefreshToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, has_been_used, used_at, ip_address, user_agent, created_at
		FROM refresh_tokens
		WHERE id = $1
	`
	var token auth.RefreshToken
	var usedAt sql.NullTime
	err := s.conn.Primary().QueryRowContext(ctx, query, id).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.HasBeenUsed,
		&usedAt,
		&token.IPAddress,
		&token.UserAgent,
		&token.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		token.UsedAt = &t
	}
	return &token, nil
}

// MarkRefreshTokenUsed is a compare-and-set on has_been_used
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, id, userID string, usedAt time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET has_been_used = TRUE, used_at = $3
		WHERE id = $1 AND user_id = $2 AND has_been_used = FALSE
	`
	result, err := s.conn.Primary().ExecContext(ctx, query, id, userID, usedAt)
	if err != nil {
		if errors.Is(notFound(err), auth.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark refresh token used: %w", err)
	}
	n, err := rowsAffected(result)
	return n == 1, err
}

func (s *Store) DeleteRefreshTokensByUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.conn.Primary().QueryContext(ctx,
		`DELETE FROM refresh_tokens WHERE user_id = $1 RETURNING id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	return collectIDs(rows)
}

func (s *Store) DeleteRefreshTokensByUserExcept(ctx context.Context, userID, keepID string) ([]string, error) {
	rows, err := s.conn.Primary().QueryContext(ctx,
		`DELETE FROM refresh_tokens WHERE user_id = $1 AND id::text <> $2 RETURNING id`, userID, keepID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	return collectIDs(rows)
}

func (s *Store) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	return s.execCount(ctx, "purge refresh tokens", `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
}

// Login attempts

func (s *Store) RecordLoginAttempt(ctx context.Context, attempt *auth.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (identifier, ip_address, success, failure_reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.conn.Primary().QueryRowContext(ctx, query,
		attempt.Identifier,
		attempt.IPAddress,
		attempt.Success,
		attempt.FailureReason,
		attempt.AttemptedAt,
	).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

func (s *Store) RecentFailures(ctx context.Context, identifier string, since time.Time, limit int) ([]time.Time, error) {
	query := `
		SELECT attempted_at
		FROM login_attempts
		WHERE identifier = $1
		  AND success = FALSE
		  AND failure_reason NOT IN ($3, $4)
		  AND attempted_at > $2
		  AND attempted_at > COALESCE(
		      (SELECT MAX(attempted_at) FROM login_attempts WHERE identifier = $1 AND failure_reason = $4),
		      '-infinity'::timestamptz)
		ORDER BY attempted_at DESC
		LIMIT $5
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.conn.Primary().QueryContext(ctx, query,
		identifier, since, auth.ReasonRateLimited, auth.ReasonLockoutCleared, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login failures: %w", err)
	}
	defer rows.Close()

	var failures []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan login failure: %w", err)
		}
		failures = append(failures, ts)
	}
	return failures, rows.Err()
}

func (s *Store) PurgeLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.execCount(ctx, "purge login attempts", `DELETE FROM login_attempts WHERE attempted_at < $1`, cutoff)
}

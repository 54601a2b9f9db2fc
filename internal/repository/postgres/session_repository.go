package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campus-portal/internal/domain"
)

type SessionRepository struct {
	db                    *sql.DB
	tx                    *TxManager
	createStmt            *sql.Stmt
	getByTokenStmt        *sql.Stmt
	getByRememberStmt     *sql.Stmt
	getByIDStmt           *sql.Stmt
	listActiveStmt        *sql.Stmt
	touchStmt             *sql.Stmt
	rotateTokenStmt       *sql.Stmt
	setCSRFTokenStmt      *sql.Stmt
	setRememberStmt       *sql.Stmt
	clearRememberStmt     *sql.Stmt
	deactivateStmt        *sql.Stmt
	deactivateAllStmt     *sql.Stmt
	countActiveStmt       *sql.Stmt
	deactivateExpiredStmt *sql.Stmt
	deleteOlderThanStmt   *sql.Stmt
}

const sessionColumns = `id, user_id, token, remember_token, csrf_token, csrf_issued_at,
	fingerprint, ip_address, user_agent, login_time, last_activity, rotated_at,
	expires_at, is_active, revoked_at`

// NewSessionRepository creates a new SessionRepository with prepared statements.
// Returns an error if statement preparation fails.
func NewSessionRepository(db *sql.DB) (*SessionRepository, error) {
	repo := &SessionRepository{db: db, tx: NewTxManager(db)}

	var err error
	repo.createStmt, err = db.Prepare(`
		INSERT INTO sessions (user_id, token, remember_token, csrf_token, csrf_issued_at,
			fingerprint, ip_address, user_agent, login_time, last_activity, rotated_at,
			expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare create statement: %w", err)
	}

	repo.getByTokenStmt, err = db.Prepare(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE token = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getByToken statement: %w", err)
	}

	repo.getByRememberStmt, err = db.Prepare(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE remember_token = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getByRemember statement: %w", err)
	}

	repo.getByIDStmt, err = db.Prepare(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare getByID statement: %w", err)
	}

	repo.listActiveStmt, err = db.Prepare(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY login_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare listActive statement: %w", err)
	}

	repo.touchStmt, err = db.Prepare(`
		UPDATE sessions SET last_activity = $2 WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare touch statement: %w", err)
	}

	repo.rotateTokenStmt, err = db.Prepare(`
		UPDATE sessions SET token = $3, rotated_at = $4
		WHERE id = $1 AND token = $2
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rotateToken statement: %w", err)
	}

	repo.setCSRFTokenStmt, err = db.Prepare(`
		UPDATE sessions SET csrf_token = $2, csrf_issued_at = $3 WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare setCSRFToken statement: %w", err)
	}

	repo.setRememberStmt, err = db.Prepare(`
		UPDATE sessions SET remember_token = $2 WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare setRemember statement: %w", err)
	}

	repo.clearRememberStmt, err = db.Prepare(`
		UPDATE sessions SET remember_token = NULL WHERE id = $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare clearRemember statement: %w", err)
	}

	repo.deactivateStmt, err = db.Prepare(`
		UPDATE sessions SET is_active = FALSE, revoked_at = $2
		WHERE id = $1 AND is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deactivate statement: %w", err)
	}

	repo.deactivateAllStmt, err = db.Prepare(`
		UPDATE sessions SET is_active = FALSE, revoked_at = $2
		WHERE user_id = $1 AND is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deactivateAll statement: %w", err)
	}

	repo.countActiveStmt, err = db.Prepare(`
		SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND is_active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare countActive statement: %w", err)
	}

	repo.deactivateExpiredStmt, err = db.Prepare(`
		UPDATE sessions SET is_active = FALSE, revoked_at = $1
		WHERE is_active = TRUE AND expires_at <= $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deactivateExpired statement: %w", err)
	}

	repo.deleteOlderThanStmt, err = db.Prepare(`
		DELETE FROM sessions
		WHERE is_active = FALSE AND COALESCE(revoked_at, last_activity) < $1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deleteOlderThan statement: %w", err)
	}

	return repo, nil
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	err := r.createStmt.QueryRowContext(ctx, createArgs(session)...).Scan(&session.ID)
	if err != nil {
		if IsUniqueViolation(err, "sessions_token_key") || IsUniqueViolation(err, "sessions_remember_token_key") {
			return domain.ErrDuplicateToken
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CreateEnforcingLimit inserts the session only while the owner holds fewer
// than max active sessions. The account row is locked for the duration of
// the check so concurrent logins for the same user serialize at the
// database instead of racing the count.
func (r *SessionRepository) CreateEnforcingLimit(ctx context.Context, session *domain.Session, max int) error {
	return r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		var ownerID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`,
			session.UserID,
		).Scan(&ownerID)
		if err == sql.ErrNoRows {
			return domain.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		var count int
		if err := tx.StmtContext(ctx, r.countActiveStmt).QueryRowContext(ctx, session.UserID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count active sessions: %w", err)
		}
		if count >= max {
			return domain.ErrTooManySessions
		}

		err = tx.StmtContext(ctx, r.createStmt).QueryRowContext(ctx, createArgs(session)...).Scan(&session.ID)
		if err != nil {
			if IsUniqueViolation(err, "sessions_token_key") {
				return domain.ErrDuplicateToken
			}
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

func createArgs(session *domain.Session) []interface{} {
	return []interface{}{
		session.UserID,
		session.Token,
		nullString(session.RememberToken),
		session.CSRFToken,
		session.CSRFIssuedAt,
		session.Fingerprint,
		session.IPAddress,
		session.UserAgent,
		session.LoginTime,
		session.LastActivity,
		session.RotatedAt,
		session.ExpiresAt,
	}
}

func (r *SessionRepository) FindByToken(ctx context.Context, token string) (*domain.Session, error) {
	return scanSession(r.getByTokenStmt.QueryRowContext(ctx, token))
}

func (r *SessionRepository) FindByRememberToken(ctx context.Context, token string) (*domain.Session, error) {
	return scanSession(r.getByRememberStmt.QueryRowContext(ctx, token))
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	return scanSession(r.getByIDStmt.QueryRowContext(ctx, id))
}

func (r *SessionRepository) ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := r.listActiveStmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.touchStmt.ExecContext(ctx, id, at)
	if err != nil {
		return fmt.Errorf("failed to refresh session activity: %w", err)
	}
	return nil
}

// RotateToken swaps the session token only if the stored one still matches
// oldToken. A false return means a concurrent request rotated first.
func (r *SessionRepository) RotateToken(ctx context.Context, id, oldToken, newToken string, at time.Time) (bool, error) {
	result, err := r.rotateTokenStmt.ExecContext(ctx, id, oldToken, newToken, at)
	if err != nil {
		return false, fmt.Errorf("failed to rotate session token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *SessionRepository) SetCSRFToken(ctx context.Context, id, token string, issuedAt time.Time) error {
	_, err := r.setCSRFTokenStmt.ExecContext(ctx, id, token, issuedAt)
	if err != nil {
		return fmt.Errorf("failed to update csrf token: %w", err)
	}
	return nil
}

func (r *SessionRepository) SetRememberToken(ctx context.Context, id, token string) error {
	_, err := r.setRememberStmt.ExecContext(ctx, id, token)
	if err != nil {
		if IsUniqueViolation(err, "sessions_remember_token_key") {
			return domain.ErrDuplicateToken
		}
		return fmt.Errorf("failed to set remember token: %w", err)
	}
	return nil
}

func (r *SessionRepository) ClearRememberToken(ctx context.Context, id string) error {
	_, err := r.clearRememberStmt.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to clear remember token: %w", err)
	}
	return nil
}

func (r *SessionRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	_, err := r.deactivateStmt.ExecContext(ctx, id, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeactivateAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	result, err := r.deactivateAllStmt.ExecContext(ctx, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

func (r *SessionRepository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	var count int
	if err := r.countActiveStmt.QueryRowContext(ctx, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// PurgeExpired marks sessions past their absolute expiry inactive.
func (r *SessionRepository) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := r.deactivateExpiredStmt.ExecContext(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// PurgeOlderThan hard-deletes inactive rows whose revocation is older than
// the retention window. Active rows are never touched.
func (r *SessionRepository) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := r.deleteOlderThanStmt.ExecContext(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	return scanSessionRow(row)
}

func scanSessionRow(row rowScanner) (*domain.Session, error) {
	session := &domain.Session{}
	var remember sql.NullString
	var revokedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Token,
		&remember,
		&session.CSRFToken,
		&session.CSRFIssuedAt,
		&session.Fingerprint,
		&session.IPAddress,
		&session.UserAgent,
		&session.LoginTime,
		&session.LastActivity,
		&session.RotatedAt,
		&session.ExpiresAt,
		&session.IsActive,
		&revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.RememberToken = remember.String
	if revokedAt.Valid {
		session.RevokedAt = &revokedAt.Time
	}
	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

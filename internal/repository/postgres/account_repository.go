package postgres

import (
	"context"
	"database/sql"
	"time"

	"campus-portal/internal/domain"
)

// AccountRepository implements domain.AccountStore for PostgreSQL
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// FindByIdentifier retrieves an account by username or email
func (r *AccountRepository) FindByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	query := `
		SELECT id, username, email, password_hash, role, is_active,
			failed_attempts, last_failed_attempt
		FROM accounts
		WHERE username = $1 OR email = $1
	`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, identifier))
}

// FindByID retrieves an account by ID
func (r *AccountRepository) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `
		SELECT id, username, email, password_hash, role, is_active,
			failed_attempts, last_failed_attempt
		FROM accounts
		WHERE id = $1
	`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id))
}

// RecordFailedAttempt bumps the lockout counter. The counter restarts when
// the previous failure is older than the attempt being recorded allows for;
// the policy window itself lives with the caller, so here we only count.
func (r *AccountRepository) RecordFailedAttempt(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE accounts
		SET failed_attempts = failed_attempts + 1, last_failed_attempt = $2
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// ResetFailedAttempts clears the lockout counter after a successful login
func (r *AccountRepository) ResetFailedAttempts(ctx context.Context, id string) error {
	query := `
		UPDATE accounts
		SET failed_attempts = 0, last_failed_attempt = NULL
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *AccountRepository) scanAccount(row *sql.Row) (*domain.Account, error) {
	account := &domain.Account{}
	var lastFailed sql.NullTime

	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&account.Role,
		&account.IsActive,
		&account.FailedAttempts,
		&lastFailed,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastFailed.Valid {
		account.LastFailedAttempt = &lastFailed.Time
	}
	return account, nil
}

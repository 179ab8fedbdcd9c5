package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbox/authcore"
)

const uniqueViolation = "23505"

// AccountStore implements [authcore.CredentialStore] on PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore returns a credential store backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountColumns = `id, email, password_hash, role, totp_secret,
	email_verified, verification_token_hash, verification_expiry,
	reset_token_hash, reset_token_until,
	recovery_email, recovery_email_verified, recovery_token_hash, recovery_token_until,
	failed_attempts, locked_until, last_login_at, created_at`

// CreateAccount inserts a new account row. Duplicate emails map to
// [authcore.ErrAccountExists].
func (s *AccountStore) CreateAccount(ctx context.Context, account *authcore.Account) error {
	const query = `
		INSERT INTO accounts (id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		account.ID, account.Email, account.PasswordHash, account.Role, account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return authcore.ErrAccountExists
		}
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

// GetAccountByEmail looks up an account by its normalized email.
func (s *AccountStore) GetAccountByEmail(ctx context.Context, email string) (*authcore.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

// GetAccountByID looks up an account by ID.
func (s *AccountStore) GetAccountByID(ctx context.Context, accountID string) (*authcore.Account, error) {
	return s.getAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
}

func (s *AccountStore) getAccount(ctx context.Context, query string, arg any) (*authcore.Account, error) {
	account := &authcore.Account{}
	var (
		verificationHash, resetHash, recoveryHash     []byte
		verificationExpiry, resetUntil, recoveryUntil *time.Time
	)

	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.Role, &account.TOTPSecret,
		&account.EmailVerified, &verificationHash, &verificationExpiry,
		&resetHash, &resetUntil,
		&account.RecoveryEmail, &account.RecoveryEmailVerified, &recoveryHash, &recoveryUntil,
		&account.FailedAttempts, &account.LockedUntil, &account.LastLoginAt, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}

	copy(account.VerificationTokenHash[:], verificationHash)
	copy(account.ResetTokenHash[:], resetHash)
	copy(account.RecoveryTokenHash[:], recoveryHash)
	if verificationExpiry != nil {
		account.VerificationExpiry = *verificationExpiry
	}
	if resetUntil != nil {
		account.ResetTokenUntil = *resetUntil
	}
	if recoveryUntil != nil {
		account.RecoveryTokenUntil = *recoveryUntil
	}

	return account, nil
}

// UpdatePasswordHash replaces the stored password hash.
func (s *AccountStore) UpdatePasswordHash(ctx context.Context, accountID, newHash string) error {
	const query = `UPDATE accounts SET password_hash = $2 WHERE id = $1`
	return s.exec(ctx, query, accountID, newHash)
}

// RecordLoginFailure atomically increments the failed-attempt counter and
// returns the new value. The increment happens in the database so
// concurrent logins never lose a count.
func (s *AccountStore) RecordLoginFailure(ctx context.Context, accountID string) (int, error) {
	const query = `
		UPDATE accounts SET failed_attempts = failed_attempts + 1
		WHERE id = $1
		RETURNING failed_attempts`

	var count int
	if err := s.pool.QueryRow(ctx, query, accountID).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, authcore.ErrAccountNotFound
		}
		return 0, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return count, nil
}

// SetLock writes the lock expiry, leaving the counter untouched.
func (s *AccountStore) SetLock(ctx context.Context, accountID string, until time.Time) error {
	const query = `UPDATE accounts SET locked_until = $2 WHERE id = $1`
	return s.exec(ctx, query, accountID, until)
}

// RecordLoginSuccess resets the counter, clears the lock, and stamps the
// last login time.
func (s *AccountStore) RecordLoginSuccess(ctx context.Context, accountID string, at time.Time) error {
	const query = `
		UPDATE accounts
		SET failed_attempts = 0, locked_until = NULL, last_login_at = $2
		WHERE id = $1`
	return s.exec(ctx, query, accountID, at)
}

// SetVerificationToken stores the email verification token hash.
func (s *AccountStore) SetVerificationToken(ctx context.Context, accountID string, hash [32]byte, until time.Time) error {
	const query = `
		UPDATE accounts SET verification_token_hash = $2, verification_expiry = $3
		WHERE id = $1`
	return s.exec(ctx, query, accountID, hash[:], until)
}

// MarkEmailVerified flags the address as verified and drops the token.
func (s *AccountStore) MarkEmailVerified(ctx context.Context, accountID string) error {
	const query = `
		UPDATE accounts
		SET email_verified = TRUE, verification_token_hash = NULL, verification_expiry = NULL
		WHERE id = $1`
	return s.exec(ctx, query, accountID)
}

// SetResetToken stores the password reset token hash.
func (s *AccountStore) SetResetToken(ctx context.Context, accountID string, hash [32]byte, until time.Time) error {
	const query = `
		UPDATE accounts SET reset_token_hash = $2, reset_token_until = $3
		WHERE id = $1`
	return s.exec(ctx, query, accountID, hash[:], until)
}

// ClearResetToken drops any outstanding reset token.
func (s *AccountStore) ClearResetToken(ctx context.Context, accountID string) error {
	const query = `
		UPDATE accounts SET reset_token_hash = NULL, reset_token_until = NULL
		WHERE id = $1`
	return s.exec(ctx, query, accountID)
}

// SetTOTPSecret stores or clears the second-factor secret.
func (s *AccountStore) SetTOTPSecret(ctx context.Context, accountID string, secret []byte) error {
	const query = `UPDATE accounts SET totp_secret = $2 WHERE id = $1`
	var value []byte
	if len(secret) > 0 {
		value = secret
	}
	return s.exec(ctx, query, accountID, value)
}

// SetRecoveryEmail stores the pending recovery address and its
// confirmation token hash.
func (s *AccountStore) SetRecoveryEmail(ctx context.Context, accountID, email string, hash [32]byte, until time.Time) error {
	const query = `
		UPDATE accounts
		SET recovery_email = $2, recovery_email_verified = FALSE,
			recovery_token_hash = $3, recovery_token_until = $4
		WHERE id = $1`
	return s.exec(ctx, query, accountID, email, hash[:], until)
}

// MarkRecoveryEmailVerified confirms the recovery address.
func (s *AccountStore) MarkRecoveryEmailVerified(ctx context.Context, accountID string) error {
	const query = `
		UPDATE accounts
		SET recovery_email_verified = TRUE, recovery_token_hash = NULL, recovery_token_until = NULL
		WHERE id = $1`
	return s.exec(ctx, query, accountID)
}

// ReplaceBackupCodes swaps the account's full set of backup code hashes
// in one transaction. A nil slice clears them.
func (s *AccountStore) ReplaceBackupCodes(ctx context.Context, accountID string, hashes [][32]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	for _, hash := range hashes {
		_, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (account_id, code_hash) VALUES ($1, $2)`,
			accountID, hash[:])
		if err != nil {
			return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

// ConsumeBackupCode deletes the matching hash and reports whether a row
// existed. The DELETE makes the code single use without a separate read.
func (s *AccountStore) ConsumeBackupCode(ctx context.Context, accountID string, hash [32]byte) (bool, error) {
	const query = `DELETE FROM backup_codes WHERE account_id = $1 AND code_hash = $2`

	tag, err := s.pool.Exec(ctx, query, accountID, hash[:])
	if err != nil {
		return false, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *AccountStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrAccountNotFound
	}
	return nil
}

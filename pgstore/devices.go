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

// DeviceStore implements [authcore.DeviceStore] on PostgreSQL.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore returns a device store backed by the given pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

const deviceColumns = `id, account_id, fingerprint_hash, display_name, kind,
	is_primary, verified, verification_token_hash, verification_expiry,
	last_used_at, revoked_at, created_at`

// CreateDevice inserts a new device row. The partial unique indexes hold
// the device invariants under concurrent logins: a second non-revoked
// primary maps to [authcore.ErrPrimaryDeviceExists], a duplicate active
// fingerprint to [authcore.ErrDeviceExists].
func (s *DeviceStore) CreateDevice(ctx context.Context, device *authcore.Device) error {
	const query = `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	var tokenHash []byte
	if device.VerificationTokenHash != ([32]byte{}) {
		tokenHash = device.VerificationTokenHash[:]
	}
	var expiry *time.Time
	if !device.VerificationExpiry.IsZero() {
		expiry = &device.VerificationExpiry
	}

	_, err := s.pool.Exec(ctx, query,
		device.ID, device.AccountID, device.FingerprintHash[:], device.DisplayName, device.Kind,
		device.Primary, device.Verified, tokenHash, expiry,
		device.LastUsedAt, device.RevokedAt, device.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "devices_account_primary" {
				return authcore.ErrPrimaryDeviceExists
			}
			return authcore.ErrDeviceExists
		}
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

// GetDevice looks up one device by ID.
func (s *DeviceStore) GetDevice(ctx context.Context, deviceID string) (*authcore.Device, error) {
	return s.getDevice(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID)
}

// GetDeviceByFingerprint returns the device matching the fingerprint,
// revoked rows included, newest first. The caller decides what a revoked
// match means.
func (s *DeviceStore) GetDeviceByFingerprint(ctx context.Context, accountID string, fingerprintHash [32]byte) (*authcore.Device, error) {
	return s.getDevice(ctx,
		`SELECT `+deviceColumns+` FROM devices
		WHERE account_id = $1 AND fingerprint_hash = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		accountID, fingerprintHash[:])
}

// GetPrimaryDevice returns the account's non-revoked primary device.
func (s *DeviceStore) GetPrimaryDevice(ctx context.Context, accountID string) (*authcore.Device, error) {
	return s.getDevice(ctx,
		`SELECT `+deviceColumns+` FROM devices
		WHERE account_id = $1 AND is_primary AND revoked_at IS NULL`,
		accountID)
}

func (s *DeviceStore) getDevice(ctx context.Context, query string, args ...any) (*authcore.Device, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
		}
		return nil, authcore.ErrDeviceNotFound
	}
	return scanDevice(rows)
}

// ListDevices returns every device of the account, revoked rows included,
// newest first.
func (s *DeviceStore) ListDevices(ctx context.Context, accountID string) ([]*authcore.Device, error) {
	const query = `
		SELECT ` + deviceColumns + ` FROM devices
		WHERE account_id = $1
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var devices []*authcore.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return devices, nil
}

// CountActiveDevices counts non-revoked devices.
func (s *DeviceStore) CountActiveDevices(ctx context.Context, accountID string) (int, error) {
	const query = `SELECT COUNT(*) FROM devices WHERE account_id = $1 AND revoked_at IS NULL`

	var count int
	if err := s.pool.QueryRow(ctx, query, accountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return count, nil
}

// SetDeviceVerificationToken stores the attached-token hash for a pending
// device.
func (s *DeviceStore) SetDeviceVerificationToken(ctx context.Context, deviceID string, hash [32]byte, until time.Time) error {
	const query = `
		UPDATE devices SET verification_token_hash = $2, verification_expiry = $3
		WHERE id = $1`
	return s.exec(ctx, query, deviceID, hash[:], until)
}

// MarkDeviceVerified flags the device as verified and drops its token.
func (s *DeviceStore) MarkDeviceVerified(ctx context.Context, deviceID string) error {
	const query = `
		UPDATE devices
		SET verified = TRUE, verification_token_hash = NULL, verification_expiry = NULL
		WHERE id = $1`
	return s.exec(ctx, query, deviceID)
}

// TouchDevice stamps the last-used time.
func (s *DeviceStore) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	const query = `UPDATE devices SET last_used_at = $2 WHERE id = $1`
	return s.exec(ctx, query, deviceID, at)
}

// RevokeDevice tombstones the device. Revoking an already revoked device
// is a no-op; rows are never mutated after revocation.
func (s *DeviceStore) RevokeDevice(ctx context.Context, deviceID string, at time.Time) error {
	const query = `UPDATE devices SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`

	if _, err := s.pool.Exec(ctx, query, deviceID, at); err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *DeviceStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrDeviceNotFound
	}
	return nil
}

func scanDevice(rows pgx.Rows) (*authcore.Device, error) {
	device := &authcore.Device{}
	var (
		fingerprintHash, tokenHash []byte
		expiry                     *time.Time
	)

	err := rows.Scan(
		&device.ID, &device.AccountID, &fingerprintHash, &device.DisplayName, &device.Kind,
		&device.Primary, &device.Verified, &tokenHash, &expiry,
		&device.LastUsedAt, &device.RevokedAt, &device.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}

	copy(device.FingerprintHash[:], fingerprintHash)
	copy(device.VerificationTokenHash[:], tokenHash)
	if expiry != nil {
		device.VerificationExpiry = *expiry
	}
	return device, nil
}

package session

import (
	"encoding/hex"
	"strconv"
)

// Session correlates an account, an optional device, and the hashes of the
// currently valid credential pair. Exactly one live session row exists per
// outstanding refresh credential; rotation swaps both hashes atomically.
type Session struct {
	ID        string
	AccountID string
	DeviceID  string

	RefreshHash [32]byte
	AccessHash  [32]byte

	SourceAddr    string
	SignatureHash [32]byte

	// TOTPPending marks a session whose credential pair was issued before
	// the second factor was proven. Rotation clears it.
	TOTPPending bool

	CreatedAt      int64
	ExpiresAt      int64
	LastActivityAt int64
	RevokedAt      int64
}

// Revoked reports whether the session has been explicitly revoked.
func (s *Session) Revoked() bool {
	return s != nil && s.RevokedAt != 0
}

// Expired reports whether the session is past its absolute expiry.
func (s *Session) Expired(nowUnix int64) bool {
	return s != nil && s.ExpiresAt <= nowUnix
}

// Live reports whether the session is neither revoked nor expired.
func (s *Session) Live(nowUnix int64) bool {
	return s != nil && !s.Revoked() && !s.Expired(nowUnix)
}

const (
	fieldAccountID     = "account_id"
	fieldDeviceID      = "device_id"
	fieldRefreshHash   = "refresh_hash"
	fieldAccessHash    = "access_hash"
	fieldSourceAddr    = "source_addr"
	fieldSignatureHash = "signature_hash"
	fieldTOTPPending   = "totp_pending"
	fieldCreatedAt     = "created_at"
	fieldExpiresAt     = "expires_at"
	fieldLastActivity  = "last_activity"
	fieldRevokedAt     = "revoked_at"
)

func encodeFields(s *Session) map[string]interface{} {
	return map[string]interface{}{
		fieldAccountID:     s.AccountID,
		fieldDeviceID:      s.DeviceID,
		fieldRefreshHash:   hex.EncodeToString(s.RefreshHash[:]),
		fieldAccessHash:    hex.EncodeToString(s.AccessHash[:]),
		fieldSourceAddr:    s.SourceAddr,
		fieldSignatureHash: hex.EncodeToString(s.SignatureHash[:]),
		fieldTOTPPending:   encodeBool(s.TOTPPending),
		fieldCreatedAt:     strconv.FormatInt(s.CreatedAt, 10),
		fieldExpiresAt:     strconv.FormatInt(s.ExpiresAt, 10),
		fieldLastActivity:  strconv.FormatInt(s.LastActivityAt, 10),
		fieldRevokedAt:     strconv.FormatInt(s.RevokedAt, 10),
	}
}

func decodeFields(id string, fields map[string]string) (*Session, error) {
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	s := &Session{
		ID:          id,
		AccountID:   fields[fieldAccountID],
		DeviceID:    fields[fieldDeviceID],
		SourceAddr:  fields[fieldSourceAddr],
		TOTPPending: fields[fieldTOTPPending] == "1",
	}

	var err error
	if s.RefreshHash, err = decodeHash(fields[fieldRefreshHash]); err != nil {
		return nil, err
	}
	if s.AccessHash, err = decodeHash(fields[fieldAccessHash]); err != nil {
		return nil, err
	}
	if s.SignatureHash, err = decodeHash(fields[fieldSignatureHash]); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = decodeUnix(fields[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = decodeUnix(fields[fieldExpiresAt]); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = decodeUnix(fields[fieldLastActivity]); err != nil {
		return nil, err
	}
	if s.RevokedAt, err = decodeUnix(fields[fieldRevokedAt]); err != nil {
		return nil, err
	}

	return s, nil
}

func encodeBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func decodeHash(v string) ([32]byte, error) {
	var h [32]byte
	if v == "" {
		return h, nil
	}

	raw, err := hex.DecodeString(v)
	if err != nil || len(raw) != 32 {
		return h, ErrSessionCorrupt
	}

	copy(h[:], raw)
	return h, nil
}

func decodeUnix(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ErrSessionCorrupt
	}
	return n, nil
}

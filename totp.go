package authcore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// totpManager implements RFC 6238 time-based one-time codes. The hash
// algorithm is resolved once at construction; verification walks the
// configured skew window around the current step so modest clock drift
// between the authenticator app and the server is tolerated.
type totpManager struct {
	issuer  string
	algName string
	newHash func() hash.Hash
	period  int
	digits  int
	skew    int
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	m := &totpManager{
		issuer:  cfg.Issuer,
		algName: strings.ToUpper(cfg.Algorithm),
		period:  cfg.Period,
		digits:  cfg.Digits,
		skew:    cfg.Skew,
	}
	switch m.algName {
	case "", "SHA1":
		m.algName, m.newHash = "SHA1", sha1.New
	case "SHA256":
		m.newHash = sha256.New
	case "SHA512":
		m.newHash = sha512.New
	}
	return m
}

func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(m.issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", m.issuer)
	v.Set("period", strconv.Itoa(m.period))
	v.Set("digits", strconv.Itoa(m.digits))
	v.Set("algorithm", m.algName)

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode returns the matched counter step so callers can persist it and
// refuse a second use of the same step.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, int64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}
	if m.newHash == nil {
		return false, 0, errors.New("unsupported totp algorithm")
	}

	code = strings.TrimSpace(code)
	if len(code) != m.digits || !allDigits(code) {
		return false, 0, nil
	}
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}

	current := now.Unix() / int64(m.period)
	for step := -m.skew; step <= m.skew; step++ {
		counter := current + int64(step)
		if counter < 0 {
			continue
		}
		candidate := oneTimeCode(m.newHash, secret, counter, m.digits)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(code)) == 1 {
			return true, counter, nil
		}
	}

	return false, 0, nil
}

// oneTimeCode is the HOTP value of RFC 4226 section 5.3: HMAC over the
// big-endian counter, dynamic truncation to 31 bits, reduction modulo
// 10^digits.
func oneTimeCode(newHash func() hash.Hash, secret []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(newHash, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, uint64(value)%mod)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

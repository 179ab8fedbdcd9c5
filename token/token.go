// Package token implements the stateless bearer-credential service: signed,
// tamper-evident access and refresh tokens with a fixed, versioned claim
// schema and algorithm-enforced expiry.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects the credential class a token belongs to. Verification is
// kind-scoped: a refresh token never validates as an access token.
type Kind string

const (
	// KindAccess is an exported constant or variable used by the account engine.
	KindAccess Kind = "access"
	// KindRefresh is an exported constant or variable used by the account engine.
	KindRefresh Kind = "refresh"
)

// SigningMethod defines a public type used by authcore APIs.
type SigningMethod string

const (
	// MethodHS256 is an exported constant or variable used by the account engine.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 is an exported constant or variable used by the account engine.
	MethodEd25519 SigningMethod = "ed25519"
)

// minHMACKeyBytes rejects deployments whose shared secret is shorter than
// the HS256 output size. Weak keys fail at startup, not at verify time.
const minHMACKeyBytes = 32

var (
	// ErrExpired is returned by Verify for a well-formed token past its
	// expiry. Callers distinguish it from tampering.
	ErrExpired = errors.New("token expired")
	// ErrMalformed is returned by Verify for tampered, malformed, or
	// wrongly scoped tokens.
	ErrMalformed = errors.New("token malformed or invalid")
)

// Claims is the fixed claim schema carried by every token. Unknown or
// missing fields fail verification; there is no open payload map.
type Claims struct {
	SubjectID string `json:"sub_id"`
	Email     string `json:"eml"`
	Role      string `json:"rol"`
	TokenKind string `json:"tkd"`
	jwt.RegisteredClaims
}

// Config defines a public type used by authcore APIs.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	SigningKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Service signs and verifies bearer tokens. It is stateless; the signing
// key is process-wide configuration loaded once at startup.
type Service struct {
	config Config
	clock  func() time.Time
}

// NewService validates the configuration and fails fast on absent or
// low-entropy keys rather than degrading silently.
func NewService(cfg Config) (*Service, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.SigningKey) < minHMACKeyBytes {
			return nil, fmt.Errorf("hs256 signing key must be at least %d bytes", minHMACKeyBytes)
		}
	case MethodEd25519:
		if len(cfg.SigningKey) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key")
		}
		if len(cfg.PublicKey) != 0 && len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("invalid ed25519 public key")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Service{config: cfg, clock: time.Now}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.clock = now
	return s
}

// Issue signs a token of the given kind carrying the claim schema. TTL is
// selected by kind; issuer and audience come from configuration.
func (s *Service) Issue(kind Kind, subjectID, email, role string) (string, error) {
	if s == nil {
		return "", errors.New("token service not initialized")
	}

	ttl := s.config.AccessTTL
	if kind == KindRefresh {
		ttl = s.config.RefreshTTL
	}

	now := s.clock()
	claims := Claims{
		SubjectID: subjectID,
		Email:     email,
		Role:      role,
		TokenKind: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        newJTI(),
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	tok := jwt.NewWithClaims(s.method(), claims)
	return tok.SignedString(s.signKey())
}

// Verify parses and checks a token of the given kind. It never panics for
// expected failure modes: the result is the claims, [ErrExpired], or
// [ErrMalformed], so callers can distinguish staleness from tampering.
func (s *Service) Verify(kind Kind, tokenStr string) (*Claims, error) {
	if s == nil {
		return nil, ErrMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method().Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	}
	if s.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(s.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.verifyKey(), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrMalformed
	}
	if claims.TokenKind != string(kind) {
		return nil, ErrMalformed
	}
	if strings.TrimSpace(claims.SubjectID) == "" {
		return nil, ErrMalformed
	}

	return claims, nil
}

// Every token gets a unique jti so two pairs issued within the same second
// for the same subject still hash to distinct session credentials.
func newJTI() string {
	return uuid.NewString()
}

func (s *Service) method() jwt.SigningMethod {
	if s.config.SigningMethod == MethodEd25519 {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodHS256
}

func (s *Service) signKey() interface{} {
	if s.config.SigningMethod == MethodEd25519 {
		return ed25519.PrivateKey(s.config.SigningKey)
	}
	return s.config.SigningKey
}

func (s *Service) verifyKey() interface{} {
	if s.config.SigningMethod == MethodEd25519 {
		if len(s.config.PublicKey) == ed25519.PublicKeySize {
			return ed25519.PublicKey(s.config.PublicKey)
		}
		return ed25519.PrivateKey(s.config.SigningKey).Public()
	}
	return s.config.SigningKey
}

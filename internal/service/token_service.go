package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/passhash"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Auth state key layout:
//   - auth:refresh:{sub} -> the one currently valid refresh jti
//   - auth:revoked:{jti} -> "1", TTL = the token's remaining lifetime
//   - auth:jtis:{sub}    -> set of outstanding jtis, for cascaded revocation
const (
	refreshKeyPrefix = "auth:refresh:"
	revokedKeyPrefix = "auth:revoked:"
	jtisKeyPrefix    = "auth:jtis:"
)

var errAuthUnavailable = infraerrors.Unavailable("AUTH_UNAVAILABLE", "token state unavailable")

// UserLookup resolves principals from the external directory.
type UserLookup interface {
	ByEmail(ctx context.Context, email string) (*domain.Principal, error)
	ByID(ctx context.Context, id string) (*domain.Principal, error)
}

// Claims is the gateway's JWT payload.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Tier      string `json:"tier,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is what login and refresh return.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenService issues, validates, rotates and revokes RS256 JWT pairs.
// Validation fails closed: a store failure during the revocation check
// denies the request instead of skipping the check.
type TokenService struct {
	store      KVStore
	users      UserLookup
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

func NewTokenService(cfg *config.Config, store KVStore, users UserLookup) (*TokenService, error) {
	key, err := loadOrCreateKey(cfg.Auth)
	if err != nil {
		return nil, err
	}
	return &TokenService{
		store:      store,
		users:      users,
		issuer:     cfg.Auth.IssuerOrDefault(),
		accessTTL:  cfg.Auth.AccessTTLOrDefault(),
		refreshTTL: cfg.Auth.RefreshTTLOrDefault(),
		privateKey: key,
		publicKey:  &key.PublicKey,
	}, nil
}

// loadOrCreateKey loads the signing key from the configured PEM file. A
// configured-but-missing file is generated and persisted so restarts keep
// validating earlier tokens; with no path at all the pair is ephemeral
// and every restart invalidates outstanding tokens.
func loadOrCreateKey(cfg config.AuthConfig) (*rsa.PrivateKey, error) {
	if cfg.PrivateKeyFile == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate keypair: %w", err)
		}
		logger.L().Warn("auth.ephemeral_keypair",
			zap.String("reason", "no private_key_file configured; tokens will not survive restarts"))
		return key, nil
	}

	data, err := os.ReadFile(cfg.PrivateKeyFile)
	switch {
	case err == nil:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cfg.PrivateKeyFile, err)
		}
		return key, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read private key %s: %w", cfg.PrivateKeyFile, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := persistKey(cfg, key); err != nil {
		return nil, err
	}
	logger.L().Info("auth.keypair_generated",
		zap.String("private_key_file", cfg.PrivateKeyFile))
	return key, nil
}

func persistKey(cfg config.AuthConfig, key *rsa.PrivateKey) error {
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(cfg.PrivateKeyFile, privPEM, 0o600); err != nil {
		return fmt.Errorf("persist private key: %w", err)
	}
	if cfg.PublicKeyFile == "" {
		return nil
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(cfg.PublicKeyFile, pubPEM, 0o644); err != nil {
		return fmt.Errorf("persist public key: %w", err)
	}
	return nil
}

// Authenticate verifies email+password. Unknown email, wrong password and
// disabled principals all return the same error so accounts cannot be
// enumerated.
func (s *TokenService) Authenticate(ctx context.Context, email, password string) (*domain.Principal, error) {
	invalid := infraerrors.Unauthorized("INVALID_CREDENTIALS", "Invalid credentials")
	p, err := s.users.ByEmail(ctx, email)
	if err != nil {
		return nil, invalid.WithCause(err)
	}
	ok, err := passhash.Verify(p.Verifier, password)
	if err != nil || !ok {
		return nil, invalid.WithCause(err)
	}
	if !p.IsActive() {
		return nil, invalid
	}
	return p, nil
}

// IssuePair signs a fresh access+refresh pair and records the refresh jti
// as the principal's current one.
func (s *TokenService) IssuePair(ctx context.Context, p *domain.Principal) (*TokenPair, error) {
	accessJTI, refreshJTI := uuid.NewString(), uuid.NewString()
	pair, err := s.signPair(p, accessJTI, refreshJTI)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, refreshKeyPrefix+p.ID, refreshJTI, s.refreshTTL); err != nil {
		return nil, errAuthUnavailable.WithCause(err)
	}
	if err := s.trackJTIs(ctx, p.ID, accessJTI, refreshJTI); err != nil {
		return nil, err
	}
	return pair, nil
}

// Validate parses and verifies raw, requiring the given token type, and
// rejects revoked jtis.
func (s *TokenService) Validate(ctx context.Context, raw, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.TokenType != wantType {
		return nil, infraerrors.Unauthorized("WRONG_TOKEN_TYPE",
			fmt.Sprintf("expected a %s token", wantType))
	}
	if err := s.checkNotRevoked(ctx, claims.ID); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh rotates a refresh token. The CAS on auth:refresh:{sub} makes
// exactly one concurrent caller win; everyone else is treated as token
// reuse and the whole refresh family is killed.
func (s *TokenService) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	claims, err := s.Validate(ctx, raw, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	sub := claims.Subject

	p, err := s.users.ByID(ctx, sub)
	if err != nil {
		return nil, infraerrors.Unauthorized("UNKNOWN_PRINCIPAL", "principal no longer exists").WithCause(err)
	}
	switch p.Status {
	case domain.PrincipalActive:
	case domain.PrincipalSuspended:
		return nil, infraerrors.Forbidden("PRINCIPAL_SUSPENDED", "principal is suspended")
	default:
		return nil, infraerrors.Unauthorized("UNKNOWN_PRINCIPAL", "principal no longer exists")
	}

	outstanding, err := s.store.SIsMember(ctx, jtisKeyPrefix+sub, claims.ID)
	if err != nil {
		return nil, errAuthUnavailable.WithCause(err)
	}
	if !outstanding {
		return nil, infraerrors.Unauthorized("REVOKED", "token has been revoked")
	}

	accessJTI, refreshJTI := uuid.NewString(), uuid.NewString()
	pair, err := s.signPair(p, accessJTI, refreshJTI)
	if err != nil {
		return nil, err
	}

	swapped, err := s.store.CompareAndSwap(ctx, refreshKeyPrefix+sub, claims.ID, refreshJTI, s.refreshTTL)
	if err != nil {
		return nil, errAuthUnavailable.WithCause(err)
	}
	if !swapped {
		// Reuse of a superseded refresh token: kill the family so the
		// holder of the rotated-away token cannot keep a session alive.
		s.revokeBestEffort(ctx, sub, claims)
		_ = s.store.Delete(ctx, refreshKeyPrefix+sub)
		logger.L().Warn("auth.refresh_reuse_detected", zap.String("sub", sub))
		return nil, infraerrors.Unauthorized("REFRESH_REUSED", "refresh token is no longer current")
	}

	if err := s.revokeJTI(ctx, claims.ID, remainingLifetime(claims)); err != nil {
		return nil, err
	}
	_ = s.store.SRem(ctx, jtisKeyPrefix+sub, claims.ID)
	if err := s.trackJTIs(ctx, sub, accessJTI, refreshJTI); err != nil {
		return nil, err
	}
	return pair, nil
}

// Revoke invalidates the presented token until its natural expiry. The
// token's signature must verify but it may already be expired; revoking
// twice is a no-op. Refresh tokens also clear the stored rotation state.
func (s *TokenService) Revoke(ctx context.Context, raw string) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return mapJWTError(err)
	}

	if remaining := remainingLifetime(claims); remaining > 0 {
		if err := s.revokeJTI(ctx, claims.ID, remaining); err != nil {
			return err
		}
	}
	if claims.TokenType == TokenTypeRefresh {
		cur, err := s.store.Get(ctx, refreshKeyPrefix+claims.Subject)
		if err == nil && cur == claims.ID {
			_ = s.store.Delete(ctx, refreshKeyPrefix+claims.Subject)
		}
	}
	_ = s.store.SRem(ctx, jtisKeyPrefix+claims.Subject, claims.ID)
	return nil
}

// RevokeAllForPrincipal invalidates every outstanding token for sub. Used
// when a principal disappears from the directory.
func (s *TokenService) RevokeAllForPrincipal(ctx context.Context, sub string) error {
	jtis, err := s.store.SMembers(ctx, jtisKeyPrefix+sub)
	if err != nil {
		return errAuthUnavailable.WithCause(err)
	}
	for _, jti := range jtis {
		// Remaining lifetimes are unknown here; the refresh TTL is the
		// upper bound for any token we issued.
		if err := s.revokeJTI(ctx, jti, s.refreshTTL); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, refreshKeyPrefix+sub, jtisKeyPrefix+sub); err != nil {
		return errAuthUnavailable.WithCause(err)
	}
	if len(jtis) > 0 {
		logger.L().Info("auth.cascaded_revocation",
			zap.String("sub", sub),
			zap.Int("tokens", len(jtis)))
	}
	return nil
}

func (s *TokenService) keyFunc(*jwt.Token) (interface{}, error) {
	return s.publicKey, nil
}

func (s *TokenService) signPair(p *domain.Principal, accessJTI, refreshJTI string) (*TokenPair, error) {
	now := time.Now()
	access, err := s.sign(p, TokenTypeAccess, accessJTI, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(p, TokenTypeRefresh, refreshJTI, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *TokenService) sign(p *domain.Principal, typ, jti string, now time.Time, ttl time.Duration) (string, error) {
	claims := &Claims{
		Email:     p.Email,
		Tier:      string(p.Tier),
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			ID:        jti,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

func (s *TokenService) checkNotRevoked(ctx context.Context, jti string) error {
	_, err := s.store.Get(ctx, revokedKeyPrefix+jti)
	switch {
	case err == nil:
		return infraerrors.Unauthorized("REVOKED", "token has been revoked")
	case errors.Is(err, ErrKeyNotFound):
		return nil
	default:
		return errAuthUnavailable.WithCause(err)
	}
}

func (s *TokenService) revokeJTI(ctx context.Context, jti string, remaining time.Duration) error {
	if remaining < time.Second {
		remaining = time.Second
	}
	if err := s.store.Set(ctx, revokedKeyPrefix+jti, "1", remaining); err != nil {
		return errAuthUnavailable.WithCause(err)
	}
	return nil
}

func (s *TokenService) revokeBestEffort(ctx context.Context, sub string, claims *Claims) {
	if err := s.revokeJTI(ctx, claims.ID, remainingLifetime(claims)); err != nil {
		logger.L().Warn("auth.revoke_failed", zap.String("sub", sub), zap.Error(err))
	}
	_ = s.store.SRem(ctx, jtisKeyPrefix+sub, claims.ID)
}

func (s *TokenService) trackJTIs(ctx context.Context, sub string, jtis ...string) error {
	if err := s.store.SAdd(ctx, jtisKeyPrefix+sub, jtis...); err != nil {
		return errAuthUnavailable.WithCause(err)
	}
	if err := s.store.Expire(ctx, jtisKeyPrefix+sub, s.refreshTTL); err != nil {
		return errAuthUnavailable.WithCause(err)
	}
	return nil
}

func remainingLifetime(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return time.Until(claims.ExpiresAt.Time)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return infraerrors.Unauthorized("MALFORMED_TOKEN", "token is malformed").WithCause(err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return infraerrors.Unauthorized("INVALID_SIGNATURE", "token signature is invalid").WithCause(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return infraerrors.Unauthorized("EXPIRED", "token has expired").WithCause(err)
	default:
		return infraerrors.Unauthorized("MALFORMED_TOKEN", "token validation failed").WithCause(err)
	}
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/model"
)

// ErrInvalidCredentials covers every way a credential can fail: malformed
// token, bad signature, expiry, unknown key, hash mismatch, revoked key.
// Callers surface a single category so the response never tells an attacker
// which check rejected them.
var ErrInvalidCredentials = errors.New("invalid credentials")

// SessionClaims is the payload of a signed session token. Validity is fully
// determined by the signature and expiry; no server-side state is consulted.
type SessionClaims struct {
	IsAdmin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// AuthService verifies both credential schemes the gateway accepts: stateless
// signed session tokens and stored opaque API keys.
type AuthService struct {
	store         *config.Store
	signingSecret []byte
	logger        *slog.Logger
}

// NewAuthService creates an AuthService backed by the given store and HMAC
// signing secret.
func NewAuthService(store *config.Store, signingSecret string, logger *slog.Logger) *AuthService {
	return &AuthService{
		store:         store,
		signingSecret: []byte(signingSecret),
		logger:        logger,
	}
}

// ValidateKey checks a presented raw API key against stored records.
//
// The 8-character prefix narrows the candidate set with an indexed lookup
// before the deliberately expensive bcrypt comparison runs; running bcrypt
// against every stored key per request would not scale, and the prefix is
// useless on its own. Prefix collisions between unrelated keys are expected:
// every active candidate is compared until one matches.
//
// On success the key's last_used_at is updated off the request path,
// best-effort; a lost update never affects the admission decision.
func (s *AuthService) ValidateKey(ctx context.Context, presented string) (*model.APIKey, error) {
	if len(presented) < PrefixLength {
		return nil, ErrInvalidCredentials
	}

	candidates, err := s.store.GetActiveAPIKeysByPrefix(ctx, presented[:PrefixLength])
	if err != nil {
		s.logger.Error("api key lookup failed", "error", err)
		return nil, ErrInvalidCredentials
	}

	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].KeyHash), []byte(presented)) == nil {
			key := candidates[i]
			go s.touchKey(key.ID)
			return &key, nil
		}
	}

	// No match, or the key exists but was revoked and therefore never made
	// it into the candidate set. Same answer either way.
	return nil, ErrInvalidCredentials
}

// touchKey records key usage outside the request path. Failures are logged
// and dropped; concurrent touches to the same key are last-write-wins.
func (s *AuthService) touchKey(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		s.logger.Warn("failed to update key last_used_at", "key_id", id, "error", err)
	}
}

// VerifyToken validates a signed session token and returns its claims. It is
// a pure function over the token and the configured secret, with no I/O, safe for
// unlimited concurrent calls. The HMAC comparison inside the JWT library is
// constant-time, so a bad signature and an expired token are not
// distinguishable by timing.
func (s *AuthService) VerifyToken(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.signingSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return claims, nil
}

// IssueToken mints a signed session token for the given subject. Production
// tokens come from the identity service; this lives here for the dev CLI and
// for tests.
func (s *AuthService) IssueToken(subject string, isAdmin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "tollcounter",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingSecret)
}

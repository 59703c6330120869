package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
)

// Claims is what the middleware needs back out of a validated token.
type Claims struct {
	UserID    id.UserID
	SessionID id.SessionID
}

// TokenManager mints and validates the HS256 access tokens carried by the
// dashboards. The session ID rides in the jti claim so revocation checks can
// hit the session store without a second lookup key.
type TokenManager struct {
	signingKey []byte
}

// NewTokenManager creates a token manager with the given signing key.
func NewTokenManager(signingKey string) *TokenManager {
	return &TokenManager{signingKey: []byte(signingKey)}
}

// Mint signs an access token for the session.
func (m *TokenManager) Mint(userID id.UserID, sessionID id.SessionID, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ID:        sessionID.String(),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		Issuer:    "opsgate",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token, returning its claims.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.signingKey, nil
	}, jwt.WithIssuer("opsgate"), jwt.WithExpirationRequired())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid or expired token")
	}

	registered, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "malformed token claims")
	}

	userID, err := id.ParseUserID(registered.Subject)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "malformed subject claim")
	}
	sessionID, err := id.ParseSessionID(registered.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "malformed jti claim")
	}

	return &Claims{UserID: userID, SessionID: sessionID}, nil
}

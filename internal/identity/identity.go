// Package identity issues and validates JWT-scoped bearer tokens that bind
// a single (project_id, agent_id) pair to a request on the HTTP transport,
// preventing one agent's credential from being replayed against another
// agent's inbox or reservations.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims binds a token to exactly one (project, agent) scope.
type Claims struct {
	jwt.RegisteredClaims
	ProjectID int64 `json:"project_id"`
	AgentID   int64 `json:"agent_id"`
}

// Manager issues and validates HMAC-signed scope tokens.
type Manager struct {
	signingKey []byte
	expiration time.Duration
}

// NewManager creates a Manager from signingKey. If signingKey is empty, an
// ephemeral random key is generated — tokens remain valid only for this
// process's lifetime, which is acceptable for a single-host daemon but
// means every restart invalidates outstanding tokens.
func NewManager(signingKey string, expiration time.Duration) (*Manager, error) {
	if signingKey == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("identity: generate ephemeral signing key: %w", err)
		}
		signingKey = hex.EncodeToString(buf)
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &Manager{signingKey: []byte(signingKey), expiration: expiration}, nil
}

// IssueToken creates a signed token scoped to (projectID, agentID).
func (m *Manager) IssueToken(projectID, agentID int64) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "loomd",
			Audience:  jwt.ClaimStrings{"loomd"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		ProjectID: projectID,
		AgentID:   agentID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates tokenStr, returning its scope claims.
func (m *Manager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method: %v", token.Header["alg"])
			}
			return m.signingKey, nil
		},
		jwt.WithAudience("loomd"),
		jwt.WithIssuer("loomd"),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("identity: invalid token claims")
	}
	return claims, nil
}

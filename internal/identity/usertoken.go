package identity

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried by user tokens.
const (
	RoleFarmer = "farmer"
	RoleBuyer  = "buyer"
	RoleAdmin  = "admin"
)

// UserTokenClaims are the JWT claims for a marketplace session token.
type UserTokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Type   string `json:"type"` // "user" or "admin"
	Role   string `json:"role"`
}

// TokenIssuer issues and verifies session JWTs with an RSA key.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuer: the "iss" claim value.
//	ttl:    token lifetime (default: 24 hours).
func NewTokenIssuer(key *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    &key.PublicKey,
		issuer: issuer,
		ttl:    ttl,
	}
}

// PublicKey returns the verification key.
func (u *TokenIssuer) PublicKey() *rsa.PublicKey {
	return u.pub
}

// Issue creates a signed user token. Account management lives outside the
// marketplace; whoever holds the signing key vouches for userID and role.
func (u *TokenIssuer) Issue(userID, role string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue user token: user id is required")
	}
	if role != RoleFarmer && role != RoleBuyer {
		return "", fmt.Errorf("issue user token: unknown role %q", role)
	}
	return u.sign(userID, "user", role, u.ttl)
}

// IssueAdminToken creates a signed admin token. Admin tokens are issued only
// in exchange for the admin secret.
func (u *TokenIssuer) IssueAdminToken(ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return u.sign("admin", "admin", RoleAdmin, ttl)
}

func (u *TokenIssuer) sign(userID, typ, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    u.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		UserID: userID,
		Type:   typ,
		Role:   role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(u.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (u *TokenIssuer) Verify(tokenStr string) (*UserTokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&UserTokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return u.pub, nil
		},
		jwt.WithIssuer(u.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify user token: %w", err)
	}
	claims, ok := token.Claims.(*UserTokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid user token claims")
	}
	if claims.Type != "user" && claims.Type != "admin" {
		return nil, fmt.Errorf("not a session token")
	}
	if claims.Type == "admin" && claims.Role != RoleAdmin {
		return nil, fmt.Errorf("admin token without admin role")
	}
	return claims, nil
}

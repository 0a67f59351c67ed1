package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxUserClaims = "agrimarket_user_claims"

// RequireUserToken returns a Gin middleware that enforces a valid Bearer
// session token. Admin tokens are accepted too.
//
// On success it injects the *UserTokenClaims into the context.
func RequireUserToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, tokens, "Bearer user token required")
		if !ok {
			return
		}
		c.Set(ctxUserClaims, claims)
		c.Next()
	}
}

// RequireAdmin returns a Gin middleware that enforces a valid admin Bearer
// token. Only tokens with Type="admin" and Role="admin" are accepted.
func RequireAdmin(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, tokens, "admin Bearer token required")
		if !ok {
			return
		}
		if claims.Type != "admin" || claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
			})
			return
		}
		c.Set(ctxUserClaims, claims)
		c.Next()
	}
}

func bearerClaims(c *gin.Context, tokens *TokenIssuer, missing string) (*UserTokenClaims, bool) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": missing})
		return nil, false
	}
	claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid token: " + err.Error(),
		})
		return nil, false
	}
	return claims, true
}

// UserClaimsFromCtx retrieves the claims injected by RequireUserToken or
// RequireAdmin. Returns nil if no token is present in the context.
func UserClaimsFromCtx(c *gin.Context) *UserTokenClaims {
	v, _ := c.Get(ctxUserClaims)
	claims, _ := v.(*UserTokenClaims)
	return claims
}

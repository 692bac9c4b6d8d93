package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// Bearer enforces bearer access tokens signed with HS256.
func Bearer(s Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No autenticado"})
			return
		}
		claims, err := s.Parse(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token inválido o expirado"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) string {
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}

// ClaimsFrom returns the claims stored by Bearer.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// AdminOnly aborts with 403 unless the authenticated email is in admins.
// Must run after Bearer.
func AdminOnly(admins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No autenticado"})
			return
		}
		if !IsAdmin(admins, claims.Email) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Acceso denegado"})
			return
		}
		c.Next()
	}
}

// IsAdmin reports whether email is listed in admins, ignoring case.
func IsAdmin(admins []string, email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	for _, a := range admins {
		if strings.EqualFold(strings.TrimSpace(a), email) {
			return true
		}
	}
	return false
}

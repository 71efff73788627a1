// Package auth provides the dispatcher's authentication and
// authorization middleware: JWT bearer-token parsing and a casbin role
// gate over the three user roles the data model defines.
package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"judgeservice/internal/models"
)

const (
	contextUserID = "auth_user_id"
	contextRole   = "auth_role"
)

// Claims is the JWT payload minted at login: subject user id and role.
type Claims struct {
	UserID uint32 `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Middleware parses bearer tokens and enforces the casbin role policy.
type Middleware struct {
	secret   []byte
	enforcer *casbin.Enforcer
}

// New loads the casbin model/policy from disk. Model and policy are
// the small, fixed three-role ("user","author","admin") shape the
// data model defines, not the teacher's dynamically managed RBAC.
func New(jwtSecret, modelPath, policyPath string) (*Middleware, error) {
	enforcer, err := casbin.NewEnforcer(modelPath, policyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: loading casbin policy: %w", err)
	}
	return &Middleware{secret: []byte(jwtSecret), enforcer: enforcer}, nil
}

// IssueToken mints a signed bearer token for a successful login.
func (m *Middleware) IssueToken(userID uint32, role models.UserRole, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   roleName(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func roleName(r models.UserRole) string {
	switch r {
	case models.RoleAuthor:
		return "author"
	case models.RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

// RequireAuth validates the bearer token and stashes user id/role in
// the gin context for downstream handlers and RequireRole.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"reason": "ERR_INVALID_ARGUMENT", "message": "bearer token required"})
			c.Abort()
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"reason": "ERR_INVALID_ARGUMENT", "message": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(contextUserID, claims.UserID)
		c.Set(contextRole, claims.Role)
		c.Next()
	}
}

// RequireRole gates a route behind a casbin policy check for the
// given resource/action pair, keyed on the authenticated user's role.
func (m *Middleware) RequireRole(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := c.Get(contextRole)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"reason": "ERR_INVALID_ARGUMENT", "message": "not authenticated"})
			c.Abort()
			return
		}

		allowed, err := m.enforcer.Enforce(role, resource, action)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"reason": "ERR_INTERNAL", "message": "permission check failed"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"reason": "ERR_FORBIDDEN", "message": fmt.Sprintf("role %s cannot %s %s", role, action, resource)})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated caller's id, set by RequireAuth.
func UserID(c *gin.Context) (uint32, bool) {
	v, ok := c.Get(contextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint32)
	return id, ok
}

// Role returns the authenticated caller's role name, set by RequireAuth.
func Role(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextRole)
	if !ok {
		return "", false
	}
	role, ok := v.(string)
	return role, ok
}

// ParseUserIDParam parses a uint32 URL path/query parameter, reporting
// the failure the way every numeric-parameter route needs to.
func ParseUserIDParam(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return uint32(v), nil
}

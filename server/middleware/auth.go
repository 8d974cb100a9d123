package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Roles carried in tokens. Admins and operators may feed any session; a
// session token only the session it was issued for.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleSession  = "session"
)

const (
	tokenVersion = "v1"
	claimsKey    = "eyeq.claims"
)

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenSignature = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
)

// Claims is the signed payload of a token. SessionID is set only on
// session-scoped tokens.
type Claims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	SessionID string    `json:"sid,omitempty"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// CanPublish reports whether the holder may publish inputs into, switch the
// mode of, or stop the given session.
func (c *Claims) CanPublish(sessionID string) bool {
	switch c.Role {
	case RoleAdmin, RoleOperator:
		return true
	case RoleSession:
		return c.SessionID != "" && c.SessionID == sessionID
	}
	return false
}

// AuthMiddleware signs and checks HMAC bearer tokens of the form
// v1.<base64url claims>.<base64url mac>.
type AuthMiddleware struct {
	secretKey []byte
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthMiddleware(secretKey string, logger *zap.Logger) *AuthMiddleware {
	if secretKey == "" {
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		secretKey = base64.StdEncoding.EncodeToString(key)
		logger.Warn("No secret key provided, generated an ephemeral key; issued tokens will not survive a restart")
	}

	return &AuthMiddleware{
		secretKey: []byte(secretKey),
		logger:    logger,
		now:       time.Now,
	}
}

// IssueToken mints an operator or admin token.
func (a *AuthMiddleware) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	return a.sign(Claims{
		Subject:   subject,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
}

// IssueSessionToken mints the token handed to whoever created a session.
func (a *AuthMiddleware) IssueSessionToken(sessionID string, ttl time.Duration) (string, error) {
	now := a.now()
	return a.sign(Claims{
		Subject:   sessionID,
		Role:      RoleSession,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
}

func (a *AuthMiddleware) sign(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := tokenVersion + "." + base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + a.mac(body), nil
}

// Parse verifies a token and returns its claims.
func (a *AuthMiddleware) Parse(token string) (*Claims, error) {
	version, rest, ok := strings.Cut(token, ".")
	if !ok || version != tokenVersion {
		return nil, ErrTokenMalformed
	}
	payload, signature, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, ErrTokenMalformed
	}
	if !hmac.Equal([]byte(signature), []byte(a.mac(version+"."+payload))) {
		return nil, ErrTokenSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrTokenMalformed
	}
	if !a.now().Before(claims.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func (a *AuthMiddleware) mac(message string) string {
	h := hmac.New(sha256.New, a.secretKey)
	h.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// RequireAuth rejects requests without a valid bearer token and stores the
// claims for later handlers.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			return
		}

		claims, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			a.logger.Warn("Rejected token",
				zap.Error(err),
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole admits tokens carrying any of roles. It must follow RequireAuth.
func (a *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Role information not found"})
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
	}
}

// RequireSessionAccess admits tokens allowed to drive the session named by
// the path parameter param. It must follow RequireAuth.
func (a *AuthMiddleware) RequireSessionAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		sessionID := c.Param(param)
		if !ok || !claims.CanPublish(sessionID) {
			a.logger.Warn("Session access denied",
				zap.String("session_id", sessionID),
				zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token does not grant access to this session"})
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims RequireAuth stored on the request.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

package syncserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Server wires gin routes to a gorm-backed Postgres store.
type Server struct {
	db     *gorm.DB
	tokens *tokenIssuer
	engine *gin.Engine
}

// Config configures token lifetimes for a Server.
type Config struct {
	JWTSecret         []byte
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
}

// NewServer builds the gin engine and mounts every route in spec.md §6.
func NewServer(db *gorm.DB, cfg Config) *Server {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	s := &Server{
		db:     db,
		tokens: newTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	s.mountRoutes(r)
	s.engine = r
	return s
}

// Handler returns the http.Handler to pass to http.Server / httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) mountRoutes(r *gin.Engine) {
	auth := r.Group("/v1/auth")
	auth.POST("/register", s.handleRegister)
	auth.POST("/login", s.handleLogin)
	auth.POST("/refresh", s.handleRefresh)
	auth.POST("/logout", s.authMiddleware(), s.handleLogout)

	v1 := r.Group("/v1", s.authMiddleware())
	v1.POST("/sync/push", s.handlePush)
	v1.GET("/sync/pull", s.handlePull)
	v1.GET("/keys/envelope", s.handleGetEnvelope)
	v1.PUT("/keys/envelope", s.handlePutEnvelope)
}

const identityUserIDKey = "userID"
const identityDeviceIDKey = "deviceID"

// authMiddleware resolves the bearer access token into the request's
// gin context, matching chirino-memory-service's AuthMiddleware shape
// (resolve once, c.Set, c.Next) but against this server's own JWTs
// instead of OIDC.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed Authorization header"})
			return
		}
		claims, err := s.tokens.verifyAccessToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired access token"})
			return
		}
		c.Set(identityUserIDKey, claims.UserID)
		c.Set(identityDeviceIDKey, claims.DeviceID)
		c.Next()
	}
}

func userID(c *gin.Context) string   { return c.GetString(identityUserIDKey) }
func deviceID(c *gin.Context) string { return c.GetString(identityDeviceIDKey) }

func queryInt(c *gin.Context, key string, def int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func newID() string { return uuid.NewString() }

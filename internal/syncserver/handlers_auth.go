package syncserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type authRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	DeviceName string `json:"deviceName"`
	MFACode    string `json:"mfaCode"`
}

type authResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
	UserID           string `json:"userId"`
	DeviceID         string `json:"deviceId"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and a password of at least 8 characters are required"})
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to hash password"})
		return
	}

	user := User{ID: newID(), Username: req.Username, PasswordHash: hash, CreatedAt: time.Now()}
	if err := s.db.Create(&user).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username already registered"})
		return
	}

	device := Device{ID: newID(), UserID: user.ID, Name: req.DeviceName, CreatedAt: time.Now(), LastSeenAt: time.Now()}
	if err := s.db.Create(&device).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	s.respondWithFreshTokens(c, user.ID, device.ID)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var user User
	if err := s.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	if !verifyPassword(req.Password, user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	if user.MFASecret != nil {
		if req.MFACode == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "MFA code required", "mfaRequired": true, "code": "MFA_REQUIRED"})
			return
		}
		if !verifyTOTP(*user.MFASecret, req.MFACode, time.Now()) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid MFA code", "mfaRequired": true, "code": "INVALID_MFA_CODE"})
			return
		}
	}

	device := Device{ID: newID(), UserID: user.ID, Name: req.DeviceName, CreatedAt: time.Now(), LastSeenAt: time.Now()}
	if err := s.db.Create(&device).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	s.respondWithFreshTokens(c, user.ID, device.ID)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// handleRefresh exchanges a valid, unexpired, unrevoked refresh token for
// a fresh access/refresh pair (spec.md §4.I: refresh tokens are
// single-use). The old refresh row is revoked in its own transaction;
// the new pair is then issued and persisted separately, so the two
// steps are not atomic.
func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	hash := hashRefreshToken(req.RefreshToken)
	var stored RefreshToken
	if err := s.db.Where("token_hash = ?", hash).First(&stored).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	if stored.Revoked || time.Now().After(stored.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token expired or revoked"})
		return
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RefreshToken{}).Where("token_hash = ?", hash).Update("revoked", true).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}

	s.respondWithFreshTokens(c, stored.UserID, stored.DeviceID)
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.db.Model(&RefreshToken{}).
		Where("user_id = ? AND device_id = ?", userID(c), deviceID(c)).
		Update("revoked", true).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// respondWithFreshTokens issues and persists a new access/refresh pair
// for (userID, deviceID) and writes the authResponse body.
func (s *Server) respondWithFreshTokens(c *gin.Context, userID, deviceID string) {
	access, err := s.tokens.issueAccessToken(userID, deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue access token"})
		return
	}
	rawRefresh, refreshHash, err := newRefreshToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue refresh token"})
		return
	}
	expiresAt := time.Now().Add(s.tokens.refreshTTL)
	if err := s.db.Create(&RefreshToken{
		TokenHash: refreshHash, UserID: userID, DeviceID: deviceID, ExpiresAt: expiresAt,
	}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist refresh token"})
		return
	}

	c.JSON(http.StatusOK, authResponse{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: expiresAt.UnixMilli(),
		UserID:           userID,
		DeviceID:         deviceID,
	})
}

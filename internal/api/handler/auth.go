package handler

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"vidmatch/backend/internal/config"
)

func jwtSecret() []byte {
	if s := os.Getenv("JWT_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("dev-only-insecure-secret")
}

func signAccessToken(participantID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": participantID,
		"exp": time.Now().Add(config.AccessTokenTTL).Unix(),
		"iss": "vidmatch-service",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

func signRefreshToken(participantID, jti string) (string, error) {
	claims := jwt.MapClaims{
		"sub": participantID,
		"jti": jti,
		"exp": time.Now().Add(config.RefreshTokenTTL).Unix(),
		"iss": "vidmatch-service",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

func parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// validateAndGetUserID extracts the participant ID from an access token.
func (h *Handler) validateAndGetUserID(tokenString string) (string, error) {
	claims, err := parseToken(tokenString)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("missing subject")
	}
	return sub, nil
}

type anonRequest struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
}

// CreateAnonSession issues the identity for a device: the participant row is
// created on first contact, and an access/refresh token pair is returned.
func (h *Handler) CreateAnonSession(c *gin.Context) {
	var req anonRequest
	// An empty or absent body is fine for a brand new device.
	if err := c.ShouldBindJSON(&req); err != nil {
		req = anonRequest{}
	}
	if req.DeviceID == "" {
		req.DeviceID = uuid.New().String()
	}

	user, err := h.Storage.GetOrCreateUserByDevice(req.DeviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create participant"})
		return
	}
	if req.DisplayName != "" && user.DisplayName != req.DisplayName {
		user.DisplayName = req.DisplayName
		if err := h.Storage.SaveUser(user); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update participant"})
			return
		}
	}

	access, err := signAccessToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	jti := uuid.New().String()
	refresh, err := signRefreshToken(user.ID, jti)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	if err := h.Storage.StoreRefreshToken(user.ID, jti, config.RefreshTokenTTL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participant_id": user.ID,
		"device_id":      user.DeviceID,
		"access_token":   access,
		"refresh_token":  refresh,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshSession rotates a refresh token: the old token id is revoked, a new
// pair is issued. A replayed (already rotated) token is rejected.
func (h *Handler) RefreshSession(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}

	claims, err := parseToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	sub, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	if sub == "" || jti == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	active, err := h.Storage.IsRefreshTokenActive(sub, jti)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
		return
	}
	if !active {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	}
	if err := h.Storage.RevokeRefreshToken(sub, jti); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token rotation failed"})
		return
	}

	access, err := signAccessToken(sub)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	newJTI := uuid.New().String()
	refresh, err := signRefreshToken(sub, newJTI)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	if err := h.Storage.StoreRefreshToken(sub, newJTI, config.RefreshTokenTTL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/jotbook/realtime/internal/errors"
)

// Context keys the auth middleware populates.
const (
	ContextUserID   = "user_id"
	ContextDeviceID = "device_id"
)

// apiClaims mirrors the session token claims: user id in the subject,
// optional device id.
type apiClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// BearerAuth verifies the Authorization header against the shared HMAC
// secret and stores the authenticated user on the context. The same
// tokens authenticate REST calls and live session handshakes.
func BearerAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := &apiClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			unauthorized(c, "invalid bearer token")
			return
		}

		c.Set(ContextUserID, claims.Subject)
		if claims.DeviceID != "" {
			c.Set(ContextDeviceID, claims.DeviceID)
		}
		c.Next()
	}
}

// UserID returns the authenticated user of the request, empty when the
// route skipped authentication.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// DeviceID returns the authenticated device, if the token carried one.
func DeviceID(c *gin.Context) string {
	return c.GetString(ContextDeviceID)
}

func unauthorized(c *gin.Context, message string) {
	appErr := apperrors.NewAuthenticationError(message)
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
		Type:    string(appErr.Type),
		Code:    appErr.Code,
		Message: appErr.Message,
	})
}

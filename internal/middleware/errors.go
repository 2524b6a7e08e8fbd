package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jotbook/realtime/internal/errors"
	"github.com/jotbook/realtime/internal/telemetry"
)

// errorBody is the JSON shape every error response uses.
type errorBody struct {
	Type          string `json:"type"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ErrorHandler renders errors attached to the gin context as JSON and
// recovers panics into a 500. Handlers report failures with c.Error and
// abort; this middleware decides the wire shape.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				ctx := c.Request.Context()
				telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
					"panic_value": fmt.Sprintf("%v", r),
					"path":        c.Request.URL.Path,
				}).Error("Panic recovered in HTTP handler")

				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
					Type:          string(apperrors.ErrorTypeInternal),
					Code:          "INTERNAL_ERROR",
					Message:       "An unexpected error occurred",
					CorrelationID: telemetry.GetCorrelationID(ctx),
				})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := asAppError(err, telemetry.GetCorrelationID(c.Request.Context()))
		logAppError(c, appErr)

		c.JSON(appErr.HTTPStatus, errorBody{
			Type:          string(appErr.Type),
			Code:          appErr.Code,
			Message:       appErr.Message,
			CorrelationID: appErr.CorrelationID,
		})
	}
}

func asAppError(err error, correlationID string) *apperrors.AppError {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.NewInternalError("An unexpected error occurred", err)
	}
	if appErr.CorrelationID == "" {
		appErr = appErr.WithCorrelationID(correlationID)
	}
	return appErr
}

func logAppError(c *gin.Context, appErr *apperrors.AppError) {
	logger := telemetry.LogFromContext(c.Request.Context()).WithFields(map[string]interface{}{
		"error_type": string(appErr.Type),
		"error_code": appErr.Code,
		"path":       c.Request.URL.Path,
	})
	if appErr.Cause != nil {
		logger = logger.WithField("cause", appErr.Cause.Error())
	}

	switch appErr.Type {
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeAuthentication,
		apperrors.ErrorTypeAuthorization, apperrors.ErrorTypeRateLimit:
		logger.Warn(appErr.Message)
	case apperrors.ErrorTypeNotFound, apperrors.ErrorTypeConflict, apperrors.ErrorTypeStale:
		logger.Info(appErr.Message)
	default:
		logger.Error(appErr.Message)
	}
}

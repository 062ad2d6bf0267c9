package middleware

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/pkg/errors"
)

// ErrorHandlerMiddleware turns the last handler error into a JSON body.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := ToAppError(c.Errors.Last().Err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", appErr.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// ToAppError maps domain sentinels onto HTTP-aware errors.
func ToAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrEpisodeNotFound):
		return errors.NewNotFoundError("episode")
	case stderrors.Is(err, domain.ErrLogNotFound):
		return errors.NewNotFoundError("log")
	case stderrors.Is(err, domain.ErrRecordingNotFound):
		return errors.NewNotFoundError("recording")
	case stderrors.Is(err, domain.ErrUserNotFound):
		return errors.NewNotFoundError("user")
	case stderrors.Is(err, domain.ErrEpisodeNotLive):
		return errors.NewConflictError(domain.ErrEpisodeNotLive.Error())
	case stderrors.Is(err, domain.ErrNotHost):
		return errors.NewForbiddenError(domain.ErrNotHost.Error())
	case stderrors.Is(err, domain.ErrInvalidMessage):
		return errors.NewInvalidInputError(err.Error())
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

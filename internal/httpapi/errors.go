package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
)

// codeRateLimited is the error code of a 429. Rate limiting is decided at
// this boundary, so it has no apperr code.
const codeRateLimited = "rate_limited"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalid:
		return http.StatusBadRequest
	case apperr.CodeAccessDenied:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAlreadyActive, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeModerationRejected:
		return http.StatusUnprocessableEntity
	case apperr.CodeUpstream, apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as an error response. Server-side failures are
// logged; client errors are not.
func handleError(c *gin.Context, logger *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	status := StatusOf(code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: string(code), Message: apperr.MessageOf(err)}})
}

// handleBindError answers a malformed request body or query.
func handleBindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Code:    string(apperr.CodeInvalid),
		Message: "invalid request: " + err.Error(),
	}})
}

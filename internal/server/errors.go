package server

import (
	"net/http"
	"strconv"

	"digital-delivery/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.ClassOf(err) {
	case domain.ClassAuthentication:
		return http.StatusUnauthorized
	case domain.ClassValidation:
		return http.StatusBadRequest
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassAuthorization:
		return http.StatusForbidden
	case domain.ClassRateLimited:
		return http.StatusTooManyRequests
	case domain.ClassStateConflict:
		switch {
		case errors.Is(err, domain.ErrTokenInvalid):
			return http.StatusGone
		case errors.Is(err, domain.ErrGrantInvalid):
			return http.StatusForbidden
		}
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes the error response. Transient failures are logged and hidden from the caller.
func (s *Server) fail(c *gin.Context, span trace.Span, err error) {
	status := statusFor(err)

	var limited *domain.RateLimitedError
	if errors.As(err, &limited) {
		secs := limited.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(status, gin.H{"error": "Too many requests", "retry_after": secs})
		return
	}

	if status == http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, "internal error")
		s.Logger.Error("Request failed",
			zap.String("trace_id", traceID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": rootMessage(err)})
}

// rootMessage returns the sentinel's message without wrapping detail.
func rootMessage(err error) string {
	return errors.Cause(err).Error()
}

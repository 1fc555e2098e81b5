package middleware

import (
	"context"
	"strconv"
	"strings"

	"gradebox/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-Id"
	userRoleHeader  = "X-User-Role"

	traceIDContextKey = "trace_id"
	maxHeaderIDLength = 128
)

// TraceContextMiddleware puts the trace, request and caller ids into the
// request context and echoes the trace and request ids back.
//
// The caller id comes from X-User-Id as set by the fronting course platform;
// values that are not positive integers are dropped. X-User-Role is kept only
// alongside a valid caller id and is lowercased. Routes carrying a
// submission id also tag the context with it so every log line of the request
// names the submission.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		traceID := headerID(c, traceIDHeader)
		c.Set(traceIDContextKey, traceID)
		ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
		c.Writer.Header().Set(traceIDHeader, traceID)

		requestID := headerID(c, requestIDHeader)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		if raw := strings.TrimSpace(c.GetHeader(userIDHeader)); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				ctx = context.WithValue(ctx, contextkey.UserID, raw)
				if role := strings.ToLower(strings.TrimSpace(c.GetHeader(userRoleHeader))); role != "" {
					ctx = context.WithValue(ctx, contextkey.UserRole, role)
				}
			}
		}

		if strings.Contains(c.FullPath(), "/submissions/:id") {
			if id, err := strconv.ParseInt(c.Param("id"), 10, 64); err == nil && id > 0 {
				ctx = context.WithValue(ctx, contextkey.SubmissionID, id)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// headerID returns the client-supplied id or a fresh uuid when it is missing
// or oversized.
func headerID(c *gin.Context, header string) string {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" || len(id) > maxHeaderIDLength {
		return uuid.NewString()
	}
	return id
}

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/idgen"
	"github.com/payrollx/escrowrecon/internal/logging"
	"github.com/payrollx/escrowrecon/internal/metrics"
	"github.com/payrollx/escrowrecon/internal/ratelimit"
	"github.com/payrollx/escrowrecon/internal/security"
	"github.com/payrollx/escrowrecon/internal/validation"
)

// maxRequestIDLen caps caller-supplied request ids before they reach logs.
const maxRequestIDLen = 128

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an id set by the load balancer so traces line up.
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code; probes only at debug.
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case strings.HasPrefix(path, "/health") || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

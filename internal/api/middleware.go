package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/skybridge-home/alexahub/internal/errors"
)

var (
	metricHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alexahub",
		Name:      "http_requests_total",
		Help:      "Management API requests.",
	}, []string{"method", "path", "status"})
	metricHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "alexahub",
		Name:      "http_request_duration_seconds",
		Help:      "Management API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RequestIDMiddleware assigns every request an ID, honoring one the client
// already sent, and echoes it back.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// MetricsMiddleware records per-route prometheus counters and latency.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metricHTTPRequests.WithLabelValues(c.Request.Method, path,
			strconv.Itoa(c.Writer.Status())).Inc()
		metricHTTPDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// AuthMiddleware enforces the management API keys. Requests authenticate
// with `Authorization: Bearer <key>` or `X-Api-Key`. An empty key list
// leaves the API open (LoadConfig warns about that).
func AuthMiddleware(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		presented := c.GetHeader("X-Api-Key")
		if presented == "" {
			const prefix = "Bearer "
			if auth := c.GetHeader("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
				presented = auth[len(prefix):]
			}
		}
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		respondError(c, apperrors.NewUnauthorized("missing or invalid api key"))
		c.Abort()
	}
}

// respondError writes the AppError envelope.
func respondError(c *gin.Context, appErr *apperrors.AppError) {
	c.JSON(appErr.HTTPStatusCode, gin.H{"error": appErr})
}

// respondAppError coerces any error into the envelope.
func respondAppError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		respondError(c, appErr)
		return
	}
	respondError(c, apperrors.New(http.StatusInternalServerError, "internal_error", err.Error(), err))
}

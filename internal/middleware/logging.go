package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/opinio/backend/pkg/logger"
)

const requestIDKey = "requestID"

// RequestLogger tags every request with an ID and logs one line per request
// after the handler chain ran.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals(requestIDKey, requestID)
		c.Set("X-Request-ID", requestID)

		start := time.Now()
		err := c.Next()

		logger.Info("http_request", map[string]interface{}{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.IP(),
			"request_id":  requestID,
		})
		return err
	}
}

func GetRequestID(c *fiber.Ctx) string {
	value, ok := c.Locals(requestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

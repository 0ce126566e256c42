package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/internal/auth"
	"github.com/satriahrh/crmvoice/internal/metrics"
)

const claimsContextKey = "claims"

// RequireBearer rejects requests without a valid access token
func RequireBearer(issuer *auth.Issuer, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var token string
			authHeader := c.Request().Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimSpace(authHeader[len("Bearer "):])
			}

			if token == "" {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "Bearer token is required in Authorization header",
				})
			}

			claims, err := issuer.ValidateAccess(token)
			if err != nil {
				logger.Debug("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired access token",
				})
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// RecordMetrics records request counts and latencies by route
func RecordMetrics(collector *metrics.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			collector.RecordHTTPRequest(c.Request().Method, c.Path(), c.Response().Status, time.Since(start))
			return nil
		}
	}
}

// Package echo provides Echo middleware for entitlement feature gating
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// RecordKey is the Echo context key holding the effective entitlement record
const RecordKey = "entitlement.record"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate answers feature checks
	Gate *entitlement.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Feature is the capability the route requires (required)
	Feature entitlement.Feature

	// ForbiddenStatusCode is the HTTP status code returned when the tier lacks Feature
	// Default: 403 (Forbidden)
	ForbiddenStatusCode int

	// OnForbidden is called when the tier does not unlock Feature
	// If nil, uses default response: ForbiddenStatusCode JSON with feature and tier
	OnForbidden func(c echo.Context, rec entitlement.Record) error

	// OnUnauthorized is called when the user ID is missing or malformed
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement could not be read
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires cfg.Feature
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("goentitle/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}
	if cfg.Feature == "" {
		panic("goentitle/echo: Config.Feature is required")
	}

	if cfg.ForbiddenStatusCode == 0 {
		cfg.ForbiddenStatusCode = http.StatusForbidden
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if !entitlement.ValidUserID(userID) {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			rec, allowed, err := cfg.Gate.Check(c.Request().Context(), userID, cfg.Feature)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c)
			}

			if !allowed {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, rec)
				}
				return defaultForbidden(c, cfg.ForbiddenStatusCode, cfg.Feature, rec)
			}

			c.Set(RecordKey, rec)
			return next(c)
		}
	}
}

// RecordFromContext returns the record stored by Middleware
func RecordFromContext(c echo.Context) (entitlement.Record, bool) {
	rec, ok := c.Get(RecordKey).(entitlement.Record)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, status int, feature entitlement.Feature, rec entitlement.Record) error {
	return c.JSON(status, map[string]string{
		"error":   "upgrade required",
		"feature": string(feature),
		"tier":    string(rec.Tier),
	})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

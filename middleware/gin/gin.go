// Package gin provides Gin middleware for entitlement feature gating
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// RecordKey is the Gin context key holding the effective entitlement record
const RecordKey = "entitlement.record"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, rec entitlement.Record)

	// OnUnauthorized is called when the user ID is missing or malformed
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement could not be read
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires cfg.Feature
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("goentitle/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}
	if cfg.Feature == "" {
		panic("goentitle/gin: Config.Feature is required")
	}

	if cfg.ForbiddenStatusCode == 0 {
		cfg.ForbiddenStatusCode = http.StatusForbidden
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if !entitlement.ValidUserID(userID) {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		rec, allowed, err := cfg.Gate.Check(c.Request.Context(), userID, cfg.Feature)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		if !allowed {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, rec)
			} else {
				defaultForbidden(c, cfg.ForbiddenStatusCode, cfg.Feature, rec)
			}
			c.Abort()
			return
		}

		c.Set(RecordKey, rec)
		c.Next()
	}
}

// RecordFromContext returns the record stored by Middleware
func RecordFromContext(c *gongin.Context) (entitlement.Record, bool) {
	val, exists := c.Get(RecordKey)
	if !exists {
		return entitlement.Record{}, false
	}
	rec, ok := val.(entitlement.Record)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, status int, feature entitlement.Feature, rec entitlement.Record) {
	c.JSON(status, gongin.H{
		"error":   "upgrade required",
		"feature": string(feature),
		"tier":    string(rec.Tier),
	})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In the feature gate config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Package fiber provides Fiber middleware for entitlement feature gating
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// RecordKey is the Locals key holding the effective entitlement record
const RecordKey = "entitlement.record"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, rec entitlement.Record) error

	// OnUnauthorized is called when the user ID is missing or malformed
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement could not be read
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires cfg.Feature
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("goentitle/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}
	if cfg.Feature == "" {
		panic("goentitle/fiber: Config.Feature is required")
	}

	if cfg.ForbiddenStatusCode == 0 {
		cfg.ForbiddenStatusCode = fiber.StatusForbidden
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if !entitlement.ValidUserID(userID) {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		rec, allowed, err := cfg.Gate.Check(c.UserContext(), userID, cfg.Feature)
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

		c.Locals(RecordKey, rec)
		return c.Next()
	}
}

// RecordFromContext returns the record stored by Middleware
func RecordFromContext(c *fiber.Ctx) (entitlement.Record, bool) {
	rec, ok := c.Locals(RecordKey).(entitlement.Record)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, status int, feature entitlement.Feature, rec entitlement.Record) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   "upgrade required",
		"feature": string(feature),
		"tier":    string(rec.Tier),
	})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In the feature gate config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// Package http provides HTTP middleware for entitlement feature gating
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate answers feature checks (required)
	Gate *entitlement.Gate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Feature is the capability the wrapped handler requires (required)
	Feature entitlement.Feature

	// OnForbidden is called when the user's tier does not unlock Feature
	// If nil, returns 403 JSON naming the feature and tier
	OnForbidden func(w http.ResponseWriter, r *http.Request, rec entitlement.Record)

	// OnUnauthorized is called when the user ID is missing or malformed
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement could not be read
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires config.Feature.
// On success the effective record is stored in the request context.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if !entitlement.ValidUserID(userID) {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			rec, allowed, err := config.Gate.Check(r.Context(), userID, config.Feature)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				}
				return
			}

			if !allowed {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, rec)
				} else {
					writeForbidden(w, config.Feature, rec)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithRecord(r.Context(), rec)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that requires a feature (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ForbiddenResponse is the default body of a 403 answer
type ForbiddenResponse struct {
	Error   string `json:"error"`
	Feature string `json:"feature"`
	Tier    string `json:"tier"`
}

func writeForbidden(w http.ResponseWriter, feature entitlement.Feature, rec entitlement.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(ForbiddenResponse{
		Error:   "upgrade required",
		Feature: string(feature),
		Tier:    string(rec.Tier),
	})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlement:userID"

	// RecordKey is the context key for the effective entitlement record
	RecordKey ContextKey = "entitlement:record"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRecord adds the effective entitlement record to ctx
func WithRecord(ctx context.Context, rec entitlement.Record) context.Context {
	return context.WithValue(ctx, RecordKey, rec)
}

// RecordFromContext returns the record stored by Middleware
func RecordFromContext(ctx context.Context) (entitlement.Record, error) {
	rec, ok := ctx.Value(RecordKey).(entitlement.Record)
	if !ok {
		return entitlement.Record{}, errors.New("no entitlement record in context")
	}
	return rec, nil
}

package api

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Reconciler converts a signed transaction into the user's persisted entitlement
type Reconciler interface {
	Reconcile(ctx context.Context, userID, token string, hint entitlement.Environment) (entitlement.Record, error)
}

// EntitlementReader serves the user's effective entitlement
type EntitlementReader = entitlement.EntitlementReader

// Config holds configuration for the entitlement API handler
type Config struct {
	// Reconciler handles POST /iap/verify (required)
	Reconciler Reconciler

	// Store handles GET /entitlements (required)
	Store EntitlementReader

	// Catalog supplies feature gates and the product list (default: entitlement.DefaultCatalog())
	Catalog *entitlement.Catalog

	// MaxBodyBytes caps request bodies (default: 64KB)
	MaxBodyBytes int64

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Catalog == nil {
		config.Catalog = entitlement.DefaultCatalog()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 10
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	validate := validator.New()
	if err := validate.RegisterValidation("user_id", func(fl validator.FieldLevel) bool {
		return entitlement.ValidUserID(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register user_id validation: %w", err)
	}

	return &Handler{
		config:   config,
		validate: validate,
	}, nil
}

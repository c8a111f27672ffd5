package entitlement

import (
	"context"
	"fmt"
)

// Feature names a gated capability
type Feature string

const (
	// FeatureMaxMode is the max quality render mode
	FeatureMaxMode Feature = "max_mode"
	// FeatureExportHD is high definition export
	FeatureExportHD Feature = "export_hd"
	// FeaturePremiumRenders is access to premium renders at all
	FeaturePremiumRenders Feature = "premium_renders"
)

// ParseFeature parses a feature name
func ParseFeature(s string) (Feature, error) {
	switch f := Feature(s); f {
	case FeatureMaxMode, FeatureExportHD, FeaturePremiumRenders:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown feature %q", ErrBadRequest, s)
	}
}

// Allows reports whether f unlocks feature. Unknown features are denied.
func (f Features) Allows(feature Feature) bool {
	switch feature {
	case FeatureMaxMode:
		return f.CanUseMaxMode
	case FeatureExportHD:
		return f.CanExportHD
	case FeaturePremiumRenders:
		return f.PremiumRenders > 0
	default:
		return false
	}
}

// EntitlementReader reads the effective entitlement of a user
type EntitlementReader interface {
	Get(ctx context.Context, userID string) (Record, error)
}

// Gate answers feature checks against the effective entitlement
type Gate struct {
	reader  EntitlementReader
	catalog *Catalog
}

// NewGate creates a gate over reader. A nil catalog uses DefaultCatalog.
func NewGate(reader EntitlementReader, catalog *Catalog) *Gate {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Gate{reader: reader, catalog: catalog}
}

// Check returns the user's effective record and whether it unlocks feature.
// An expired paid record reads as free and is judged on the free features.
func (g *Gate) Check(ctx context.Context, userID string, feature Feature) (Record, bool, error) {
	rec, err := g.reader.Get(ctx, userID)
	if err != nil {
		return Record{}, false, err
	}
	tier := rec.Tier
	if !rec.IsPro {
		tier = TierFree
	}
	return rec, g.catalog.Features(tier).Allows(feature), nil
}

package entitlement

import (
	"fmt"
	"sort"
	"strings"
)

// Product identifiers sold through the platform billing system
const (
	ProductProMonthly = "com.photoapp.pro.monthly"
	ProductMaxYearly  = "com.photoapp.max.yearly"
)

var defaultProducts = []Product{
	{ProductID: ProductProMonthly, Tier: TierPro},
	{ProductID: ProductMaxYearly, Tier: TierMax},
}

var defaultFeatures = map[PlanTier]Features{
	TierFree: {CanUseMaxMode: false, CanExportHD: false, PremiumRenders: 3},
	TierPro:  {CanUseMaxMode: true, CanExportHD: true, PremiumRenders: 50},
	TierMax:  {CanUseMaxMode: true, CanExportHD: true, PremiumRenders: 500},
}

// Catalog is the static mapping between purchasable product identifiers and plan tiers
type Catalog struct {
	byProduct map[string]PlanTier
	byTier    map[PlanTier][]string
	features  map[PlanTier]Features
}

// DefaultCatalog returns the compiled-in product catalog
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultProducts, defaultFeatures)
}

// NewCatalog builds a catalog from a product table.
// Call Validate before serving traffic.
func NewCatalog(products []Product, features map[PlanTier]Features) *Catalog {
	c := &Catalog{
		byProduct: make(map[string]PlanTier, len(products)),
		byTier:    make(map[PlanTier][]string),
		features:  make(map[PlanTier]Features, len(features)),
	}
	for _, p := range products {
		id := strings.TrimSpace(p.ProductID)
		if _, dup := c.byProduct[id]; !dup {
			c.byProduct[id] = p.Tier
		}
		c.byTier[p.Tier] = append(c.byTier[p.Tier], id)
	}
	for tier, f := range features {
		c.features[tier] = f
	}
	return c
}

// TierFor returns the tier sold by productID. Unknown products return false and
// must never be treated as TierFree by callers.
func (c *Catalog) TierFor(productID string) (PlanTier, bool) {
	tier, ok := c.byProduct[strings.TrimSpace(productID)]
	return tier, ok
}

// ProductIDFor returns the product that sells tier
func (c *Catalog) ProductIDFor(tier PlanTier) (string, bool) {
	ids := c.byTier[tier]
	if len(ids) != 1 {
		return "", false
	}
	return ids[0], true
}

// Products returns the purchasable products sorted by product ID
func (c *Catalog) Products() []Product {
	products := make([]Product, 0, len(c.byProduct))
	for id, tier := range c.byProduct {
		products = append(products, Product{ProductID: id, Tier: tier})
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].ProductID < products[j].ProductID
	})
	return products
}

// Features returns the feature gates of tier. Unknown tiers get the free features.
func (c *Catalog) Features(tier PlanTier) Features {
	if f, ok := c.features[tier]; ok {
		return f
	}
	return c.features[TierFree]
}

// Validate checks that every paid tier maps to exactly one product and every
// product to exactly one valid paid tier.
func (c *Catalog) Validate() error {
	for _, tier := range []PlanTier{TierPro, TierMax} {
		ids := c.byTier[tier]
		if len(ids) != 1 {
			return fmt.Errorf("%w: tier %q has %d products, want exactly 1", ErrConfiguration, tier, len(ids))
		}
		if _, ok := c.features[tier]; !ok {
			return fmt.Errorf("%w: tier %q has no features", ErrConfiguration, tier)
		}
	}
	if ids := c.byTier[TierFree]; len(ids) > 0 {
		return fmt.Errorf("%w: free tier must not be sold (products %v)", ErrConfiguration, ids)
	}
	for tier, ids := range c.byTier {
		if !tier.Paid() {
			return fmt.Errorf("%w: products %v map to unknown tier %q", ErrConfiguration, ids, tier)
		}
	}
	total := 0
	for _, ids := range c.byTier {
		total += len(ids)
	}
	if total != len(c.byProduct) {
		return fmt.Errorf("%w: duplicate product identifiers in catalog", ErrConfiguration)
	}
	for id := range c.byProduct {
		if id == "" {
			return fmt.Errorf("%w: empty product identifier", ErrConfiguration)
		}
	}
	if _, ok := c.features[TierFree]; !ok {
		return fmt.Errorf("%w: free tier has no features", ErrConfiguration)
	}
	return nil
}

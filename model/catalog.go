package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrDuplicatePurchase = errors.New("purchase already registered")
	ErrUnknownPurchase   = errors.New("purchase not registered")
)

// RegisteredPurchase is a product the app knows how to sell, keyed by its
// local name within the bundle.
type RegisteredPurchase struct {
	Name string
	Kind ProductKind
}

// Catalog maps registered purchase names to store product ids.
type Catalog struct {
	bundleID  string
	purchases map[string]RegisteredPurchase
}

func NewCatalog(bundleID string, purchases ...RegisteredPurchase) (*Catalog, error) {
	c := &Catalog{
		bundleID:  bundleID,
		purchases: make(map[string]RegisteredPurchase, len(purchases)),
	}

	for _, p := range purchases {
		if _, err := ProductID(bundleID, p.Name); err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		if p.Kind == nil {
			return nil, fmt.Errorf("%s: missing product kind", p.Name)
		}
		if _, ok := c.purchases[p.Name]; ok {
			return nil, fmt.Errorf("%s: %w", p.Name, ErrDuplicatePurchase)
		}
		c.purchases[p.Name] = p
	}

	return c, nil
}

func (c *Catalog) BundleID() string {
	return c.bundleID
}

// Lookup returns the registered purchase and its product id.
func (c *Catalog) Lookup(name string) (RegisteredPurchase, string, error) {
	p, ok := c.purchases[name]
	if !ok {
		return RegisteredPurchase{}, "", ErrUnknownPurchase
	}
	return p, MustProductID(c.bundleID, p.Name), nil
}

// LookupProductID is the inverse of Lookup.
func (c *Catalog) LookupProductID(productID string) (RegisteredPurchase, error) {
	name, ok := ProductName(c.bundleID, productID)
	if !ok {
		return RegisteredPurchase{}, ErrUnknownPurchase
	}

	p, ok := c.purchases[name]
	if !ok {
		return RegisteredPurchase{}, ErrUnknownPurchase
	}
	return p, nil
}

// Purchases returns the registered purchases ordered by name.
func (c *Catalog) Purchases() []RegisteredPurchase {
	res := make([]RegisteredPurchase, 0, len(c.purchases))
	for _, p := range c.purchases {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})
	return res
}

// DefaultPurchases is the demo product line-up.
func DefaultPurchases() []RegisteredPurchase {
	return []RegisteredPurchase{
		{Name: "purchase1", Kind: NonConsumable{}},
		{Name: "purchase2", Kind: NonConsumable{}},
		{Name: "nonConsumablePurchase", Kind: NonConsumable{}},
		{Name: "consumablePurchase", Kind: Consumable{}},
		{Name: "nonRenewingPurchase", Kind: NonRenewingSubscription{ValidDuration: 60 * time.Second}},
		{Name: "autoRenewableWeekly", Kind: AutoRenewableSubscription{}},
		{Name: "autoRenewableMonthly", Kind: AutoRenewableSubscription{}},
		{Name: "autoRenewableYearly", Kind: AutoRenewableSubscription{}},
	}
}

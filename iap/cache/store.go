package cache

import (
	"context"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/iap-server/iap"
)

// invalidProduct marks a product id the store reported as invalid.
type invalidProduct struct{}

type Cache struct {
	db    iap.Store
	cache *ttlcache.Cache
}

// NewInCache caches product info lookups. Purchases, restores and receipts
// always go to db.
func NewInCache(db iap.Store, ttl time.Duration) iap.Store {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Cache{
		db:    db,
		cache: cache,
	}
}

func (c *Cache) RequestProductInfo(ctx context.Context, ids []string) (*iap.RetrieveResults, error) {
	res := &iap.RetrieveResults{}

	var missing []string
	for _, id := range ids {
		cached, ok := c.cache.Get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}

		switch v := cached.(type) {
		case *iap.Product:
			res.Retrieved = append(res.Retrieved, v.Clone())
		case invalidProduct:
			res.InvalidIDs = append(res.InvalidIDs, id)
		}
	}

	if len(missing) == 0 {
		return res, nil
	}

	fetched, err := c.db.RequestProductInfo(ctx, missing)
	if err != nil {
		return nil, err
	}

	for _, product := range fetched.Retrieved {
		c.cache.Set(product.ID, product.Clone())
		res.Retrieved = append(res.Retrieved, product)
	}
	for _, id := range fetched.InvalidIDs {
		c.cache.Set(id, invalidProduct{})
		res.InvalidIDs = append(res.InvalidIDs, id)
	}

	return res, nil
}

func (c *Cache) InitiatePurchase(ctx context.Context, productID string, atomically bool) (*iap.Purchase, error) {
	return c.db.InitiatePurchase(ctx, productID, atomically)
}

func (c *Cache) FinishTransaction(ctx context.Context, ref iap.TransactionRef) error {
	return c.db.FinishTransaction(ctx, ref)
}

func (c *Cache) RestorePurchases(ctx context.Context, atomically bool) (*iap.RestoreResults, error) {
	return c.db.RestorePurchases(ctx, atomically)
}

func (c *Cache) ReceiptData(ctx context.Context) ([]byte, error) {
	return c.db.ReceiptData(ctx)
}

// Invalidate drops a cached product, e.g. after its listing changed.
func (c *Cache) Invalidate(productID string) {
	c.cache.Remove(productID)
}

func (c *Cache) reset() {
	c.cache.Purge()
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/iap/tests"
	"github.com/code-payments/iap-server/model"
	"github.com/code-payments/iap-server/sandbox"
	"github.com/code-payments/iap-server/sandbox/memory"
)

const testBundleID = "com.example.app"

type countingStore struct {
	iap.Store
	lookups int
}

func (s *countingStore) RequestProductInfo(ctx context.Context, ids []string) (*iap.RetrieveResults, error) {
	s.lookups++
	return s.Store.RequestProductInfo(ctx, ids)
}

func newSandboxStore(t *testing.T) (*sandbox.Store, *model.Catalog) {
	catalog, err := model.NewCatalog(testBundleID, model.DefaultPurchases()...)
	require.NoError(t, err)

	_, priv, err := sandbox.GenerateKeyPair()
	require.NoError(t, err)

	store := sandbox.NewStore(
		zap.Must(zap.NewDevelopment()),
		memory.NewInMemory(),
		priv,
		testBundleID,
		sandbox.DefaultListings(catalog),
	)
	return store, catalog
}

func TestIapCache_Store(t *testing.T) {
	store, catalog := newSandboxStore(t)
	_, productID, err := catalog.Lookup("purchase1")
	require.NoError(t, err)

	cached := NewInCache(store, time.Minute)
	teardown := func() {
		// Each case starts from an empty ledger and a cold cache.
		c := cached.(*Cache)
		c.db, _ = newSandboxStore(t)
		c.reset()
	}
	tests.RunStoreTests(t, cached, productID, teardown)
}

func TestIapCache_ProductInfo(t *testing.T) {
	ctx := context.Background()

	store, catalog := newSandboxStore(t)
	_, productID, err := catalog.Lookup("purchase1")
	require.NoError(t, err)

	db := &countingStore{Store: store}
	cached := NewInCache(db, time.Minute)

	const invalid = "com.example.unknown"

	results, err := cached.RequestProductInfo(ctx, []string{productID, invalid})
	require.NoError(t, err)
	require.Len(t, results.Retrieved, 1)
	require.Equal(t, []string{invalid}, results.InvalidIDs)
	require.Equal(t, 1, db.lookups)

	// Mutating a returned product must not leak into the cache.
	results.Retrieved[0].Title = "changed"

	results, err = cached.RequestProductInfo(ctx, []string{productID, invalid})
	require.NoError(t, err)
	require.Len(t, results.Retrieved, 1)
	require.NotEqual(t, "changed", results.Retrieved[0].Title)
	require.Equal(t, []string{invalid}, results.InvalidIDs)
	require.Equal(t, 1, db.lookups)

	cached.(*Cache).Invalidate(productID)

	results, err = cached.RequestProductInfo(ctx, []string{productID})
	require.NoError(t, err)
	require.Len(t, results.Retrieved, 1)
	require.Equal(t, 2, db.lookups)
}

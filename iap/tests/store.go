package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-server/iap"
)

// RunStoreTests checks the iap.Store contract. productID must be a
// non-consumable product the store sells, and the store must start with an
// empty payment queue.
func RunStoreTests(t *testing.T, s iap.Store, productID string, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store, productID string){
		testIapStore_ProductInfo,
		testIapStore_PurchaseAndFinish,
		testIapStore_AtomicPurchase,
		testIapStore_FinishUnknown,
		testIapStore_ReceiptData,
		testIapStore_Restore,
	} {
		tf(t, s, productID)
		teardown()
	}
}

func testIapStore_ProductInfo(t *testing.T, s iap.Store, productID string) {
	const invalid = "com.example.unknown"

	results, err := s.RequestProductInfo(context.Background(), []string{productID, invalid})
	require.NoError(t, err)
	require.Len(t, results.Retrieved, 1)
	require.Equal(t, productID, results.Retrieved[0].ID)
	require.NotEmpty(t, results.Retrieved[0].LocalizedPrice())
	require.Equal(t, []string{invalid}, results.InvalidIDs)
}

func testIapStore_PurchaseAndFinish(t *testing.T, s iap.Store, productID string) {
	ctx := context.Background()

	purchase, err := s.InitiatePurchase(ctx, productID, false)
	require.NoError(t, err)
	require.Equal(t, productID, purchase.ProductID)
	require.Equal(t, 1, purchase.Quantity)
	require.NotEmpty(t, purchase.Transaction)
	require.True(t, purchase.NeedsFinishTransaction)
	require.False(t, purchase.PurchasedAt.IsZero())

	require.NoError(t, s.FinishTransaction(ctx, purchase.Transaction))
	require.ErrorIs(t, s.FinishTransaction(ctx, purchase.Transaction), iap.ErrAlreadyFinished)
}

func testIapStore_AtomicPurchase(t *testing.T, s iap.Store, productID string) {
	ctx := context.Background()

	purchase, err := s.InitiatePurchase(ctx, productID, true)
	require.NoError(t, err)
	require.False(t, purchase.NeedsFinishTransaction)

	require.ErrorIs(t, s.FinishTransaction(ctx, purchase.Transaction), iap.ErrAlreadyFinished)
}

func testIapStore_FinishUnknown(t *testing.T, s iap.Store, _ string) {
	err := s.FinishTransaction(context.Background(), iap.TransactionRef("unknown"))
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func testIapStore_ReceiptData(t *testing.T, s iap.Store, productID string) {
	ctx := context.Background()

	_, err := s.ReceiptData(ctx)
	require.ErrorIs(t, err, iap.ErrNoReceiptData)

	_, err = s.InitiatePurchase(ctx, productID, true)
	require.NoError(t, err)

	data, err := s.ReceiptData(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func testIapStore_Restore(t *testing.T, s iap.Store, productID string) {
	ctx := context.Background()

	results, err := s.RestorePurchases(ctx, false)
	require.NoError(t, err)
	require.Empty(t, results.Restored)
	require.Empty(t, results.Failed)

	purchase, err := s.InitiatePurchase(ctx, productID, true)
	require.NoError(t, err)

	results, err = s.RestorePurchases(ctx, false)
	require.NoError(t, err)
	require.Empty(t, results.Failed)
	require.Len(t, results.Restored, 1)

	restored := results.Restored[0]
	require.Equal(t, productID, restored.ProductID)
	require.Equal(t, purchase.Transaction, restored.OriginalTransaction)
	require.NotEqual(t, purchase.Transaction, restored.Transaction)
	require.True(t, restored.NeedsFinishTransaction)

	require.NoError(t, s.FinishTransaction(ctx, restored.Transaction))
}

package tests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
	iaptests "github.com/code-payments/iap-server/iap/tests"
	"github.com/code-payments/iap-server/model"
	"github.com/code-payments/iap-server/sandbox"
)

const BundleID = "com.example.app"

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type storeEnv struct {
	store     *sandbox.Store
	validator iap.Validator
	catalog   *model.Catalog
	clock     *Clock
}

func (e *storeEnv) productID(t *testing.T, name string) string {
	_, id, err := e.catalog.Lookup(name)
	require.NoError(t, err)
	return id
}

func newStoreEnv(t *testing.T, l sandbox.Ledger) *storeEnv {
	catalog, err := model.NewCatalog(BundleID, model.DefaultPurchases()...)
	require.NoError(t, err)

	pub, priv, err := sandbox.GenerateKeyPair()
	require.NoError(t, err)

	clock := NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	return &storeEnv{
		store: sandbox.NewStore(
			zap.Must(zap.NewDevelopment()),
			l,
			priv,
			BundleID,
			sandbox.DefaultListings(catalog),
			sandbox.WithClock(clock.Now),
		),
		validator: sandbox.NewValidator(pub, "secret"),
		catalog:   catalog,
		clock:     clock,
	}
}

// RunStoreTests runs the iap.Store contract and the sandbox storefront
// behaviour against a sandbox.Store backed by l.
func RunStoreTests(t *testing.T, l sandbox.Ledger, teardown func()) {
	env := newStoreEnv(t, l)
	iaptests.RunStoreTests(t, env.store, env.productID(t, "purchase1"), teardown)

	for _, tf := range []func(t *testing.T, l sandbox.Ledger){
		testStore_ReceiptRoundTrip,
		testStore_ReceiptRejected,
		testStore_ScriptedFailures,
		testStore_RestoreSkipsConsumables,
		testStore_RestoreFailures,
		testStore_SubscriptionLifecycle,
	} {
		tf(t, l)
		teardown()
	}
}

func testStore_ReceiptRoundTrip(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	env := newStoreEnv(t, l)

	consumable := env.productID(t, "consumablePurchase")
	purchase, err := env.store.InitiatePurchase(ctx, consumable, false)
	require.NoError(t, err)

	pending, err := env.store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, purchase.Transaction.String(), pending[0].ID)

	require.NoError(t, env.store.FinishTransaction(ctx, purchase.Transaction))

	pending, err = env.store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	data, err := env.store.ReceiptData(ctx)
	require.NoError(t, err)

	receipt, err := env.validator.Validate(ctx, data, iap.ServiceSandbox, "secret")
	require.NoError(t, err)
	require.Equal(t, BundleID, receipt.BundleID)
	require.True(t, env.clock.Now().Equal(receipt.IssuedAt))
	require.Len(t, receipt.Entries, 1)

	entry := receipt.Entries[0]
	require.Equal(t, consumable, entry.ProductID)
	require.Equal(t, purchase.Transaction.String(), entry.TransactionID)
	require.Equal(t, purchase.Transaction.String(), entry.OriginalTransactionID)
	require.Equal(t, 1, entry.Quantity)
	require.True(t, purchase.PurchasedAt.Equal(entry.PurchasedAt))
	require.True(t, entry.ExpiresAt.IsZero())

	require.Equal(t, iap.PurchaseStatusPurchased, iap.VerifyPurchase(consumable, receipt))
}

func testStore_ReceiptRejected(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	env := newStoreEnv(t, l)

	_, err := env.store.InitiatePurchase(ctx, env.productID(t, "purchase1"), true)
	require.NoError(t, err)

	data, err := env.store.ReceiptData(ctx)
	require.NoError(t, err)

	for _, tc := range []struct {
		name    string
		data    []byte
		service iap.Service
		secret  string
		status  int
	}{
		{name: "production", data: data, service: iap.ServiceProduction, secret: "secret", status: sandbox.StatusSandboxReceipt},
		{name: "secret", data: data, service: iap.ServiceSandbox, secret: "wrong", status: sandbox.StatusSharedSecretMismatch},
		{name: "malformed", data: []byte("not a receipt"), service: iap.ServiceSandbox, secret: "secret", status: sandbox.StatusMalformed},
		{name: "tampered", data: append(append([]byte{}, data...), 'A'), service: iap.ServiceSandbox, secret: "secret", status: sandbox.StatusUnauthenticated},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.validator.Validate(ctx, tc.data, tc.service, tc.secret)

			receiptErr := iap.AsReceiptError(err)
			require.NotNil(t, receiptErr)
			require.Equal(t, iap.ReceiptErrorReceiptInvalid, receiptErr.Kind)
			require.Equal(t, tc.status, receiptErr.Status)
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = env.validator.Validate(cancelled, data, iap.ServiceSandbox, "secret")
	require.Equal(t, iap.ReceiptErrorNetwork, iap.AsReceiptError(err).Kind)
}

func testStore_ScriptedFailures(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	env := newStoreEnv(t, l)
	productID := env.productID(t, "purchase2")

	_, err := env.store.InitiatePurchase(ctx, BundleID+".unknown", false)
	require.Equal(t, iap.PurchaseErrorPaymentInvalid, iap.AsPurchaseError(err).Code)

	env.store.FailNextPurchase(productID, iap.PurchaseErrorPaymentCancelled)
	_, err = env.store.InitiatePurchase(ctx, productID, false)
	require.True(t, iap.AsPurchaseError(err).Cancelled())

	env.store.SetPaymentsAllowed(false)
	_, err = env.store.InitiatePurchase(ctx, productID, false)
	require.Equal(t, iap.PurchaseErrorPaymentNotAllowed, iap.AsPurchaseError(err).Code)
	env.store.SetPaymentsAllowed(true)

	// Scripted failures are consumed by a single attempt.
	purchase, err := env.store.InitiatePurchase(ctx, productID, false)
	require.NoError(t, err)
	require.True(t, purchase.NeedsFinishTransaction)

	txs, err := env.store.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func testStore_RestoreSkipsConsumables(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	env := newStoreEnv(t, l)

	_, err := env.store.InitiatePurchase(ctx, env.productID(t, "consumablePurchase"), true)
	require.NoError(t, err)

	results, err := env.store.RestorePurchases(ctx, true)
	require.NoError(t, err)
	require.Empty(t, results.Restored)
	require.Empty(t, results.Failed)

	nonConsumable := env.productID(t, "nonConsumablePurchase")
	env.clock.Advance(time.Second)
	_, err = env.store.InitiatePurchase(ctx, nonConsumable, true)
	require.NoError(t, err)

	results, err = env.store.RestorePurchases(ctx, true)
	require.NoError(t, err)
	require.Len(t, results.Restored, 1)
	require.Equal(t, nonConsumable, results.Restored[0].ProductID)
	require.False(t, results.Restored[0].NeedsFinishTransaction)

	// Restored transactions do not show up in the receipt a second time.
	data, err := env.store.ReceiptData(ctx)
	require.NoError(t, err)
	receipt, err := env.validator.Validate(ctx, data, iap.ServiceSandbox, "secret")
	require.NoError(t, err)
	require.Len(t, receipt.Entries, 2)
}

func testStore_RestoreFailures(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	env := newStoreEnv(t, l)

	purchase1 := env.productID(t, "purchase1")
	purchase2 := env.productID(t, "purchase2")

	_, err := env.store.InitiatePurchase(ctx, purchase1, true)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.store.InitiatePurchase(ctx, purchase2, true)
	require.NoError(t, err)

	failure := errors.New("restore failed")
	env.store.FailNextRestore(purchase1, failure)

	results, err := env.store.RestorePurchases(ctx, false)
	require.NoError(t, err)
	require.Len(t, results.Restored, 1)
	require.Equal(t, purchase2, results.Restored[0].ProductID)
	require.Len(t, results.Failed, 1)
	require.Equal(t, purchase1, results.Failed[0].ProductID)
	require.ErrorIs(t, results.Failed[0].Err, failure)
}

func testStore_SubscriptionLifecycle(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	env := newStoreEnv(t, l)

	weekly := env.productID(t, "autoRenewableWeekly")
	nonRenewing := env.productID(t, "nonRenewingPurchase")
	weeklyPurchase, _ := env.catalog.LookupProductID(weekly)
	nonRenewingPurchase, _ := env.catalog.LookupProductID(nonRenewing)

	purchasedAt := env.clock.Now()
	_, err := env.store.InitiatePurchase(ctx, weekly, true)
	require.NoError(t, err)
	_, err = env.store.InitiatePurchase(ctx, nonRenewing, true)
	require.NoError(t, err)

	classify := func() (iap.Status, iap.Status) {
		data, err := env.store.ReceiptData(ctx)
		require.NoError(t, err)
		receipt, err := env.validator.Validate(ctx, data, iap.ServiceSandbox, "secret")
		require.NoError(t, err)

		now := env.clock.Now()
		return iap.Classify(weeklyPurchase.Kind, weekly, receipt, now),
			iap.Classify(nonRenewingPurchase.Kind, nonRenewing, receipt, now)
	}

	weeklyStatus, nonRenewingStatus := classify()
	require.Equal(t, iap.SubscriptionStatus{
		State:     iap.SubscriptionPurchased,
		ExpiresAt: purchasedAt.Add(3 * time.Minute),
	}, weeklyStatus)
	require.Equal(t, iap.SubscriptionStatus{
		State:     iap.SubscriptionPurchased,
		ExpiresAt: purchasedAt.Add(60 * time.Second),
	}, nonRenewingStatus)

	env.clock.Advance(2 * time.Minute)
	weeklyStatus, nonRenewingStatus = classify()
	require.True(t, weeklyStatus.Purchased())
	require.False(t, nonRenewingStatus.Purchased())
	require.Equal(t, iap.SubscriptionExpired, nonRenewingStatus.(iap.SubscriptionStatus).State)

	env.clock.Advance(time.Minute)
	weeklyStatus, _ = classify()
	require.Equal(t, iap.SubscriptionExpired, weeklyStatus.(iap.SubscriptionStatus).State)
}

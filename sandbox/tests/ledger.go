package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/model"
	"github.com/code-payments/iap-server/sandbox"
)

func RunLedgerTests(t *testing.T, l sandbox.Ledger, teardown func()) {
	for _, tf := range []func(t *testing.T, l sandbox.Ledger){
		testLedger_HappyPath,
		testLedger_Finish,
		testLedger_Ordering,
		testLedger_OptionalTimestamps,
	} {
		tf(t, l)
		teardown()
	}
}

func testLedger_HappyPath(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	expected := &sandbox.Transaction{
		ID:          model.MustGenerateTransactionID(),
		ProductID:   "com.example.app.autoRenewableWeekly",
		Quantity:    1,
		State:       sandbox.StatePurchased,
		PurchasedAt: now,
		ExpiresAt:   now.Add(3 * time.Minute),
	}
	expected.OriginalID = expected.ID

	_, err := l.GetTransaction(ctx, expected.ID)
	require.ErrorIs(t, err, iap.ErrNotFound)

	txs, err := l.GetTransactions(ctx)
	require.NoError(t, err)
	require.Empty(t, txs)

	require.NoError(t, l.CreateTransaction(ctx, expected))

	actual, err := l.GetTransaction(ctx, expected.ID)
	require.NoError(t, err)
	requireTransactionEqual(t, expected, actual)

	require.ErrorIs(t, l.CreateTransaction(ctx, expected), sandbox.ErrExists)

	txs, err = l.GetTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	requireTransactionEqual(t, expected, txs[0])
}

func testLedger_Finish(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	tx := &sandbox.Transaction{
		ID:          model.MustGenerateTransactionID(),
		ProductID:   "com.example.app.consumablePurchase",
		Quantity:    1,
		State:       sandbox.StatePurchased,
		PurchasedAt: now,
	}
	tx.OriginalID = tx.ID
	require.NoError(t, l.CreateTransaction(ctx, tx))

	require.ErrorIs(t, l.FinishTransaction(ctx, "unknown", now), iap.ErrNotFound)

	finishedAt := now.Add(time.Second)
	require.NoError(t, l.FinishTransaction(ctx, tx.ID, finishedAt))

	actual, err := l.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, actual.Finished())
	require.True(t, finishedAt.Equal(actual.FinishedAt))

	require.ErrorIs(t, l.FinishTransaction(ctx, tx.ID, finishedAt.Add(time.Second)), iap.ErrAlreadyFinished)

	actual, err = l.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, finishedAt.Equal(actual.FinishedAt))
}

func testLedger_Ordering(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var expected []string
	for i := 0; i < 5; i++ {
		expected = append(expected, model.MustGenerateTransactionID())
	}

	// Insert out of order.
	for _, i := range []int{3, 0, 4, 1, 2} {
		require.NoError(t, l.CreateTransaction(ctx, &sandbox.Transaction{
			ID:          expected[i],
			OriginalID:  expected[i],
			ProductID:   "com.example.app.purchase1",
			Quantity:    1,
			State:       sandbox.StatePurchased,
			PurchasedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	txs, err := l.GetTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, len(expected))
	for i, tx := range txs {
		require.Equal(t, expected[i], tx.ID)
	}
}

func testLedger_OptionalTimestamps(t *testing.T, l sandbox.Ledger) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	original := &sandbox.Transaction{
		ID:          model.MustGenerateTransactionID(),
		ProductID:   "com.example.app.nonConsumablePurchase",
		Quantity:    1,
		State:       sandbox.StatePurchased,
		PurchasedAt: now,
	}
	original.OriginalID = original.ID

	restored := &sandbox.Transaction{
		ID:          model.MustGenerateTransactionID(),
		OriginalID:  original.ID,
		ProductID:   original.ProductID,
		Quantity:    1,
		State:       sandbox.StateRestored,
		PurchasedAt: now,
		FinishedAt:  now,
	}

	require.NoError(t, l.CreateTransaction(ctx, original))
	require.NoError(t, l.CreateTransaction(ctx, restored))

	actual, err := l.GetTransaction(ctx, original.ID)
	require.NoError(t, err)
	require.True(t, actual.ExpiresAt.IsZero())
	require.True(t, actual.FinishedAt.IsZero())
	require.False(t, actual.Finished())

	actual, err = l.GetTransaction(ctx, restored.ID)
	require.NoError(t, err)
	requireTransactionEqual(t, restored, actual)
	require.True(t, actual.Finished())
}

func requireTransactionEqual(t *testing.T, expected, actual *sandbox.Transaction) {
	require.Equal(t, expected.ID, actual.ID)
	require.Equal(t, expected.OriginalID, actual.OriginalID)
	require.Equal(t, expected.ProductID, actual.ProductID)
	require.Equal(t, expected.Quantity, actual.Quantity)
	require.Equal(t, expected.State, actual.State)
	require.True(t, expected.PurchasedAt.Equal(actual.PurchasedAt), "purchased_at: %v != %v", expected.PurchasedAt, actual.PurchasedAt)
	require.True(t, expected.ExpiresAt.Equal(actual.ExpiresAt), "expires_at: %v != %v", expected.ExpiresAt, actual.ExpiresAt)
	require.True(t, expected.FinishedAt.Equal(actual.FinishedAt), "finished_at: %v != %v", expected.FinishedAt, actual.FinishedAt)
}

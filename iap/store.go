package iap

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrAlreadyFinished = errors.New("transaction already finished")
)

// Store is the platform purchase queue.
//
// Implementations own transaction state. The orchestrator only relays calls
// and never finishes a transaction on its own.
type Store interface {
	// RequestProductInfo returns metadata for the requested product ids.
	//
	// Unknown ids are reported in RetrieveResults.InvalidIDs, not as an error.
	RequestProductInfo(ctx context.Context, ids []string) (*RetrieveResults, error)

	// InitiatePurchase starts a payment for a product.
	//
	// Rejections are returned as a *PurchaseError. When atomically is true the
	// store finishes the transaction before returning and the resulting
	// Purchase does not need finishing.
	InitiatePurchase(ctx context.Context, productID string, atomically bool) (*Purchase, error)

	// FinishTransaction acknowledges that the content for a transaction was
	// delivered.
	//
	// ErrNotFound is returned for unknown transactions, and ErrAlreadyFinished
	// if the transaction was finished before.
	FinishTransaction(ctx context.Context, ref TransactionRef) error

	// RestorePurchases replays previously completed purchases.
	RestorePurchases(ctx context.Context, atomically bool) (*RestoreResults, error)

	// ReceiptData returns the raw receipt for the device, or ErrNoReceiptData.
	ReceiptData(ctx context.Context) ([]byte, error)
}

package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-server/iap"
)

// ValidReceiptFunc returns receipt data the validator accepts, along with the
// product id it must contain.
type ValidReceiptFunc func(t *testing.T) (receiptData []byte, productID string)

// RunValidatorTests checks the iap.Validator contract against service.
func RunValidatorTests(t *testing.T, v iap.Validator, service iap.Service, sharedSecret string, validReceiptFunc ValidReceiptFunc, teardown func()) {
	for _, tf := range []func(t *testing.T, v iap.Validator, service iap.Service, sharedSecret string, validReceiptFunc ValidReceiptFunc){
		testValidReceipt,
		testInvalidReceipt,
		testEmptyReceipt,
		testCancelledContext,
	} {
		tf(t, v, service, sharedSecret, validReceiptFunc)
		teardown()
	}
}

func testValidReceipt(t *testing.T, v iap.Validator, service iap.Service, sharedSecret string, validReceiptFunc ValidReceiptFunc) {
	data, productID := validReceiptFunc(t)

	receipt, err := v.Validate(context.Background(), data, service, sharedSecret)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.NotEmpty(t, receipt.EntriesFor(productID))

	for _, entry := range receipt.EntriesFor(productID) {
		require.NotEmpty(t, entry.TransactionID)
		require.False(t, entry.PurchasedAt.IsZero())
	}
}

func testInvalidReceipt(t *testing.T, v iap.Validator, service iap.Service, sharedSecret string, _ ValidReceiptFunc) {
	// Just use the word "invalid" as an invalid receipt.
	receipt, err := v.Validate(context.Background(), []byte("invalid"), service, sharedSecret)
	require.Nil(t, receipt)

	receiptErr := iap.AsReceiptError(err)
	require.NotNil(t, receiptErr)
	require.Equal(t, iap.ReceiptErrorReceiptInvalid, receiptErr.Kind)
	require.NotZero(t, receiptErr.Status)
}

func testEmptyReceipt(t *testing.T, v iap.Validator, service iap.Service, sharedSecret string, _ ValidReceiptFunc) {
	_, err := v.Validate(context.Background(), nil, service, sharedSecret)

	receiptErr := iap.AsReceiptError(err)
	require.NotNil(t, receiptErr)
	require.Equal(t, iap.ReceiptErrorNoReceiptData, receiptErr.Kind)
}

func testCancelledContext(t *testing.T, v iap.Validator, service iap.Service, sharedSecret string, validReceiptFunc ValidReceiptFunc) {
	data, _ := validReceiptFunc(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Validate(ctx, data, service, sharedSecret)

	receiptErr := iap.AsReceiptError(err)
	require.NotNil(t, receiptErr)
	require.Equal(t, iap.ReceiptErrorNetwork, receiptErr.Kind)
}

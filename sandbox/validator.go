package sandbox

import (
	"context"
	"crypto/ed25519"

	"github.com/code-payments/iap-server/iap"
)

// Validator checks receipts signed by a sandbox Store. It behaves like the
// App Store sandbox: receipts sent to the production service are rejected
// with StatusSandboxReceipt.
type Validator struct {
	publicKey    ed25519.PublicKey
	sharedSecret string
}

// NewValidator creates a validator for receipts signed by the private half of
// publicKey. An empty sharedSecret accepts any secret.
func NewValidator(publicKey ed25519.PublicKey, sharedSecret string) iap.Validator {
	return &Validator{
		publicKey:    publicKey,
		sharedSecret: sharedSecret,
	}
}

func (v *Validator) Validate(ctx context.Context, receiptData []byte, service iap.Service, sharedSecret string) (*iap.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, iap.NewNetworkError(err)
	}

	if len(receiptData) == 0 {
		return nil, &iap.ReceiptError{Kind: iap.ReceiptErrorNoReceiptData}
	}
	if service == iap.ServiceProduction {
		return nil, iap.NewReceiptInvalidError(StatusSandboxReceipt)
	}
	if v.sharedSecret != "" && sharedSecret != v.sharedSecret {
		return nil, iap.NewReceiptInvalidError(StatusSharedSecretMismatch)
	}

	return DecodeReceipt(v.publicKey, receiptData)
}

package sandbox

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/code-payments/iap-server/iap"
)

// Status codes reported for sandbox receipts. They follow the App Store
// verifyReceipt status values.
const (
	StatusMalformed            = 21002
	StatusUnauthenticated      = 21003
	StatusSharedSecretMismatch = 21004
	StatusSandboxReceipt       = 21007
)

// Receipts are encoded as base58(signature) "." base64url(payload), where the
// signature covers the raw JSON payload.
const receiptSeparator = "."

type receiptPayload struct {
	BundleID   string        `json:"bundle_id"`
	IssuedAtMs int64         `json:"receipt_creation_date_ms"`
	InApp      []receiptItem `json:"in_app"`
}

type receiptItem struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Quantity              int    `json:"quantity"`
	PurchaseDateMs        int64  `json:"purchase_date_ms"`
	ExpiresDateMs         int64  `json:"expires_date_ms,omitempty"`
	CancellationDateMs    int64  `json:"cancellation_date_ms,omitempty"`
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodeReceipt signs a receipt.
func EncodeReceipt(signer ed25519.PrivateKey, receipt *iap.Receipt) ([]byte, error) {
	payload := receiptPayload{
		BundleID:   receipt.BundleID,
		IssuedAtMs: toMillis(receipt.IssuedAt),
		InApp:      make([]receiptItem, 0, len(receipt.Entries)),
	}
	for _, e := range receipt.Entries {
		payload.InApp = append(payload.InApp, receiptItem{
			ProductID:             e.ProductID,
			TransactionID:         e.TransactionID,
			OriginalTransactionID: e.OriginalTransactionID,
			Quantity:              e.Quantity,
			PurchaseDateMs:        toMillis(e.PurchasedAt),
			ExpiresDateMs:         toMillis(e.ExpiresAt),
			CancellationDateMs:    toMillis(e.CancelledAt),
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt: %w", err)
	}

	signature := ed25519.Sign(signer, raw)

	var buf bytes.Buffer
	buf.WriteString(base58.Encode(signature))
	buf.WriteString(receiptSeparator)
	buf.WriteString(base64.RawURLEncoding.EncodeToString(raw))
	return buf.Bytes(), nil
}

// DecodeReceipt checks the signature on a receipt and parses it. Failures are
// returned as *iap.ReceiptError.
func DecodeReceipt(publicKey ed25519.PublicKey, data []byte) (*iap.Receipt, error) {
	parts := bytes.Split(data, []byte(receiptSeparator))
	if len(parts) != 2 {
		return nil, iap.NewReceiptInvalidError(StatusMalformed)
	}

	signature, err := base58.Decode(string(parts[0]))
	if err != nil {
		return nil, iap.NewReceiptInvalidError(StatusMalformed)
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(parts[1]))
	if err != nil {
		return nil, iap.NewReceiptInvalidError(StatusMalformed)
	}

	if !ed25519.Verify(publicKey, raw, signature) {
		return nil, iap.NewReceiptInvalidError(StatusUnauthenticated)
	}

	var payload receiptPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, iap.NewReceiptInvalidError(StatusMalformed)
	}

	receipt := &iap.Receipt{
		BundleID: payload.BundleID,
		IssuedAt: fromMillis(payload.IssuedAtMs),
		Entries:  make([]iap.ReceiptEntry, 0, len(payload.InApp)),
	}
	for _, item := range payload.InApp {
		receipt.Entries = append(receipt.Entries, iap.ReceiptEntry{
			ProductID:             item.ProductID,
			TransactionID:         item.TransactionID,
			OriginalTransactionID: item.OriginalTransactionID,
			Quantity:              item.Quantity,
			PurchasedAt:           fromMillis(item.PurchaseDateMs),
			ExpiresAt:             fromMillis(item.ExpiresDateMs),
			CancelledAt:           fromMillis(item.CancellationDateMs),
		})
	}
	return receipt, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package apple

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/awa/go-iap/appstore"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
)

// statusUnauthenticated is the verifyReceipt status for receipts that could
// not be authenticated.
const statusUnauthenticated = 21003

// verifyResponse is the subset of the verifyReceipt response we read. Dates
// are decoded from their millisecond fields.
type verifyResponse struct {
	Status            int          `json:"status"`
	Environment       string       `json:"environment"`
	Receipt           receiptInfo  `json:"receipt"`
	LatestReceiptInfo []inAppEntry `json:"latest_receipt_info"`
}

type receiptInfo struct {
	BundleID       string       `json:"bundle_id"`
	CreationDateMs string       `json:"receipt_creation_date_ms"`
	InApp          []inAppEntry `json:"in_app"`
}

type inAppEntry struct {
	Quantity              string `json:"quantity"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	CancellationDateMs    string `json:"cancellation_date_ms"`
}

type Option func(*AppleValidator)

// WithHTTPClient sets the client used to reach the verifyReceipt endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(v *AppleValidator) {
		v.httpClient = client
	}
}

// AppleValidator verifies receipts with the App Store verifyReceipt endpoint.
type AppleValidator struct {
	log        *zap.Logger
	httpClient *http.Client

	// bundleID is the app's bundle id, e.g. "com.example.app". Receipts for
	// other bundles are rejected.
	bundleID string
}

func NewAppleValidator(log *zap.Logger, bundleID string, opts ...Option) iap.Validator {
	v := &AppleValidator{
		log:      log,
		bundleID: bundleID,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate posts the receipt to service. Production receipts that turn out to
// be sandbox receipts are retried against the sandbox by the client.
func (v *AppleValidator) Validate(ctx context.Context, receiptData []byte, service iap.Service, sharedSecret string) (*iap.Receipt, error) {
	if len(receiptData) == 0 {
		return nil, &iap.ReceiptError{Kind: iap.ReceiptErrorNoReceiptData}
	}

	log := v.log.With(zap.Stringer("service", service))

	client := v.client(service)
	req := appstore.IAPRequest{
		ReceiptData:            base64.StdEncoding.EncodeToString(receiptData),
		Password:               sharedSecret,
		ExcludeOldTransactions: false,
	}

	var resp verifyResponse
	if err := client.Verify(ctx, req, &resp); err != nil {
		if isNetworkError(ctx, err) {
			return nil, iap.NewNetworkError(err)
		}
		log.Warn("Failed to verify receipt", zap.Error(err))
		return nil, iap.NewOtherReceiptError(err)
	}

	if resp.Status != 0 {
		log.Debug("Receipt rejected", zap.Int("status", resp.Status))
		return nil, &iap.ReceiptError{
			Kind:   iap.ReceiptErrorReceiptInvalid,
			Status: resp.Status,
			Cause:  appstore.HandleError(resp.Status),
		}
	}

	if v.bundleID != "" && resp.Receipt.BundleID != v.bundleID {
		log.Warn("Receipt is for another bundle", zap.String("bundle_id", resp.Receipt.BundleID))
		return nil, &iap.ReceiptError{
			Kind:   iap.ReceiptErrorReceiptInvalid,
			Status: statusUnauthenticated,
			Cause:  errors.New("bundle id mismatch"),
		}
	}

	return toReceipt(&resp), nil
}

func (v *AppleValidator) client(service iap.Service) *appstore.Client {
	var client *appstore.Client
	if v.httpClient != nil {
		client = appstore.NewWithClient(v.httpClient)
	} else {
		client = appstore.New()
	}

	switch service {
	case iap.ServiceProduction:
	case iap.ServiceSandbox:
		client.ProductionURL = appstore.SandboxURL
	default:
		client.ProductionURL = string(service)
		client.SandboxURL = string(service)
	}
	return client
}

// toReceipt merges the in-app entries with the latest renewal info,
// keeping one entry per transaction.
func toReceipt(resp *verifyResponse) *iap.Receipt {
	receipt := &iap.Receipt{
		BundleID: resp.Receipt.BundleID,
		IssuedAt: parseMillis(resp.Receipt.CreationDateMs),
	}

	seen := make(map[string]struct{})
	for _, entries := range [][]inAppEntry{resp.Receipt.InApp, resp.LatestReceiptInfo} {
		for _, e := range entries {
			if _, ok := seen[e.TransactionID]; ok {
				continue
			}
			seen[e.TransactionID] = struct{}{}

			quantity, err := strconv.Atoi(e.Quantity)
			if err != nil {
				quantity = 1
			}

			receipt.Entries = append(receipt.Entries, iap.ReceiptEntry{
				ProductID:             e.ProductID,
				TransactionID:         e.TransactionID,
				OriginalTransactionID: e.OriginalTransactionID,
				Quantity:              quantity,
				PurchasedAt:           parseMillis(e.PurchaseDateMs),
				ExpiresAt:             parseMillis(e.ExpiresDateMs),
				CancelledAt:           parseMillis(e.CancellationDateMs),
			})
		}
	}

	return receipt
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isNetworkError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

package android

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/iap-server/iap"
)

// Google Play reports rejected purchases through HTTP status codes, which
// are surfaced as the receipt error status.
const (
	statusMalformed    = http.StatusBadRequest
	statusWrongPackage = http.StatusForbidden
)

// ReceiptData is the receipt format accepted by AndroidValidator: the
// purchase tokens the device holds for a package.
type ReceiptData struct {
	PackageName string          `json:"package_name"`
	Purchases   []PurchaseToken `json:"purchases"`
}

type PurchaseToken struct {
	ProductID    string `json:"product_id"`
	Token        string `json:"purchase_token"`
	Subscription bool   `json:"subscription,omitempty"`
}

func (d *ReceiptData) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// AndroidValidator uses the Google Play Developer API to verify purchase
// tokens.
type AndroidValidator struct {
	log *zap.Logger

	// packageName is the Android app's package name.
	packageName string

	clientOptions []option.ClientOption
}

// NewAndroidValidator authenticates with the contents of a service account
// JSON file. Extra client options are applied after the credentials.
func NewAndroidValidator(log *zap.Logger, serviceAccountJSON []byte, packageName string, opts ...option.ClientOption) iap.Validator {
	var clientOptions []option.ClientOption
	if len(serviceAccountJSON) > 0 {
		clientOptions = append(clientOptions,
			option.WithCredentialsJSON(serviceAccountJSON),
			option.WithScopes(androidpublisher.AndroidpublisherScope),
		)
	}

	return &AndroidValidator{
		log:           log,
		packageName:   packageName,
		clientOptions: append(clientOptions, opts...),
	}
}

// Validate looks up every purchase token in receiptData. The App Store
// services are ignored; any other service is used as the API endpoint.
func (v *AndroidValidator) Validate(ctx context.Context, receiptData []byte, service iap.Service, _ string) (*iap.Receipt, error) {
	if len(receiptData) == 0 {
		return nil, &iap.ReceiptError{Kind: iap.ReceiptErrorNoReceiptData}
	}

	var data ReceiptData
	if err := json.Unmarshal(receiptData, &data); err != nil || len(data.Purchases) == 0 {
		return nil, iap.NewReceiptInvalidError(statusMalformed)
	}
	if data.PackageName != v.packageName {
		return nil, iap.NewReceiptInvalidError(statusWrongPackage)
	}

	log := v.log.With(zap.String("package_name", data.PackageName))

	opts := v.clientOptions
	if service != iap.ServiceProduction && service != iap.ServiceSandbox {
		opts = append(append([]option.ClientOption{}, opts...), option.WithEndpoint(string(service)))
	}

	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, iap.NewOtherReceiptError(fmt.Errorf("failed to create android publisher client: %w", err))
	}

	receipt := &iap.Receipt{
		BundleID: data.PackageName,
		IssuedAt: time.Now().UTC(),
	}
	for _, p := range data.Purchases {
		var entry *iap.ReceiptEntry
		if p.Subscription {
			entry, err = v.subscription(ctx, svc, p)
		} else {
			entry, err = v.product(ctx, svc, p)
		}
		if err != nil {
			log.Warn("Failed to verify purchase token", zap.String("product_id", p.ProductID), zap.Error(err))
			return nil, toReceiptError(ctx, err)
		}
		if entry != nil {
			receipt.Entries = append(receipt.Entries, *entry)
		}
	}

	return receipt, nil
}

func (v *AndroidValidator) product(ctx context.Context, svc *androidpublisher.Service, p PurchaseToken) (*iap.ReceiptEntry, error) {
	purchase, err := svc.Purchases.Products.Get(v.packageName, p.ProductID, p.Token).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	// 0 = purchased. Cancelled and pending purchases do not entitle anything.
	if purchase.PurchaseState != 0 {
		return nil, nil
	}

	quantity := int(purchase.Quantity)
	if quantity == 0 {
		quantity = 1
	}

	orderID := orderIDOrToken(purchase.OrderId, p.Token)
	return &iap.ReceiptEntry{
		ProductID:             p.ProductID,
		TransactionID:         orderID,
		OriginalTransactionID: orderID,
		Quantity:              quantity,
		PurchasedAt:           fromMillis(purchase.PurchaseTimeMillis),
	}, nil
}

func (v *AndroidValidator) subscription(ctx context.Context, svc *androidpublisher.Service, p PurchaseToken) (*iap.ReceiptEntry, error) {
	purchase, err := svc.Purchases.Subscriptions.Get(v.packageName, p.ProductID, p.Token).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	orderID := orderIDOrToken(purchase.OrderId, p.Token)
	return &iap.ReceiptEntry{
		ProductID:             p.ProductID,
		TransactionID:         orderID,
		OriginalTransactionID: originalOrderID(orderID),
		Quantity:              1,
		PurchasedAt:           fromMillis(purchase.StartTimeMillis),
		ExpiresAt:             fromMillis(purchase.ExpiryTimeMillis),
		CancelledAt:           fromMillis(purchase.UserCancellationTimeMillis),
	}, nil
}

func toReceiptError(ctx context.Context, err error) *iap.ReceiptError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			return &iap.ReceiptError{Kind: iap.ReceiptErrorReceiptInvalid, Status: apiErr.Code, Cause: err}
		}
		if apiErr.Code >= http.StatusInternalServerError {
			return iap.NewNetworkError(err)
		}
		return iap.NewOtherReceiptError(err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if ctx.Err() != nil || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return iap.NewNetworkError(err)
	}
	return iap.NewOtherReceiptError(err)
}

func orderIDOrToken(orderID, token string) string {
	if orderID != "" {
		return orderID
	}
	return token
}

// originalOrderID strips the renewal suffix from a subscription order id,
// e.g. "GPA.1234-5678..2" becomes "GPA.1234-5678".
func originalOrderID(orderID string) string {
	if i := strings.Index(orderID, ".."); i > 0 {
		return orderID[:i]
	}
	return orderID
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

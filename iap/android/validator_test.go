package android

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/iap/tests"
	"github.com/code-payments/iap-server/model"
)

const testPackageName = "com.example.app"

var startedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// newPublisherServer fakes the purchases endpoints of the Google Play
// Developer API. Only the "valid" and "cancelled" tokens exist.
func newPublisherServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// androidpublisher/v3/applications/{pkg}/purchases/{kind}/{id}/tokens/{token}
		require.Len(t, parts, 9, r.URL.Path)
		require.Equal(t, testPackageName, parts[3])

		kind, token := parts[5], parts[8]
		ms := func(t time.Time) string {
			return strconv.FormatInt(t.UnixMilli(), 10)
		}

		w.Header().Set("Content-Type", "application/json")

		var body map[string]any
		switch {
		case kind == "products" && token == "valid":
			body = map[string]any{
				"orderId":            "GPA.1111-2222",
				"purchaseState":      0,
				"purchaseTimeMillis": ms(startedAt),
				"quantity":           2,
			}
		case kind == "products" && token == "cancelled":
			body = map[string]any{
				"orderId":            "GPA.3333-4444",
				"purchaseState":      1,
				"purchaseTimeMillis": ms(startedAt),
			}
		case kind == "subscriptions" && token == "valid":
			body = map[string]any{
				"orderId":          "GPA.5555-6666..1",
				"startTimeMillis":  ms(startedAt),
				"expiryTimeMillis": ms(startedAt.AddDate(0, 1, 0)),
			}
		case token == "unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"code": 503, "message": "backend unavailable"}}`))
			return
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"code": 404, "message": "purchase token not found"}}`))
			return
		}

		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
}

func newTestValidator() iap.Validator {
	return NewAndroidValidator(
		zap.Must(zap.NewDevelopment()),
		nil,
		testPackageName,
		option.WithoutAuthentication(),
	)
}

func receiptData(t *testing.T, purchases ...PurchaseToken) []byte {
	data, err := (&ReceiptData{PackageName: testPackageName, Purchases: purchases}).Marshal()
	require.NoError(t, err)
	return data
}

func TestAndroidValidator(t *testing.T) {
	server := newPublisherServer(t)
	defer server.Close()

	productID := model.MustProductID(testPackageName, "purchase1")
	validReceiptFunc := func(t *testing.T) ([]byte, string) {
		return receiptData(t, PurchaseToken{ProductID: productID, Token: "valid"}), productID
	}

	tests.RunValidatorTests(t, newTestValidator(), iap.Service(server.URL+"/"), "", validReceiptFunc, func() {})
}

func TestAndroidValidator_Entries(t *testing.T) {
	server := newPublisherServer(t)
	defer server.Close()

	product := model.MustProductID(testPackageName, "purchase1")
	cancelled := model.MustProductID(testPackageName, "purchase2")
	monthly := model.MustProductID(testPackageName, "autoRenewableMonthly")

	data := receiptData(t,
		PurchaseToken{ProductID: product, Token: "valid"},
		PurchaseToken{ProductID: cancelled, Token: "cancelled"},
		PurchaseToken{ProductID: monthly, Token: "valid", Subscription: true},
	)

	receipt, err := newTestValidator().Validate(t.Context(), data, iap.Service(server.URL+"/"), "")
	require.NoError(t, err)
	require.Equal(t, testPackageName, receipt.BundleID)
	require.Len(t, receipt.Entries, 2)

	entry := receipt.EntriesFor(product)[0]
	require.Equal(t, "GPA.1111-2222", entry.TransactionID)
	require.Equal(t, 2, entry.Quantity)
	require.True(t, startedAt.Equal(entry.PurchasedAt))

	require.Empty(t, receipt.EntriesFor(cancelled))
	require.Equal(t, iap.PurchaseStatusNotPurchased, iap.VerifyPurchase(cancelled, receipt))

	entry = receipt.EntriesFor(monthly)[0]
	require.Equal(t, "GPA.5555-6666..1", entry.TransactionID)
	require.Equal(t, "GPA.5555-6666", entry.OriginalTransactionID)

	status := iap.Classify(model.AutoRenewableSubscription{}, monthly, receipt, startedAt.AddDate(0, 0, 15))
	require.Equal(t, iap.SubscriptionStatus{State: iap.SubscriptionPurchased, ExpiresAt: startedAt.AddDate(0, 1, 0)}, status)
}

func TestAndroidValidator_Rejections(t *testing.T) {
	server := newPublisherServer(t)
	defer server.Close()

	service := iap.Service(server.URL + "/")
	productID := model.MustProductID(testPackageName, "purchase1")

	_, err := newTestValidator().Validate(t.Context(), receiptData(t, PurchaseToken{ProductID: productID, Token: "unknown"}), service, "")
	receiptErr := iap.AsReceiptError(err)
	require.Equal(t, iap.ReceiptErrorReceiptInvalid, receiptErr.Kind)
	require.Equal(t, http.StatusNotFound, receiptErr.Status)

	_, err = newTestValidator().Validate(t.Context(), receiptData(t, PurchaseToken{ProductID: productID, Token: "unavailable"}), service, "")
	require.Equal(t, iap.ReceiptErrorNetwork, iap.AsReceiptError(err).Kind)

	other, err := (&ReceiptData{
		PackageName: "com.other.app",
		Purchases:   []PurchaseToken{{ProductID: productID, Token: "valid"}},
	}).Marshal()
	require.NoError(t, err)
	_, err = newTestValidator().Validate(t.Context(), other, service, "")
	receiptErr = iap.AsReceiptError(err)
	require.Equal(t, iap.ReceiptErrorReceiptInvalid, receiptErr.Kind)
	require.Equal(t, http.StatusForbidden, receiptErr.Status)

	_, err = newTestValidator().Validate(t.Context(), receiptData(t), service, "")
	require.Equal(t, iap.ReceiptErrorReceiptInvalid, iap.AsReceiptError(err).Kind)
}

func TestOriginalOrderID(t *testing.T) {
	require.Equal(t, "GPA.1234-5678", originalOrderID("GPA.1234-5678..12"))
	require.Equal(t, "GPA.1234-5678", originalOrderID("GPA.1234-5678"))
	require.Equal(t, "token", originalOrderID("token"))
}

package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/sandbox"
)

// RunServerTests runs the HTTP API against a sandbox store backed by l.
func RunServerTests(t *testing.T, l sandbox.Ledger, teardown func()) {
	for _, tf := range []func(t *testing.T, l sandbox.Ledger){
		testServer_ProductInfo,
		testServer_PurchaseAndFinish,
		testServer_PurchaseFailures,
		testServer_Restore,
		testServer_VerifyReceipt,
		testServer_Entitlement,
	} {
		tf(t, l)
		teardown()
	}
}

type serverEnv struct {
	*storeEnv
	server *httptest.Server
}

func newServerEnv(t *testing.T, l sandbox.Ledger) *serverEnv {
	env := newStoreEnv(t, l)
	log := zap.Must(zap.NewDevelopment())

	orchestrator := iap.NewOrchestrator(log, env.store, env.validator, iap.ServiceSandbox, "secret")
	server := httptest.NewServer(iap.NewServer(log, orchestrator, env.catalog).Handler())
	t.Cleanup(server.Close)

	return &serverEnv{storeEnv: env, server: server}
}

func (e *serverEnv) do(t *testing.T, method, path string, body, out any) int {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func testServer_ProductInfo(t *testing.T, l sandbox.Ledger) {
	env := newServerEnv(t, l)

	var resp iap.ProductInfoResponse
	code := env.do(t, http.MethodGet, "/v1/products/"+env.productID(t, "autoRenewableMonthly"), nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "retrieved", resp.Outcome)
	require.Equal(t, "2.99", resp.Product.Price.StringFixed(2))
	require.Contains(t, resp.Product.LocalizedPrice, "2.99")
	require.Equal(t, "autoRenewableMonthly", resp.Feedback.Title)

	resp = iap.ProductInfoResponse{}
	code = env.do(t, http.MethodGet, "/v1/products/"+BundleID+".unknown", nil, &resp)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "invalid_identifier", resp.Outcome)
	require.Equal(t, BundleID+".unknown", resp.InvalidID)
	require.Nil(t, resp.Product)
}

func testServer_PurchaseAndFinish(t *testing.T, l sandbox.Ledger) {
	env := newServerEnv(t, l)
	productID := env.productID(t, "purchase1")

	var resp iap.PurchaseResultResponse
	code := env.do(t, http.MethodPost, "/v1/purchases", &iap.PurchaseRequest{ProductID: productID}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "succeeded", resp.Outcome)
	require.Equal(t, productID, resp.Purchase.ProductID)
	require.True(t, resp.Purchase.NeedsFinishTransaction)
	require.NotNil(t, resp.Feedback)

	finishPath := "/v1/transactions/" + resp.Purchase.TransactionID + "/finish"
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, finishPath, nil, nil))
	require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, finishPath, nil, &iap.ErrorResponse{}))
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/transactions/unknown/finish", nil, &iap.ErrorResponse{}))

	resp = iap.PurchaseResultResponse{}
	code = env.do(t, http.MethodPost, "/v1/purchases", &iap.PurchaseRequest{ProductID: productID, Atomically: true}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.False(t, resp.Purchase.NeedsFinishTransaction)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/purchases", &iap.PurchaseRequest{}, &iap.ErrorResponse{}))
}

func testServer_PurchaseFailures(t *testing.T, l sandbox.Ledger) {
	env := newServerEnv(t, l)
	productID := env.productID(t, "purchase2")

	env.store.FailNextPurchase(productID, iap.PurchaseErrorPaymentCancelled)

	var resp iap.PurchaseResultResponse
	code := env.do(t, http.MethodPost, "/v1/purchases", &iap.PurchaseRequest{ProductID: productID}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "cancelled", resp.Outcome)
	require.Equal(t, "payment_cancelled", resp.Error)
	require.Nil(t, resp.Feedback)
	require.Nil(t, resp.Purchase)

	resp = iap.PurchaseResultResponse{}
	code = env.do(t, http.MethodPost, "/v1/purchases", &iap.PurchaseRequest{ProductID: BundleID + ".unknown"}, &resp)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "failed", resp.Outcome)
	require.Equal(t, "payment_invalid", resp.Error)
	require.NotNil(t, resp.Feedback)

	// Nothing was recorded, so there is nothing to finish.
	pending, err := env.store.Pending(t.Context())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func testServer_Restore(t *testing.T, l sandbox.Ledger) {
	env := newServerEnv(t, l)

	var resp iap.RestoreResponse
	code := env.do(t, http.MethodPost, "/v1/restore", nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Restored)
	require.Empty(t, resp.Failed)
	require.Equal(t, "Nothing to restore", resp.Feedback.Title)

	_, err := env.store.InitiatePurchase(t.Context(), env.productID(t, "purchase1"), true)
	require.NoError(t, err)

	resp = iap.RestoreResponse{}
	code = env.do(t, http.MethodPost, "/v1/restore", &iap.RestoreRequest{Atomically: true}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Restored, 1)
	require.False(t, resp.Restored[0].NeedsFinishTransaction)
	require.NotEmpty(t, resp.Restored[0].OriginalTransactionID)
	require.Equal(t, "Purchases Restored", resp.Feedback.Title)
}

func testServer_VerifyReceipt(t *testing.T, l sandbox.Ledger) {
	env := newServerEnv(t, l)

	var resp iap.ReceiptResponse
	code := env.do(t, http.MethodPost, "/v1/receipt/verify", nil, &resp)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "no_receipt_data", resp.Error.Kind)

	_, err := env.store.InitiatePurchase(t.Context(), env.productID(t, "autoRenewableYearly"), true)
	require.NoError(t, err)

	resp = iap.ReceiptResponse{}
	code = env.do(t, http.MethodPost, "/v1/receipt/verify", nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, resp.Error)
	require.Equal(t, BundleID, resp.BundleID)
	require.Len(t, resp.Entries, 1)
	require.NotNil(t, resp.Entries[0].ExpiresAt)
	require.Nil(t, resp.Entries[0].CancelledAt)
	require.Equal(t, "Receipt verified", resp.Feedback.Title)
}

func testServer_Entitlement(t *testing.T, l sandbox.Ledger) {
	env := newServerEnv(t, l)
	purchasedAt := env.clock.Now()

	_, err := env.store.InitiatePurchase(t.Context(), env.productID(t, "nonRenewingPurchase"), true)
	require.NoError(t, err)

	at := func(d time.Duration) string {
		return "?at=" + purchasedAt.Add(d).Format(time.RFC3339)
	}

	var resp iap.EntitlementResponse
	code := env.do(t, http.MethodGet, "/v1/entitlements/nonRenewingPurchase"+at(30*time.Second), nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Purchased)
	require.Equal(t, "purchased", resp.State)
	require.True(t, purchasedAt.Add(60*time.Second).Equal(*resp.ExpiresAt))

	resp = iap.EntitlementResponse{}
	code = env.do(t, http.MethodGet, "/v1/entitlements/nonRenewingPurchase"+at(90*time.Second), nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.False(t, resp.Purchased)
	require.Equal(t, "expired", resp.State)

	resp = iap.EntitlementResponse{}
	code = env.do(t, http.MethodGet, "/v1/entitlements/purchase1", nil, &resp)
	require.Equal(t, http.StatusOK, code)
	require.False(t, resp.Purchased)
	require.Equal(t, "not_purchased", resp.State)
	require.Nil(t, resp.ExpiresAt)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/entitlements/unknown", nil, &iap.ErrorResponse{}))
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/entitlements/purchase1?at=yesterday", nil, &iap.ErrorResponse{}))
}

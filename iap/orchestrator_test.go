package iap_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/model"
)

type fakeStore struct {
	mu sync.Mutex

	products    *iap.RetrieveResults
	productsErr error
	purchase    *iap.Purchase
	purchaseErr error
	restore     *iap.RestoreResults
	restoreErr  error
	receipt     []byte
	receiptErr  error

	finished   []iap.TransactionRef
	atomically []bool
}

func (s *fakeStore) RequestProductInfo(_ context.Context, _ []string) (*iap.RetrieveResults, error) {
	return s.products, s.productsErr
}

func (s *fakeStore) InitiatePurchase(_ context.Context, _ string, atomically bool) (*iap.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.atomically = append(s.atomically, atomically)
	return s.purchase, s.purchaseErr
}

func (s *fakeStore) FinishTransaction(_ context.Context, ref iap.TransactionRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finished = append(s.finished, ref)
	return nil
}

func (s *fakeStore) RestorePurchases(_ context.Context, atomically bool) (*iap.RestoreResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.atomically = append(s.atomically, atomically)
	return s.restore, s.restoreErr
}

func (s *fakeStore) ReceiptData(_ context.Context) ([]byte, error) {
	return s.receipt, s.receiptErr
}

func (s *fakeStore) finishCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.finished)
}

func (s *fakeStore) atomicFlags() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.atomically
}

type fakeValidator struct {
	receipt *iap.Receipt
	err     error

	service iap.Service
	secret  string
	data    []byte
}

func (v *fakeValidator) Validate(_ context.Context, receiptData []byte, service iap.Service, sharedSecret string) (*iap.Receipt, error) {
	v.data = receiptData
	v.service = service
	v.secret = sharedSecret
	return v.receipt, v.err
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []iap.Operation
	finished []iap.Operation
}

func (o *recordingObserver) OperationStarted(op iap.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.started = append(o.started, op)
}

func (o *recordingObserver) OperationFinished(op iap.Operation, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.finished = append(o.finished, op)
}

func newOrchestrator(store iap.Store, validator iap.Validator, opts ...iap.Option) *iap.Orchestrator {
	return iap.NewOrchestrator(
		zap.Must(zap.NewDevelopment()),
		store,
		validator,
		iap.ServiceSandbox,
		"secret",
		opts...,
	)
}

func TestOrchestrator_RequestProductInfo(t *testing.T) {
	ctx := context.Background()
	product := &iap.Product{ID: "com.example.app.purchase1", Title: "Purchase 1"}

	store := &fakeStore{
		products: &iap.RetrieveResults{
			Retrieved:  []*iap.Product{product},
			InvalidIDs: []string{"com.example.app.missing"},
		},
	}
	o := newOrchestrator(store, &fakeValidator{})

	res := o.RequestProductInfo(ctx, product.ID)
	require.Equal(t, iap.ProductInfoRetrieved, res.Outcome)
	require.Equal(t, product, res.Product)

	res = o.RequestProductInfo(ctx, "com.example.app.missing")
	require.Equal(t, iap.ProductInfoInvalidIdentifier, res.Outcome)
	require.Equal(t, "com.example.app.missing", res.InvalidID)

	res = o.RequestProductInfo(ctx, "com.example.app.other")
	require.Equal(t, iap.ProductInfoError, res.Outcome)
	require.Error(t, res.Err)

	storeErr := errors.New("store unavailable")
	store.productsErr = storeErr
	res = o.RequestProductInfo(ctx, product.ID)
	require.Equal(t, iap.ProductInfoError, res.Outcome)
	require.ErrorIs(t, res.Err, storeErr)
}

func TestOrchestrator_PurchaseSucceeded(t *testing.T) {
	purchase := &iap.Purchase{
		ProductID:              "com.example.app.purchase1",
		Quantity:               1,
		Transaction:            "tx",
		OriginalTransaction:    "tx",
		NeedsFinishTransaction: true,
	}
	store := &fakeStore{purchase: purchase}
	o := newOrchestrator(store, &fakeValidator{})

	res := o.Purchase(context.Background(), purchase.ProductID, false)
	require.Equal(t, iap.PurchaseSucceeded, res.Outcome)
	require.Equal(t, purchase, res.Purchase)
	require.Nil(t, res.Err)

	// Finishing is left to the caller.
	require.Zero(t, store.finishCalls())

	require.NoError(t, o.Finish(context.Background(), res.Purchase.Transaction))
	require.Equal(t, 1, store.finishCalls())

	res = o.Purchase(context.Background(), purchase.ProductID, true)
	require.Equal(t, iap.PurchaseSucceeded, res.Outcome)
	require.Equal(t, []bool{false, true}, store.atomicFlags())
}

func TestOrchestrator_PurchaseCancelled(t *testing.T) {
	store := &fakeStore{
		purchaseErr: iap.NewPurchaseError(iap.PurchaseErrorPaymentCancelled, nil),
	}
	o := newOrchestrator(store, &fakeValidator{})

	res := o.Purchase(context.Background(), "com.example.app.purchase1", false)
	require.Equal(t, iap.PurchaseCancelled, res.Outcome)
	require.Nil(t, res.Purchase)
	require.True(t, res.Err.Cancelled())
	require.Zero(t, store.finishCalls())

	store.purchaseErr = iap.NewPurchaseError(iap.PurchaseErrorPaymentInvalid, nil)
	res = o.Purchase(context.Background(), "com.example.app.purchase1", false)
	require.Equal(t, iap.PurchaseFailed, res.Outcome)
	require.Equal(t, iap.PurchaseErrorPaymentInvalid, res.Err.Code)
	require.False(t, res.Err.Cancelled())
	require.Zero(t, store.finishCalls())
}

func TestOrchestrator_PurchaseFailed(t *testing.T) {
	for _, code := range iap.PurchaseErrorCodes() {
		if code == iap.PurchaseErrorPaymentCancelled {
			continue
		}

		store := &fakeStore{purchaseErr: iap.NewPurchaseError(code, nil)}
		res := newOrchestrator(store, &fakeValidator{}).Purchase(context.Background(), "id", true)
		require.Equal(t, iap.PurchaseFailed, res.Outcome, code.String())
		require.Equal(t, code, res.Err.Code)
	}

	// Errors outside the taxonomy are reported as unknown.
	cause := errors.New("disk full")
	store := &fakeStore{purchaseErr: cause}
	res := newOrchestrator(store, &fakeValidator{}).Purchase(context.Background(), "id", false)
	require.Equal(t, iap.PurchaseFailed, res.Outcome)
	require.Equal(t, iap.PurchaseErrorUnknown, res.Err.Code)
	require.ErrorIs(t, res.Err, cause)

	store = &fakeStore{}
	res = newOrchestrator(store, &fakeValidator{}).Purchase(context.Background(), "id", false)
	require.Equal(t, iap.PurchaseFailed, res.Outcome)
	require.Equal(t, iap.PurchaseErrorUnknown, res.Err.Code)
}

func TestOrchestrator_RestoreEmpty(t *testing.T) {
	store := &fakeStore{restore: &iap.RestoreResults{}}
	res := newOrchestrator(store, &fakeValidator{}).Restore(context.Background(), false)
	require.NotNil(t, res.Restored)
	require.NotNil(t, res.Failed)
	require.Empty(t, res.Restored)
	require.Empty(t, res.Failed)

	store = &fakeStore{}
	res = newOrchestrator(store, &fakeValidator{}).Restore(context.Background(), false)
	require.Empty(t, res.Restored)
	require.Empty(t, res.Failed)
}

func TestOrchestrator_Restore(t *testing.T) {
	restored := &iap.Purchase{ProductID: "a", Transaction: "tx1", NeedsFinishTransaction: true}
	failure := iap.RestoreFailure{ProductID: "b", Err: errors.New("nope")}

	store := &fakeStore{
		restore: &iap.RestoreResults{
			Restored: []*iap.Purchase{restored},
			Failed:   []iap.RestoreFailure{failure},
		},
	}
	o := newOrchestrator(store, &fakeValidator{})
	res := o.Restore(context.Background(), false)
	require.Equal(t, []*iap.Purchase{restored}, res.Restored)
	require.Equal(t, []iap.RestoreFailure{failure}, res.Failed)
	require.Zero(t, store.finishCalls())

	o.Restore(context.Background(), true)
	require.Equal(t, []bool{false, true}, store.atomicFlags())

	storeErr := errors.New("restore unavailable")
	store = &fakeStore{restoreErr: storeErr}
	res = newOrchestrator(store, &fakeValidator{}).Restore(context.Background(), false)
	require.Empty(t, res.Restored)
	require.Len(t, res.Failed, 1)
	require.Empty(t, res.Failed[0].ProductID)
	require.ErrorIs(t, res.Failed[0].Err, storeErr)
}

func TestOrchestrator_VerifyReceipt(t *testing.T) {
	ctx := context.Background()
	receipt := &iap.Receipt{BundleID: "com.example.app"}

	store := &fakeStore{receipt: []byte("receipt")}
	validator := &fakeValidator{receipt: receipt}
	o := newOrchestrator(store, validator)

	res := o.VerifyReceipt(ctx)
	require.Nil(t, res.Err)
	require.Equal(t, receipt, res.Receipt)
	require.Equal(t, iap.ServiceSandbox, validator.service)
	require.Equal(t, "secret", validator.secret)
	require.Equal(t, []byte("receipt"), validator.data)

	for _, tc := range []struct {
		name       string
		receipt    []byte
		receiptErr error
		validErr   error
		kind       iap.ReceiptErrorKind
	}{
		{name: "no receipt", receiptErr: iap.ErrNoReceiptData, kind: iap.ReceiptErrorNoReceiptData},
		{name: "empty receipt", receipt: []byte{}, kind: iap.ReceiptErrorNoReceiptData},
		{name: "store failure", receiptErr: errors.New("boom"), kind: iap.ReceiptErrorOther},
		{name: "network", receipt: []byte("r"), validErr: iap.NewNetworkError(&url.Error{Op: "Post", Err: errors.New("refused")}), kind: iap.ReceiptErrorNetwork},
		{name: "invalid", receipt: []byte("r"), validErr: iap.NewReceiptInvalidError(21002), kind: iap.ReceiptErrorReceiptInvalid},
		{name: "other", receipt: []byte("r"), validErr: errors.New("unexpected"), kind: iap.ReceiptErrorOther},
		{name: "validator returned nothing", receipt: []byte("r"), kind: iap.ReceiptErrorOther},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{receipt: tc.receipt, receiptErr: tc.receiptErr}
			validator := &fakeValidator{err: tc.validErr}

			res := newOrchestrator(store, validator).VerifyReceipt(ctx)
			require.Nil(t, res.Receipt)
			require.NotNil(t, res.Err)
			require.Equal(t, tc.kind, res.Err.Kind)
		})
	}
}

func TestOrchestrator_VerifyEntitlement(t *testing.T) {
	expiry := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{receipt: []byte("receipt")}
	validator := &fakeValidator{
		receipt: &iap.Receipt{
			Entries: []iap.ReceiptEntry{
				{ProductID: "yearly", ExpiresAt: expiry},
			},
		},
	}
	o := newOrchestrator(store, validator)

	res := o.VerifyEntitlement(context.Background(), model.AutoRenewableSubscription{}, "yearly", expiry.Add(-time.Hour))
	require.Nil(t, res.Err)
	require.Equal(t, iap.SubscriptionStatus{State: iap.SubscriptionPurchased, ExpiresAt: expiry}, res.Status)

	res = o.VerifyEntitlement(context.Background(), model.NonConsumable{}, "other", expiry)
	require.Equal(t, iap.PurchaseStatusNotPurchased, res.Status)

	validator.err = iap.NewReceiptInvalidError(21003)
	res = o.VerifyEntitlement(context.Background(), model.NonConsumable{}, "yearly", expiry)
	require.Nil(t, res.Status)
	require.Equal(t, iap.ReceiptErrorReceiptInvalid, res.Err.Kind)
	require.Equal(t, 21003, res.Err.Status)
}

func TestOrchestrator_Observer(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}

	var transitions []bool
	activity := iap.NewNetworkActivity(func(active bool) {
		transitions = append(transitions, active)
	})

	store := &fakeStore{
		products: &iap.RetrieveResults{},
		purchase: &iap.Purchase{Transaction: "tx"},
		restore:  &iap.RestoreResults{},
		receipt:  []byte("receipt"),
	}
	o := newOrchestrator(store, &fakeValidator{receipt: &iap.Receipt{}}, iap.WithObserver(iap.Observers(observer, nil, activity)))

	o.RequestProductInfo(ctx, "id")
	o.Purchase(ctx, "id", false)
	require.NoError(t, o.Finish(ctx, "tx"))
	o.Restore(ctx, false)
	o.VerifyReceipt(ctx)

	expected := []iap.Operation{
		iap.OperationProductInfo,
		iap.OperationPurchase,
		iap.OperationFinish,
		iap.OperationRestore,
		iap.OperationVerifyReceipt,
	}
	require.Equal(t, expected, observer.started)
	require.Equal(t, expected, observer.finished)
	require.False(t, activity.Active())
	require.Equal(t, []bool{true, false, true, false, true, false, true, false, true, false}, transitions)
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProductID(t *testing.T) {
	id, err := ProductID("com.example.app", "autoRenewableYearly")
	require.NoError(t, err)
	require.Equal(t, "com.example.app.autoRenewableYearly", id)

	for _, tc := range []struct {
		bundle string
		name   string
	}{
		{"", "purchase1"},
		{"com.example.app", ""},
		{"  ", "purchase1"},
		{"com.example.app.", "purchase1"},
		{"com.example.app", ".purchase1"},
	} {
		_, err := ProductID(tc.bundle, tc.name)
		require.ErrorIs(t, err, ErrInvalidProductID, "%q / %q", tc.bundle, tc.name)
	}

	name, ok := ProductName("com.example.app", id)
	require.True(t, ok)
	require.Equal(t, "autoRenewableYearly", name)

	_, ok = ProductName("com.other.app", id)
	require.False(t, ok)
}

func TestProductKind(t *testing.T) {
	require.False(t, Consumable{}.Expiring())
	require.False(t, NonConsumable{}.Expiring())
	require.True(t, NonRenewingSubscription{ValidDuration: time.Minute}.Expiring())
	require.True(t, AutoRenewableSubscription{}.Expiring())

	require.Equal(t, "non_renewing(1m0s)", NonRenewingSubscription{ValidDuration: time.Minute}.String())
}

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog("com.example.app", DefaultPurchases()...)
	require.NoError(t, err)
	require.Len(t, catalog.Purchases(), 8)

	p, id, err := catalog.Lookup("nonRenewingPurchase")
	require.NoError(t, err)
	require.Equal(t, "com.example.app.nonRenewingPurchase", id)
	require.Equal(t, NonRenewingSubscription{ValidDuration: 60 * time.Second}, p.Kind)

	byID, err := catalog.LookupProductID(id)
	require.NoError(t, err)
	require.Equal(t, p, byID)

	_, _, err = catalog.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownPurchase)

	_, err = catalog.LookupProductID("com.other.app.purchase1")
	require.ErrorIs(t, err, ErrUnknownPurchase)

	_, err = NewCatalog("com.example.app",
		RegisteredPurchase{Name: "purchase1", Kind: Consumable{}},
		RegisteredPurchase{Name: "purchase1", Kind: NonConsumable{}},
	)
	require.ErrorIs(t, err, ErrDuplicatePurchase)

	_, err = NewCatalog("com.example.app", RegisteredPurchase{Name: "purchase1"})
	require.Error(t, err)

	_, err = NewCatalog("", RegisteredPurchase{Name: "purchase1", Kind: Consumable{}})
	require.ErrorIs(t, err, ErrInvalidProductID)
}

func TestReceiptID(t *testing.T) {
	a := ReceiptID([]byte("receipt"))
	require.Equal(t, a, ReceiptID([]byte("receipt")))
	require.NotEqual(t, a, ReceiptID([]byte("other")))

	id, err := GenerateTransactionID()
	require.NoError(t, err)
	require.NotEqual(t, id, MustGenerateTransactionID())
}

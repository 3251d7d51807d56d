package iap

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// TransactionRef identifies one purchase event in the platform queue. It is
// required to finish the transaction.
type TransactionRef string

func (r TransactionRef) String() string {
	return string(r)
}

// Product is store-supplied product metadata.
type Product struct {
	ID           string
	Title        string
	Description  string
	Price        decimal.Decimal
	CurrencyCode string
	Locale       string
}

// LocalizedPrice formats the price in the product's locale and currency,
// for example "$0.99" or "0,99 €".
func (p *Product) LocalizedPrice() string {
	tag := language.Make(p.Locale)
	if p.Locale == "" {
		tag = language.English
	}
	printer := message.NewPrinter(tag)

	unit, err := currency.ParseISO(p.CurrencyCode)
	if err != nil {
		return printer.Sprintf("%v %s", p.Price.StringFixed(2), p.CurrencyCode)
	}

	return printer.Sprint(currency.Symbol(unit.Amount(p.Price.InexactFloat64())))
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	cloned := *p
	return &cloned
}

// Purchase is the record of a successful store purchase or restore.
//
// When NeedsFinishTransaction is set, the caller delivers the content and then
// finishes Transaction exactly once.
type Purchase struct {
	ProductID              string
	Quantity               int
	Transaction            TransactionRef
	OriginalTransaction    TransactionRef
	NeedsFinishTransaction bool
	PurchasedAt            time.Time
}

func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	cloned := *p
	return &cloned
}

// Receipt is a validated receipt. It is only ever held for the duration of a
// verification call.
type Receipt struct {
	BundleID string
	IssuedAt time.Time
	Entries  []ReceiptEntry
}

// ReceiptEntry is one purchase contained in a receipt. ExpiresAt and
// CancelledAt are zero when absent.
type ReceiptEntry struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	Quantity              int
	PurchasedAt           time.Time
	ExpiresAt             time.Time
	CancelledAt           time.Time
}

// EntriesFor returns the entries for a product id.
func (r *Receipt) EntriesFor(productID string) []ReceiptEntry {
	if r == nil {
		return nil
	}

	var res []ReceiptEntry
	for _, e := range r.Entries {
		if e.ProductID == productID {
			res = append(res, e)
		}
	}
	return res
}

// RetrieveResults is the store's answer to a product info request.
type RetrieveResults struct {
	Retrieved  []*Product
	InvalidIDs []string
}

// RestoreResults is the store's answer to a restore request. Failed entries
// carry whatever the store knows about the purchase it could not restore.
type RestoreResults struct {
	Restored []*Purchase
	Failed   []RestoreFailure
}

type RestoreFailure struct {
	ProductID string
	Purchase  *Purchase
	Err       error
}

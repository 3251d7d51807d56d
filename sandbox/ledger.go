package sandbox

import (
	"context"
	"errors"
	"time"
)

var ErrExists = errors.New("transaction already exists")

type State uint8

const (
	StateUnknown State = iota
	StatePurchased
	StateRestored
)

func (s State) String() string {
	switch s {
	case StatePurchased:
		return "purchased"
	case StateRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Transaction is one entry in the sandbox payment queue. Restored transactions
// point at the purchase they replay through OriginalID.
//
// ExpiresAt and FinishedAt are zero when unset.
type Transaction struct {
	ID          string
	OriginalID  string
	ProductID   string
	Quantity    int
	State       State
	PurchasedAt time.Time
	ExpiresAt   time.Time
	FinishedAt  time.Time
}

func (t *Transaction) Finished() bool {
	return !t.FinishedAt.IsZero()
}

func (t *Transaction) Clone() *Transaction {
	cloned := *t
	return &cloned
}

// Ledger persists sandbox transactions.
type Ledger interface {
	// CreateTransaction stores a new transaction, or returns ErrExists.
	CreateTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction returns a transaction by id, or iap.ErrNotFound.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// FinishTransaction marks a transaction as finished.
	//
	// iap.ErrNotFound is returned for unknown transactions, and
	// iap.ErrAlreadyFinished if it was finished before.
	FinishTransaction(ctx context.Context, id string, at time.Time) error

	// GetTransactions returns all transactions ordered by purchase time, then
	// id.
	GetTransactions(ctx context.Context) ([]*Transaction, error)
}

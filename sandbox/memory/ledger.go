package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/sandbox"
)

type InMemoryLedger struct {
	mu           sync.RWMutex
	transactions map[string]*sandbox.Transaction
}

func NewInMemory() sandbox.Ledger {
	return &InMemoryLedger{
		transactions: map[string]*sandbox.Transaction{},
	}
}

func (l *InMemoryLedger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.transactions = make(map[string]*sandbox.Transaction)
}

func (l *InMemoryLedger) CreateTransaction(_ context.Context, tx *sandbox.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.transactions[tx.ID]; ok {
		return sandbox.ErrExists
	}

	l.transactions[tx.ID] = tx.Clone()

	return nil
}

func (l *InMemoryLedger) GetTransaction(_ context.Context, id string) (*sandbox.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tx, ok := l.transactions[id]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return tx.Clone(), nil
}

func (l *InMemoryLedger) FinishTransaction(_ context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.transactions[id]
	if !ok {
		return iap.ErrNotFound
	}
	if tx.Finished() {
		return iap.ErrAlreadyFinished
	}

	tx.FinishedAt = at
	return nil
}

func (l *InMemoryLedger) GetTransactions(_ context.Context) ([]*sandbox.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := make([]*sandbox.Transaction, 0, len(l.transactions))
	for _, tx := range l.transactions {
		res = append(res, tx.Clone())
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].PurchasedAt.Equal(res[j].PurchasedAt) {
			return res[i].PurchasedAt.Before(res[j].PurchasedAt)
		}
		return res[i].ID < res[j].ID
	})

	return res, nil
}

package iap

import (
	"sync"
	"time"
)

// Operation names a collaborator call made by the Orchestrator.
type Operation string

const (
	OperationProductInfo   Operation = "product_info"
	OperationPurchase      Operation = "purchase"
	OperationFinish        Operation = "finish"
	OperationRestore       Operation = "restore"
	OperationVerifyReceipt Operation = "verify_receipt"
)

// Observer is notified around every collaborator call. It has no influence on
// the outcome of the call.
type Observer interface {
	OperationStarted(op Operation)
	OperationFinished(op Operation, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) OperationStarted(Operation)                 {}
func (nopObserver) OperationFinished(Operation, time.Duration) {}

type multiObserver []Observer

// Observers fans notifications out to each observer in order.
func Observers(observers ...Observer) Observer {
	var res multiObserver
	for _, o := range observers {
		if o != nil {
			res = append(res, o)
		}
	}
	return res
}

func (m multiObserver) OperationStarted(op Operation) {
	for _, o := range m {
		o.OperationStarted(op)
	}
}

func (m multiObserver) OperationFinished(op Operation, elapsed time.Duration) {
	for _, o := range m {
		o.OperationFinished(op, elapsed)
	}
}

// NetworkActivity counts in-flight operations and reports when the count
// moves between zero and non-zero.
type NetworkActivity struct {
	mu       sync.Mutex
	inFlight int
	onChange func(active bool)
}

func NewNetworkActivity(onChange func(active bool)) *NetworkActivity {
	return &NetworkActivity{onChange: onChange}
}

func (a *NetworkActivity) OperationStarted(Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inFlight++
	if a.inFlight == 1 && a.onChange != nil {
		a.onChange(true)
	}
}

func (a *NetworkActivity) OperationFinished(Operation, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight == 0 {
		return
	}

	a.inFlight--
	if a.inFlight == 0 && a.onChange != nil {
		a.onChange(false)
	}
}

// Active reports whether any operation is in flight.
func (a *NetworkActivity) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.inFlight > 0
}

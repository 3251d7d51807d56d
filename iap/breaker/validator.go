package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
)

type Config struct {
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which failure
	// counts are cleared.
	Interval time.Duration

	// Timeout is the period of the open state.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive network failures that
	// opens the breaker.
	FailureThreshold uint32
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// StateChangeFunc is called whenever the breaker changes state.
type StateChangeFunc func(name string, from, to gobreaker.State)

type Validator struct {
	log     *zap.Logger
	next    iap.Validator
	breaker *gobreaker.CircuitBreaker[*iap.Receipt]
}

// NewValidator guards next with a circuit breaker. Only network failures count
// against the breaker; a rejected receipt is a successful round trip. While
// the breaker is open, calls fail fast with a network error.
func NewValidator(log *zap.Logger, name string, next iap.Validator, config Config, onStateChange StateChangeFunc) iap.Validator {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		// Only network failures count against the upstream, and a caller
		// cancelling its own request is not one.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return iap.AsReceiptError(err).Kind != iap.ReceiptErrorNetwork
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
			if onStateChange != nil {
				onStateChange(name, from, to)
			}
		},
	}

	return &Validator{
		log:     log,
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[*iap.Receipt](settings),
	}
}

func (v *Validator) Validate(ctx context.Context, receiptData []byte, service iap.Service, sharedSecret string) (*iap.Receipt, error) {
	receipt, err := v.breaker.Execute(func() (*iap.Receipt, error) {
		return v.next.Validate(ctx, receiptData, service, sharedSecret)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, iap.NewNetworkError(err)
	}
	return receipt, err
}

// State reports the current breaker state.
func (v *Validator) State() gobreaker.State {
	return v.breaker.State()
}

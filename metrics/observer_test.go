package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-server/iap"
)

func TestObserver(t *testing.T) {
	registry := prometheus.NewRegistry()
	o, err := NewObserver(registry)
	require.NoError(t, err)

	o.OperationStarted(iap.OperationPurchase)
	o.OperationStarted(iap.OperationVerifyReceipt)
	require.Equal(t, 2.0, testutil.ToFloat64(o.inFlight))

	o.OperationFinished(iap.OperationPurchase, 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(o.inFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(o.started.WithLabelValues("purchase")))
	require.Equal(t, 0.0, testutil.ToFloat64(o.started.WithLabelValues("finish")))
	require.Equal(t, 1, testutil.CollectAndCount(o.duration, "iap_operation_duration_seconds"))

	o.BreakerStateChanged("apple", gobreaker.StateClosed, gobreaker.StateOpen)
	require.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(o.breakerState.WithLabelValues("apple")))

	// Registering twice against the same registry fails.
	_, err = NewObserver(registry)
	require.Error(t, err)
}

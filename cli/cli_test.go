package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/config"
)

func setupEnv(t *testing.T) {
	t.Setenv("IAP_LEDGER", config.LedgerSQLite)
	t.Setenv("IAP_LEDGER_DSN", filepath.Join(t.TempDir(), "sandbox.db"))
	t.Setenv("IAP_LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) string {
	cmd := NewRootCommand()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	require.NoError(t, cmd.ExecuteContext(t.Context()), out.String())
	return out.String()
}

func transactionFrom(t *testing.T, output string) string {
	for _, line := range strings.Split(output, "\n") {
		if id, ok := strings.CutPrefix(line, "Transaction: "); ok {
			return id
		}
	}
	require.FailNow(t, "no transaction in output", output)
	return ""
}

func TestCLI_Info(t *testing.T) {
	setupEnv(t)

	out := run(t, "info", "purchase1", "com.example.app.unknown")
	require.Contains(t, out, "purchase1: non_consumable - ")
	require.Contains(t, out, "Invalid product identifier: com.example.app.unknown")

	out = run(t, "info")
	require.Equal(t, 8, strings.Count(out, "\n"))
}

func TestCLI_PurchaseAndFinish(t *testing.T) {
	setupEnv(t)

	out := run(t, "receipt")
	require.Contains(t, out, "No receipt data")

	out = run(t, "purchase", "consumablePurchase")
	require.Contains(t, out, "Thank You: Purchase completed")
	require.Contains(t, out, "must be finished")
	id := transactionFrom(t, out)

	require.Contains(t, run(t, "pending"), id)
	require.Contains(t, run(t, "finish", id), "Finished "+id)
	require.Empty(t, run(t, "pending"))

	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"finish", id})
	require.Error(t, cmd.ExecuteContext(t.Context()))

	out = run(t, "purchase", "purchase1", "--deliver")
	require.Contains(t, out, "Delivered 1 x com.example.app.purchase1")
	require.Contains(t, out, "Finished ")

	out = run(t, "purchase", "purchase2", "--atomic")
	require.NotContains(t, out, "must be finished")

	out = run(t, "receipt")
	require.Contains(t, out, "Receipt verified")
	require.Contains(t, out, "com.example.app.purchase1")
	require.Contains(t, out, "com.example.app.consumablePurchase")

	require.Contains(t, run(t, "verify", "purchase1"), "Product is purchased: Product will not expire")
	require.Contains(t, run(t, "verify", "nonConsumablePurchase"), "Not purchased")

	out = run(t, "purchase", "com.example.app.unknown")
	require.Contains(t, out, "The purchase identifier was invalid")
}

func TestCLI_VerifySubscription(t *testing.T) {
	setupEnv(t)

	run(t, "purchase", "nonRenewingPurchase", "--atomic")

	require.Contains(t, run(t, "verify", "nonRenewingPurchase"), "Product is purchased: Product is valid until ")

	later := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.Contains(t, run(t, "verify", "nonRenewingPurchase", "--at", later), "Product expired")
}

func TestCLI_Restore(t *testing.T) {
	setupEnv(t)

	require.Contains(t, run(t, "restore"), "Nothing to restore")

	run(t, "purchase", "purchase1", "--atomic")
	run(t, "purchase", "consumablePurchase", "--atomic")

	out := run(t, "restore", "--deliver")
	require.Contains(t, out, "Purchases Restored")
	require.Contains(t, out, "Restored com.example.app.purchase1")
	require.NotContains(t, out, "Restored com.example.app.consumablePurchase")
	require.Contains(t, out, "Finished ")
	require.Empty(t, run(t, "pending"))
}

func TestCLI_Serve(t *testing.T) {
	setupEnv(t)
	t.Setenv("IAP_LEDGER", config.LedgerMemory)

	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := newApp(t.Context(), cfg, zap.Must(zap.NewDevelopment()))
	require.NoError(t, err)
	defer a.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.serve(ctx, lis)
	}()

	base := "http://" + lis.Addr().String()

	resp, err := http.Get(base + "/v1/products/com.example.app.purchase1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `iap_operations_started_total{operation="product_info"} 1`)

	cancel()
	require.NoError(t, <-errCh)
}

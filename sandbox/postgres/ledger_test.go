//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/sirupsen/logrus"

	postgrestest "github.com/code-payments/iap-server/database/postgres/test"
	"github.com/code-payments/iap-server/sandbox/tests"

	_ "github.com/jackc/pgx/v4/stdlib"
)

var (
	testPool    *dockertest.Pool
	databaseUrl string
)

func TestMain(m *testing.M) {
	log := logrus.StandardLogger()

	var err error
	testPool, err = dockertest.NewPool("")
	if err != nil {
		log.WithError(err).Error("Error creating docker pool")
		os.Exit(1)
	}

	// Start a postgres container
	databaseUrl, err = postgrestest.StartPostgresDB(testPool)
	if err != nil {
		log.WithError(err).Error("Error starting postgres image")
		os.Exit(1)
	}

	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, true)
	if err != nil {
		log.WithError(err).Error("Error waiting for connection")
		os.Exit(1)
	}

	if err := Migrate(context.Background(), db); err != nil {
		log.WithError(err).Error("Error applying schema")
		os.Exit(1)
	}
	disconnect()

	code := m.Run()
	os.Exit(code)
}

func TestSandbox_PostgresLedger(t *testing.T) {
	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, false)
	if err != nil {
		t.Fatalf("Error connecting to database: %v", err)
	}
	defer disconnect()

	testLedger := NewInPostgres(db)
	teardown := func() {
		testLedger.(*pgLedger).reset()
	}
	tests.RunLedgerTests(t, testLedger, teardown)
}

func TestSandbox_PostgresStore(t *testing.T) {
	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, false)
	if err != nil {
		t.Fatalf("Error connecting to database: %v", err)
	}
	defer disconnect()

	testLedger := NewInPostgres(db)
	teardown := func() {
		testLedger.(*pgLedger).reset()
	}
	tests.RunStoreTests(t, testLedger, teardown)
}

func TestSandbox_PostgresServer(t *testing.T) {
	db, disconnect, err := postgrestest.WaitForConnection(databaseUrl, false)
	if err != nil {
		t.Fatalf("Error connecting to database: %v", err)
	}
	defer disconnect()

	testLedger := NewInPostgres(db)
	teardown := func() {
		testLedger.(*pgLedger).reset()
	}
	tests.RunServerTests(t, testLedger, teardown)
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/sandbox"
)

const transactionTable = "sandbox_transactions"

// Timestamps are stored as unix milliseconds. NULL means unset.
const schema = `
CREATE TABLE IF NOT EXISTS ` + transactionTable + ` (
	id           TEXT    PRIMARY KEY,
	original_id  TEXT    NOT NULL,
	product_id   TEXT    NOT NULL,
	quantity     INTEGER NOT NULL,
	state        INTEGER NOT NULL,
	purchased_at INTEGER NOT NULL,
	expires_at   INTEGER,
	finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS sandbox_transactions_purchased_at ON ` + transactionTable + ` (purchased_at, id);
`

const allColumns = `id, original_id, product_id, quantity, state, purchased_at, expires_at, finished_at`

type transactionModel struct {
	ID          string        `db:"id"`
	OriginalID  string        `db:"original_id"`
	ProductID   string        `db:"product_id"`
	Quantity    int           `db:"quantity"`
	State       int           `db:"state"`
	PurchasedAt int64         `db:"purchased_at"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	FinishedAt  sql.NullInt64 `db:"finished_at"`
}

type ledger struct {
	db *sqlx.DB
}

// Open opens a SQLite database at path, creating the schema if needed. Use
// ":memory:" for a throwaway ledger.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open sqlite database")
	}

	// SQLite has a single writer, and every connection to :memory: is a
	// separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return pkgerrors.Wrap(err, "failed to apply sqlite schema")
}

func NewInSQLite(db *sql.DB) sandbox.Ledger {
	return &ledger{
		db: sqlx.NewDb(db, "sqlite"),
	}
}

func (l *ledger) reset() {
	_, err := l.db.Exec(`DELETE FROM ` + transactionTable)
	if err != nil {
		panic(err)
	}
}

func (l *ledger) CreateTransaction(ctx context.Context, tx *sandbox.Transaction) error {
	m := toModel(tx)

	res, err := l.db.NamedExecContext(ctx, `
		INSERT INTO `+transactionTable+` (`+allColumns+`)
		VALUES (:id, :original_id, :product_id, :quantity, :state, :purchased_at, :expires_at, :finished_at)
		ON CONFLICT (id) DO NOTHING
	`, m)
	if err != nil {
		return err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return sandbox.ErrExists
	}
	return nil
}

func (l *ledger) GetTransaction(ctx context.Context, id string) (*sandbox.Transaction, error) {
	var m transactionModel
	query := `SELECT ` + allColumns + ` FROM ` + transactionTable + ` WHERE id = ?`
	err := l.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return fromModel(&m), nil
}

func (l *ledger) FinishTransaction(ctx context.Context, id string, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE `+transactionTable+` SET finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}

	if _, err := l.GetTransaction(ctx, id); err != nil {
		return err
	}
	return iap.ErrAlreadyFinished
}

func (l *ledger) GetTransactions(ctx context.Context) ([]*sandbox.Transaction, error) {
	var models []transactionModel
	query := `SELECT ` + allColumns + ` FROM ` + transactionTable + ` ORDER BY purchased_at, id`
	if err := l.db.SelectContext(ctx, &models, query); err != nil {
		return nil, err
	}

	res := make([]*sandbox.Transaction, 0, len(models))
	for i := range models {
		res = append(res, fromModel(&models[i]))
	}
	return res, nil
}

func toModel(tx *sandbox.Transaction) *transactionModel {
	return &transactionModel{
		ID:          tx.ID,
		OriginalID:  tx.OriginalID,
		ProductID:   tx.ProductID,
		Quantity:    tx.Quantity,
		State:       int(tx.State),
		PurchasedAt: tx.PurchasedAt.UnixMilli(),
		ExpiresAt:   toNullMillis(tx.ExpiresAt),
		FinishedAt:  toNullMillis(tx.FinishedAt),
	}
}

func fromModel(m *transactionModel) *sandbox.Transaction {
	return &sandbox.Transaction{
		ID:          m.ID,
		OriginalID:  m.OriginalID,
		ProductID:   m.ProductID,
		Quantity:    m.Quantity,
		State:       sandbox.State(m.State),
		PurchasedAt: time.UnixMilli(m.PurchasedAt).UTC(),
		ExpiresAt:   fromNullMillis(m.ExpiresAt),
		FinishedAt:  fromNullMillis(m.FinishedAt),
	}
}

func toNullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

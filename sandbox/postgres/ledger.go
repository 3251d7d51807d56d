package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"github.com/code-payments/iap-server/iap"
	"github.com/code-payments/iap-server/sandbox"
)

const transactionTable = `"sandbox_transactions"`

const schema = `
CREATE TABLE IF NOT EXISTS ` + transactionTable + ` (
	"id"          TEXT        PRIMARY KEY,
	"originalId"  TEXT        NOT NULL,
	"productId"   TEXT        NOT NULL,
	"quantity"    INTEGER     NOT NULL,
	"state"       SMALLINT    NOT NULL,
	"purchasedAt" TIMESTAMPTZ NOT NULL,
	"expiresAt"   TIMESTAMPTZ,
	"finishedAt"  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS "sandbox_transactions_purchasedAt" ON ` + transactionTable + ` ("purchasedAt", "id");
`

const allColumns = `"id", "originalId", "productId", "quantity", "state", "purchasedAt", "expiresAt", "finishedAt"`

type transactionModel struct {
	ID          string       `db:"id"`
	OriginalID  string       `db:"originalId"`
	ProductID   string       `db:"productId"`
	Quantity    int          `db:"quantity"`
	State       int          `db:"state"`
	PurchasedAt time.Time    `db:"purchasedAt"`
	ExpiresAt   sql.NullTime `db:"expiresAt"`
	FinishedAt  sql.NullTime `db:"finishedAt"`
}

type pgLedger struct {
	db *sqlx.DB
}

// Open connects to a postgres database and applies the ledger schema.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open postgres database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "failed to connect to postgres database")
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return pkgerrors.Wrap(err, "failed to apply postgres schema")
}

func NewInPostgres(db *sql.DB) sandbox.Ledger {
	return &pgLedger{
		db: sqlx.NewDb(db, "pgx"),
	}
}

func (l *pgLedger) reset() {
	_, err := l.db.Exec(`DELETE FROM ` + transactionTable)
	if err != nil {
		panic(err)
	}
}

func (l *pgLedger) CreateTransaction(ctx context.Context, tx *sandbox.Transaction) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO `+transactionTable+` (`+allColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		tx.ID,
		tx.OriginalID,
		tx.ProductID,
		tx.Quantity,
		int(tx.State),
		tx.PurchasedAt.UTC(),
		toNullTime(tx.ExpiresAt),
		toNullTime(tx.FinishedAt),
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return sandbox.ErrExists
	}
	return err
}

func (l *pgLedger) GetTransaction(ctx context.Context, id string) (*sandbox.Transaction, error) {
	var m transactionModel
	query := `SELECT ` + allColumns + ` FROM ` + transactionTable + ` WHERE "id" = $1`
	err := l.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return fromModel(&m), nil
}

func (l *pgLedger) FinishTransaction(ctx context.Context, id string, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE `+transactionTable+` SET "finishedAt" = $2 WHERE "id" = $1 AND "finishedAt" IS NULL`,
		id, at.UTC(),
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

func (l *pgLedger) GetTransactions(ctx context.Context) ([]*sandbox.Transaction, error) {
	var models []transactionModel
	query := `SELECT ` + allColumns + ` FROM ` + transactionTable + ` ORDER BY "purchasedAt", "id"`
	if err := l.db.SelectContext(ctx, &models, query); err != nil {
		return nil, err
	}

	res := make([]*sandbox.Transaction, 0, len(models))
	for i := range models {
		res = append(res, fromModel(&models[i]))
	}
	return res, nil
}

func fromModel(m *transactionModel) *sandbox.Transaction {
	tx := &sandbox.Transaction{
		ID:          m.ID,
		OriginalID:  m.OriginalID,
		ProductID:   m.ProductID,
		Quantity:    m.Quantity,
		State:       sandbox.State(m.State),
		PurchasedAt: m.PurchasedAt.UTC(),
	}
	if m.ExpiresAt.Valid {
		tx.ExpiresAt = m.ExpiresAt.Time.UTC()
	}
	if m.FinishedAt.Valid {
		tx.FinishedAt = m.FinishedAt.Time.UTC()
	}
	return tx
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

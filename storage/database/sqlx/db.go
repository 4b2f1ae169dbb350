package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
)

const (
	oltp = "encuestas_oltp."
	olap = "encuestas_olap."

	// rows per multi-row INSERT; postgres caps a statement at 65535 bind parameters
	insertChunkSize = 1000

	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// txBase implements core.Transactor over a sqlx transaction.
type txBase struct {
	tx *sqlx.Tx
}

func (t txBase) Commit() error {
	return errors.Wrap(t.tx.Commit(), "committing transaction")
}

// Rollback is a no-op once the transaction is committed.
func (t txBase) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "rolling back transaction")
	}
	return nil
}

// withTx runs fn in a transaction, committed when fn succeeds.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// trapNoRowsErr maps psql "no rows" err to the package's not found err
func trapNoRowsErr(err, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func pqErrCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// insertChunks runs a named multi-row INSERT over rows, insertChunkSize at a time.
func insertChunks[T any](ctx context.Context, exec sqlx.ExtContext, query string, rows []T) error {
	for start := 0; start < len(rows); start += insertChunkSize {
		end := min(start+insertChunkSize, len(rows))
		if _, err := sqlx.NamedExecContext(ctx, exec, query, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func mapJSON(m map[string]interface{}) (null.JSON, error) {
	if m == nil {
		return null.JSON{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return null.JSON{}, errors.Wrap(err, "marshalling json column")
	}
	return null.JSONFrom(b), nil
}

func jsonMap(j null.JSON) (map[string]interface{}, error) {
	if !j.Valid || len(j.JSON) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(j.JSON, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshalling json column")
	}
	return m, nil
}

func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

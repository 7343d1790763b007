package store

import (
	"context"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
	"github.com/datahaul/datahaul/internal/common/ingest/metrics"
)

// DB is satisfied by *pgxpool.Pool
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// TableSink writes batches of events into a single table.  Each batch is written in one transaction, so either
// every event of the batch is stored or none is.
type TableSink struct {
	db      DB
	table   *Table
	metrics *metrics.Metrics
}

func NewTableSink(db DB, table *Table, metrics *metrics.Metrics) *TableSink {
	return &TableSink{db: db, table: table, metrics: metrics}
}

func (s *TableSink) WriteBatch(ctx *haulcontext.Context, events []*ingest.Event) error {
	rows, err := s.table.Rows(events)
	if err != nil {
		return ingest.NonRetryable(err)
	}
	statements, err := s.table.InsertStatements(rows)
	if err != nil {
		return ingest.NonRetryable(err)
	}
	start := time.Now()
	err = pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		for _, statement := range statements {
			if _, err := tx.Exec(ctx, statement.SQL, statement.Args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordDBError(s.table.Name, s.table.Operation())
		return classifyError(errors.WithMessagef(err, "error writing %d rows to %s", len(rows), s.table.Name))
	}
	ctx.Log.Debugf("Wrote %d rows to %s in %s", len(rows), s.table.Name, time.Since(start))
	return nil
}

func (s *TableSink) Ping(ctx *haulcontext.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.metrics.RecordDBError(s.table.Name, metrics.DBOperationPing)
		return errors.WithStack(err)
	}
	return nil
}

// classifyError marks errors caused by the data itself as non-retryable.  These are sql states in class 22 (data
// exception) and class 23 (integrity constraint violation).
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) &&
		(pgerrcode.IsDataException(pgErr.Code) || pgerrcode.IsIntegrityConstraintViolation(pgErr.Code)) {
		return ingest.NonRetryable(err)
	}
	return err
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"unitflow/internal/core/uow"
)

// Client is the querying surface handed to application code inside a
// transaction scope. Satisfied by *pgxpool.Conn, pgx.Tx, and *pgxpool.Pool.
type Client interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLSTATE 25P02: the server already aborted the transaction and rejects
// further statements until ROLLBACK.
const sqlstateInFailedTransaction = "25P02"

// driver adapts a pgx connection pool to the unit-of-work driver contract.
// Each root transaction acquires a dedicated pooled connection in Initialize
// and releases it in Annihilate, so concurrent roots never share a
// connection.
type driver struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

// NewUnitOfWork creates a unit of work over a pgx pool.
//
// Default propagation is PropagationExisting: a nested Wrap joins the
// transaction already in scope unless asked otherwise.
func NewUnitOfWork(pool *Pool) *uow.UnitOfWork[Client] {
	return NewUnitOfWorkFromRawPool(pool.Pool)
}

// NewUnitOfWorkFromRawPool is NewUnitOfWork for a raw *pgxpool.Pool.
func NewUnitOfWorkFromRawPool(pool *pgxpool.Pool) *uow.UnitOfWork[Client] {
	factory := func() uow.Driver[Client] {
		return &driver{pool: pool}
	}
	return uow.New(factory, uow.Options{Propagation: uow.PropagationExisting})
}

func (d *driver) Initialize(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	d.conn = conn
	return nil
}

func (d *driver) ExecuteBegin(ctx context.Context, opts uow.Options) error {
	if _, err := d.conn.Exec(ctx, beginSQL(opts)); err != nil {
		return translateErr(d.conn, err)
	}
	if opts.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds())
		if _, err := d.conn.Exec(ctx, stmt); err != nil {
			return translateErr(d.conn, err)
		}
	}
	return nil
}

func (d *driver) ExecuteCommit(ctx context.Context) error {
	_, err := d.conn.Exec(ctx, "COMMIT")
	return translateErr(d.conn, err)
}

func (d *driver) ExecuteRollback(ctx context.Context) error {
	// Rollback must survive a cancelled caller context so the connection
	// goes back to the pool clean.
	_, err := d.conn.Exec(context.WithoutCancel(ctx), "ROLLBACK")
	return translateErr(d.conn, err)
}

func (d *driver) ExecuteSavepoint(ctx context.Context, level int) error {
	_, err := d.conn.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", savepointName(level)))
	return translateErr(d.conn, err)
}

func (d *driver) ExecuteRollbackToSavepoint(ctx context.Context, level int) error {
	_, err := d.conn.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", savepointName(level)))
	return translateErr(d.conn, err)
}

func (d *driver) Client() Client {
	return d.conn
}

func (d *driver) Annihilate(ctx context.Context) error {
	if d.conn != nil {
		d.conn.Release()
		d.conn = nil
	}
	return nil
}

// beginSQL builds the BEGIN statement for the resolved options.
func beginSQL(opts uow.Options) string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if opts.Isolation != uow.IsolationDefault {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(strings.ToUpper(string(opts.Isolation)))
	}
	if opts.ReadOnly {
		b.WriteString(" READ ONLY")
	}
	return b.String()
}

// savepointName derives the deterministic savepoint identifier for a
// nesting level. Level-based names line up with the rollback side without
// extra bookkeeping.
func savepointName(level int) string {
	return fmt.Sprintf("uow_%d", level)
}

// translateErr converts backend errors that mean "this transaction is
// unusable" into *uow.AbortedError; everything else passes through.
func translateErr(conn *pgxpool.Conn, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateInFailedTransaction {
		return &uow.AbortedError{Reason: "transaction aborted by server", Err: err}
	}
	if conn != nil && conn.Conn().IsClosed() {
		return &uow.AbortedError{Reason: "connection closed", Err: err}
	}
	return err
}

// Package bench defines the external collaborator interfaces of §6: the
// BenchmarkModule and Procedure contracts a plugin implements, and the
// abstract Connection contract the worker drives. These are deliberately
// thin — schema creation, bulk loading, catalog introspection, and result
// serialization are out of scope (spec.md §1) and live, if at all, inside
// a concrete BenchmarkModule implementation such as internal/bench/micro.
package bench

import (
	"context"
	"database/sql"
	"math/rand"

	"oltpgo/internal/catalog"
	"oltpgo/internal/types"
)

// WorkloadConfiguration carries the run-wide settings a Worker needs that
// are not part of the Workload State Machine itself.
type WorkloadConfiguration struct {
	DBType               types.DatabaseType
	Isolation            types.IsolationLevel
	RecordAbortMessages  bool
	Terminals            int
}

// BenchmarkModule is the plugin contract a benchmark (TPC-C, YCSB, the
// bundled micro workload, ...) implements so the worker engine can drive
// it without knowing its SQL.
type BenchmarkModule interface {
	// GetConnection returns a ready-to-use database connection, scoped to
	// the caller: it must be closed on every exit path.
	GetConnection(ctx context.Context) (Connection, error)
	// GetProcedures returns a snapshot of the TransactionType -> Procedure
	// registry.
	GetProcedures() map[types.TransactionType]Procedure
	GetWorkloadConfiguration() WorkloadConfiguration
	GetCatalog() *catalog.Catalog
	Rng() *rand.Rand
}

// Procedure is one benchmark transaction implementation.
type Procedure interface {
	// ExecuteWork runs one attempt of txnType against conn. It returns
	// either a TransactionStatus and nil error (the common path), or a
	// non-nil error that is either a *UserAbortError (benchmark-intentional
	// rollback, not a failure) or a *DatabaseError (classified by
	// internal/dialect) or any other error (fatal: the worker returns it
	// wrapped with %w, so errors.As/errors.Is still reach the original).
	ExecuteWork(ctx context.Context, conn Connection, txnType types.TransactionType) (types.TransactionStatus, error)
}

// UserAbortError signals a deliberate, benchmark-intentional rollback
// (e.g. TPC-C's mandated 1% NewOrder abort rate). Not a failure.
type UserAbortError struct {
	Message string
}

func (e *UserAbortError) Error() string { return e.Message }

// DatabaseError carries the (errorCode, sqlState) pair the dialect
// classifier (internal/dialect) needs. HasSQLState reports whether the
// driver supplied a SQLSTATE at all; when false, the classifier's
// "null sqlState" rule applies regardless of ErrorCode.
type DatabaseError struct {
	Err         error
	ErrorCode   int
	SQLState    string
	HasSQLState bool
}

func (e *DatabaseError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "database error"
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Savepoint is an opaque handle returned by Connection.SetSavepoint.
type Savepoint interface{}

// Connection is the abstract relational connection contract the worker
// drives. internal/dbconn supplies the database/sql-backed
// implementation; benchmark modules may supply fakes for testing.
type Connection interface {
	SetAutoCommit(autoCommit bool) error
	GetAutoCommit() (bool, error)
	SetTransactionIsolation(level types.IsolationLevel) error
	SetSavepoint(name ...string) (Savepoint, error)
	ReleaseSavepoint(sp Savepoint) error
	Rollback(sp ...Savepoint) error
	Commit() error
	Close() error

	// ExecContext/QueryContext/QueryRowContext are the statement-execution
	// surface a Procedure's ExecuteWork drives; they run against whatever
	// transaction is currently open (SetAutoCommit(false)) or directly
	// against the connection otherwise.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

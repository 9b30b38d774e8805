// Package dialect implements C4, the DBMS error classifier: a pure
// function mapping (dbType, errorCode, sqlState) to a retry/abort
// decision. Table-driven and testable in isolation per spec.md §4.4, §9
// (replacing the original source's nested per-DBMS conditionals).
package dialect

import "oltpgo/internal/types"

// Action is the decision the worker's retry loop takes for one database
// error.
type Action int

const (
	// Retry re-attempts the same transaction.
	Retry Action = iota
	// RetryDifferent abandons the current transaction and moves on; used
	// for benchmark-induced cancellation and no-result-set conditions.
	RetryDifferent
	// Fatal propagates the error and ends the worker.
	Fatal
	// UnknownRetry is the permissive default: log and retry, keeping
	// benchmarks running through driver quirks (spec.md §7 item 5).
	UnknownRetry
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "RETRY"
	case RetryDifferent:
		return "RETRY_DIFFERENT"
	case Fatal:
		return "FATAL"
	case UnknownRetry:
		return "UNKNOWN_RETRY"
	default:
		return "UNKNOWN"
	}
}

type rule struct {
	dbType    types.DatabaseType // the dialect this row applies to; ignored when any is set
	any       bool               // row applies to every dbType
	errorCode int
	sqlState  string
	action    Action
}

// table is the normative classification from spec.md §4.4. Order matters:
// the first matching rule wins, and the any-dbType rows are checked only
// after no dialect-specific row matches (see Classify).
var table = []rule{
	{dbType: types.MySQL, errorCode: 1213, sqlState: "40001", action: Retry},
	{dbType: types.MariaDB, errorCode: 1213, sqlState: "40001", action: Retry},
	{dbType: types.MySQL, errorCode: 1205, sqlState: "41000", action: Retry},
	{dbType: types.MariaDB, errorCode: 1205, sqlState: "41000", action: Retry},
	{dbType: types.SQLServer, errorCode: 1205, sqlState: "40001", action: Retry},
	{dbType: types.Postgres, errorCode: 0, sqlState: "40001", action: Retry},
	{dbType: types.CockroachDB, errorCode: 0, sqlState: "40001", action: Retry},
	{dbType: types.Postgres, errorCode: 0, sqlState: "53200", action: Fatal},
	{dbType: types.Postgres, errorCode: 0, sqlState: "XX000", action: Fatal},
	{dbType: types.Oracle, errorCode: 8177, sqlState: "72000", action: Retry},
	{dbType: types.DB2, errorCode: -911, sqlState: "40001", action: Retry},
	{dbType: types.DB2, errorCode: 0, sqlState: "57014", action: RetryDifferent},
	{dbType: types.DB2, errorCode: -952, sqlState: "57014", action: RetryDifferent},
	{any: true, errorCode: 0, sqlState: "57014", action: RetryDifferent},
	{any: true, errorCode: 0, sqlState: "02000", action: RetryDifferent},
}

// Classify returns the action to take for a database error observed under
// dbType. No table row has an empty sqlState, so an empty string yields
// UnknownRetry, the same as the "any dbType, null sqlState ->
// UNKNOWN_RETRY" row; callers with no SQLSTATE at all should call
// ClassifyNoState instead.
func Classify(dbType types.DatabaseType, errorCode int, sqlState string) Action {
	for _, r := range table {
		if r.errorCode != errorCode || r.sqlState != sqlState {
			continue
		}
		if r.any || r.dbType == dbType {
			return r.action
		}
	}
	return UnknownRetry
}

// ClassifyNoState handles the "sqlState is null" row explicitly: any
// dbType with no SQLSTATE classifies as UNKNOWN_RETRY regardless of
// errorCode, per spec.md §4.4's first table row.
func ClassifyNoState(dbType types.DatabaseType, errorCode int) Action {
	return UnknownRetry
}

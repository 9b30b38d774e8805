package worker

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"oltpgo/internal/bench"
	"oltpgo/internal/catalog"
	"oltpgo/internal/histogram"
	"oltpgo/internal/types"
	"oltpgo/internal/workload"
)

// fakeConn is a no-op bench.Connection recording the calls doWork/attempt
// make against it, standing in for internal/dbconn in these unit tests.
type fakeConn struct {
	autoCommit        bool
	commits           int
	rollbacks         int
	savepointsSet     int
	savepointsRelease int
	closed            bool
}

func newFakeConn() *fakeConn { return &fakeConn{autoCommit: true} }

func (c *fakeConn) SetAutoCommit(autoCommit bool) error { c.autoCommit = autoCommit; return nil }
func (c *fakeConn) GetAutoCommit() (bool, error)        { return c.autoCommit, nil }
func (c *fakeConn) SetTransactionIsolation(types.IsolationLevel) error { return nil }
func (c *fakeConn) SetSavepoint(name ...string) (bench.Savepoint, error) {
	c.savepointsSet++
	return "sp", nil
}
func (c *fakeConn) ReleaseSavepoint(bench.Savepoint) error { c.savepointsRelease++; return nil }
func (c *fakeConn) Rollback(...bench.Savepoint) error      { c.rollbacks++; return nil }
func (c *fakeConn) Commit() error { c.commits++; return nil }
func (c *fakeConn) Close() error  { c.closed = true; return nil }
func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, nil
}
func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

// fakeProc runs fn as ExecuteWork; each test supplies the behavior it
// needs (succeed, deadlock-then-succeed, always-retry, user-abort).
type fakeProc struct {
	tt types.TransactionType
	fn func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error)
}

func (p *fakeProc) ExecuteWork(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
	return p.fn(ctx, conn, txnType)
}

type fakeModule struct {
	conn   bench.Connection
	connEr error
	procs  map[types.TransactionType]bench.Procedure
	wrkld  bench.WorkloadConfiguration
	cat    *catalog.Catalog
	rng    *rand.Rand
}

func (m *fakeModule) GetConnection(ctx context.Context) (bench.Connection, error) {
	return m.conn, m.connEr
}
func (m *fakeModule) GetProcedures() map[types.TransactionType]bench.Procedure { return m.procs }
func (m *fakeModule) GetWorkloadConfiguration() bench.WorkloadConfiguration    { return m.wrkld }
func (m *fakeModule) GetCatalog() *catalog.Catalog                            { return m.cat }
func (m *fakeModule) Rng() *rand.Rand                                         { return m.rng }

func newTestWorker(t *testing.T, dbType types.DatabaseType, proc *fakeProc, conn bench.Connection) (*Worker, *fakeModule) {
	t.Helper()
	procs := map[types.TransactionType]bench.Procedure{proc.tt: proc}
	m := &fakeModule{
		conn:  conn,
		procs: procs,
		wrkld: bench.WorkloadConfiguration{DBType: dbType},
		rng:   rand.New(rand.NewSource(1)),
	}
	sm := workload.New(1, 0)
	w := New(0, m, sm, zerolog.Nop())
	return w, m
}

func TestDoWorkHappyPath(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		return types.Success, nil
	}}
	w, _ := newTestWorker(t, types.Postgres, proc, conn)

	got, err := w.doWork(context.Background(), true, types.SubmittedProcedure{TypeID: 1, StartTimeNs: 0})
	require.NoError(t, err)
	require.Equal(t, tt, got)
	require.Equal(t, 1, w.txnSuccess.Get(1))
	require.Equal(t, 1, conn.commits)
	require.True(t, conn.autoCommit)
}

func TestDoWorkDeadlockThenSucceed(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	attempts := 0
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		attempts++
		if attempts == 1 {
			return types.Error, &bench.DatabaseError{ErrorCode: 0, SQLState: "40001", HasSQLState: true}
		}
		return types.Success, nil
	}}
	w, _ := newTestWorker(t, types.Postgres, proc, conn)

	got, err := w.doWork(context.Background(), true, types.SubmittedProcedure{TypeID: 1, StartTimeNs: 0})
	require.NoError(t, err)
	require.Equal(t, tt, got)
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, w.txnSuccess.Get(1))
	require.Equal(t, 0, w.txnRetry.Get(1), "plain RETRY must not bump the RETRY_DIFFERENT histogram")
}

func TestDoWorkRetryExhaustion(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	attempts := 0
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		attempts++
		return types.Error, &bench.DatabaseError{ErrorCode: 0, SQLState: "40001", HasSQLState: true}
	}}
	w, _ := newTestWorker(t, types.Postgres, proc, conn)

	got, err := w.doWork(context.Background(), true, types.SubmittedProcedure{TypeID: 1, StartTimeNs: 0})
	require.NoError(t, err)
	require.Equal(t, tt, got)
	require.Equal(t, MaxRetryCount, attempts)
	require.Equal(t, 0, w.txnSuccess.Get(1))
	require.Equal(t, 0, w.txnAbort.Get(1))
}

func TestDoWorkUserAbortRecordsTruncatedMessage(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	longMsg := "this abort message is much longer than twenty characters"
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		return types.UserAborted, &bench.UserAbortError{Message: longMsg}
	}}
	w, _ := newTestWorker(t, types.Postgres, proc, conn)
	w.wrkld.RecordAbortMessages = true

	got, err := w.doWork(context.Background(), true, types.SubmittedProcedure{TypeID: 1, StartTimeNs: 0})
	require.NoError(t, err)
	require.Equal(t, tt, got)
	require.Equal(t, 1, w.txnAbort.Get(1))
	require.Equal(t, 1, conn.rollbacks)

	h, ok := w.txnAbortMessages[1]
	require.True(t, ok)
	require.Equal(t, 1, h.Total())
	want := histogram.AbbreviateMessage(longMsg, AbortMessageMaxLen)
	for _, k := range h.KeySet() {
		require.Equal(t, want, k)
		require.LessOrEqual(t, len([]rune(k)), AbortMessageMaxLen+1)
	}
}

func TestDoWorkFatalDatabaseError(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		return types.Error, &bench.DatabaseError{ErrorCode: 0, SQLState: "XX000", HasSQLState: true}
	}}
	w, _ := newTestWorker(t, types.Postgres, proc, conn)

	_, err := w.doWork(context.Background(), true, types.SubmittedProcedure{TypeID: 1, StartTimeNs: 0})
	require.Error(t, err)
	require.Equal(t, 1, w.txnErrors.Get(1))

	var dbErr *bench.DatabaseError
	require.True(t, errors.As(err, &dbErr))
	require.Equal(t, "XX000", dbErr.SQLState)
}

func TestDoWorkRetryDifferentAbandonsImmediately(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	attempts := 0
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		attempts++
		return types.Error, &bench.DatabaseError{ErrorCode: 0, SQLState: "02000", HasSQLState: true}
	}}
	w, _ := newTestWorker(t, types.SQLServer, proc, conn)

	got, err := w.doWork(context.Background(), true, types.SubmittedProcedure{TypeID: 1, StartTimeNs: 0})
	require.NoError(t, err)
	require.True(t, got.IsInvalid())
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, w.txnRetry.Get(1))
}

func TestRunHappyPathRecordsLatencyAndFinishes(t *testing.T) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	conn := newFakeConn()
	proc := &fakeProc{tt: tt, fn: func(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
		return types.Success, nil
	}}

	procs := map[types.TransactionType]bench.Procedure{tt: proc}
	m := &fakeModule{
		conn:  conn,
		procs: procs,
		wrkld: bench.WorkloadConfiguration{DBType: types.Postgres},
		rng:   rand.New(rand.NewSource(1)),
	}
	sm := workload.New(1, 0)
	w := New(0, m, sm, zerolog.Nop())

	phase := types.Phase{ID: 1, Kind: types.Throughput, Rate: 0}
	spec := &workload.PhaseSpec{Phase: phase, Mix: []workload.MixEntry{{Type: tt, Weight: 1}}}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	sm.ArmAndStart()
	sm.SetPhase(spec)
	sm.SetGlobalState(types.Measure)

	// Let the worker pick up and complete a handful of throughput-phase
	// iterations before ending the run; reading w.latencies/w.txnSuccess is
	// only safe after Run has returned (they are single-writer, owned by
	// the worker goroutine while it runs).
	time.Sleep(20 * time.Millisecond)

	sm.SetGlobalState(types.Done)
	w.CancelStatement()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not observe DONE in time")
	}

	require.Greater(t, w.latencies.Size(), 0)
	// A transaction still in flight when DONE is set counts as a success but
	// records no sample (its post-state is no longer MEASURE), so at most
	// one success of this single worker has no matching sample.
	require.LessOrEqual(t, w.latencies.Size(), w.txnSuccess.Get(1))
	require.GreaterOrEqual(t, w.latencies.Size(), w.txnSuccess.Get(1)-1)
}

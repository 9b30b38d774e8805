package driver

import (
	"context"
	"database/sql"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"oltpgo/internal/bench"
	"oltpgo/internal/catalog"
	"oltpgo/internal/types"
	"oltpgo/internal/workload"
)

type fakeConn struct{}

func (c *fakeConn) SetAutoCommit(bool) error                           { return nil }
func (c *fakeConn) GetAutoCommit() (bool, error)                       { return true, nil }
func (c *fakeConn) SetTransactionIsolation(types.IsolationLevel) error { return nil }
func (c *fakeConn) SetSavepoint(name ...string) (bench.Savepoint, error) {
	return "sp", nil
}
func (c *fakeConn) ReleaseSavepoint(bench.Savepoint) error { return nil }
func (c *fakeConn) Rollback(...bench.Savepoint) error      { return nil }
func (c *fakeConn) Commit() error                          { return nil }
func (c *fakeConn) Close() error                           { return nil }
func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, nil
}
func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

type fakeProc struct {
	tt       types.TransactionType
	fatal    bool
	fatalErr error
}

func (p *fakeProc) ExecuteWork(ctx context.Context, conn bench.Connection, txnType types.TransactionType) (types.TransactionStatus, error) {
	if p.fatal {
		return types.Error, p.fatalErr
	}
	return types.Success, nil
}

type fakeModule struct {
	tt    types.TransactionType
	procs map[types.TransactionType]bench.Procedure
	wrkld bench.WorkloadConfiguration
	rng   *rand.Rand
}

func (m *fakeModule) GetConnection(ctx context.Context) (bench.Connection, error) {
	return &fakeConn{}, nil
}
func (m *fakeModule) GetProcedures() map[types.TransactionType]bench.Procedure { return m.procs }
func (m *fakeModule) GetWorkloadConfiguration() bench.WorkloadConfiguration    { return m.wrkld }
func (m *fakeModule) GetCatalog() *catalog.Catalog                            { return nil }
func (m *fakeModule) Rng() *rand.Rand                                         { return m.rng }

func newFakeModule(fatal bool) (*fakeModule, types.TransactionType) {
	tt := types.TransactionType{ID: 1, Name: "T1", Weight: 1}
	proc := &fakeProc{tt: tt, fatal: fatal, fatalErr: &bench.DatabaseError{ErrorCode: 0, SQLState: "XX000", HasSQLState: true}}
	return &fakeModule{
		tt:    tt,
		procs: map[types.TransactionType]bench.Procedure{tt: proc},
		wrkld: bench.WorkloadConfiguration{DBType: types.Postgres},
		rng:   rand.New(rand.NewSource(1)),
	}, tt
}

func TestDriverRunAggregatesAcrossWorkers(t *testing.T) {
	m, tt := newFakeModule(false)
	d := New(m, 3, zerolog.Nop())
	require.NotEmpty(t, d.RunID())

	mix := []workload.MixEntry{{Type: tt, Weight: 1}}
	schedule := []PhaseStep{
		{
			Spec:     workload.PhaseSpec{Phase: types.Phase{ID: 1, Kind: types.Throughput}, Mix: mix},
			State:    types.Measure,
			Duration: 20 * time.Millisecond,
		},
	}

	report, err := d.Run(context.Background(), schedule)
	require.NoError(t, err)
	require.Equal(t, d.RunID(), report.RunID)
	require.Greater(t, report.Success.Get(1), 0)
	// Each worker may finish one transaction after the phase is cleared at
	// the end of the schedule; it counts as a success but records no sample.
	require.LessOrEqual(t, len(report.Latencies), report.Success.Get(1))
	require.GreaterOrEqual(t, len(report.Latencies), report.Success.Get(1)-3)
	require.GreaterOrEqual(t, report.Count, int64(0))
}

func TestDriverRunPropagatesWorkerFatalError(t *testing.T) {
	m, tt := newFakeModule(true)
	d := New(m, 2, zerolog.Nop())

	mix := []workload.MixEntry{{Type: tt, Weight: 1}}
	schedule := []PhaseStep{
		{
			Spec:     workload.PhaseSpec{Phase: types.Phase{ID: 1, Kind: types.Throughput}, Mix: mix},
			State:    types.Measure,
			Duration: 50 * time.Millisecond,
		},
	}

	_, err := d.Run(context.Background(), schedule)
	require.Error(t, err)
}

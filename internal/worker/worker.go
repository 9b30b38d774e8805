// Package worker implements C6, the hard core of the benchmarking harness:
// a persistent per-thread loop that fetches work from the shared Workload
// State Machine, executes it with retry/savepoint/cancel semantics tuned
// per DBMS dialect, and records phase-accurate outcome and latency data.
//
// Grounded on the original Java Worker.run()/doWork() (see
// _examples/original_source/.../Worker.java) and on the teacher's own
// per-worker goroutine + channel-result idiom
// (nStangl-crdv/benchmarks/worker/worker.go), generalized to spec.md §4.6.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"oltpgo/internal/bench"
	"oltpgo/internal/catalog"
	"oltpgo/internal/dialect"
	"oltpgo/internal/histogram"
	"oltpgo/internal/latency"
	"oltpgo/internal/types"
	"oltpgo/internal/workload"
)

// MaxRetryCount bounds the per-transaction retry loop (spec.md §4.6.1).
const MaxRetryCount = 3

// AbortMessageMaxLen bounds the cardinality of the abort-message histogram
// (spec.md §4.2).
const AbortMessageMaxLen = 20

// Stats is the read-only view of a Worker's accumulated outcome data,
// exposed to the Driver once the worker's goroutine has terminated.
type Stats struct {
	Success       *histogram.Histogram[int]
	Abort         *histogram.Histogram[int]
	Retry         *histogram.Histogram[int]
	Errors        *histogram.Histogram[int]
	AbortMessages map[int]*histogram.Histogram[string]
	Latencies     []latency.Sample
}

// Worker is one persistent execution context driving transactions against
// a database connection on behalf of a BenchmarkModule.
type Worker struct {
	id      int
	module  bench.BenchmarkModule
	sm      *workload.StateMachine
	catalog *catalog.Catalog
	log     zerolog.Logger
	wrkld   bench.WorkloadConfiguration

	latencies        *latency.Recorder
	intervalRequests int64 // guarded by intervalMu
	intervalMu       sync.Mutex

	txnSuccess       *histogram.Histogram[int]
	txnAbort         *histogram.Histogram[int]
	txnRetry         *histogram.Histogram[int]
	txnErrors        *histogram.Histogram[int]
	txnAbortMessages map[int]*histogram.Histogram[string]

	seenDone bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New constructs a Worker. catalog and the procedures map are built once
// here and are immutable thereafter (spec.md §4.3).
func New(id int, module bench.BenchmarkModule, sm *workload.StateMachine, log zerolog.Logger) *Worker {
	wrkld := module.GetWorkloadConfiguration()
	procMap := module.GetProcedures()

	anyProcs := make(map[types.TransactionType]any, len(procMap))
	for tt, proc := range procMap {
		anyProcs[tt] = proc
	}

	return &Worker{
		id:               id,
		module:           module,
		sm:               sm,
		catalog:          catalog.New(anyProcs),
		log:              log.With().Int("worker", id).Logger(),
		wrkld:            wrkld,
		latencies:        latency.NewRecorder(sm.TestStartNs()),
		txnSuccess:       histogram.New[int](),
		txnAbort:         histogram.New[int](),
		txnRetry:         histogram.New[int](),
		txnErrors:        histogram.New[int](),
		txnAbortMessages: make(map[int]*histogram.Histogram[string]),
	}
}

// ID returns this worker's thread id.
func (w *Worker) ID() int { return w.id }

// GetAndResetIntervalRequests atomically reads-and-resets the interval
// throughput counter. Linearizable: the sum of values returned by repeated
// calls over a run equals the total number of measured samples contributed
// by this worker.
func (w *Worker) GetAndResetIntervalRequests() int64 {
	w.intervalMu.Lock()
	defer w.intervalMu.Unlock()
	n := w.intervalRequests
	w.intervalRequests = 0
	return n
}

func (w *Worker) incrementInterval() {
	w.intervalMu.Lock()
	w.intervalRequests++
	w.intervalMu.Unlock()
}

// LatencyRecorder exposes this Worker's latency.Recorder so a live reporter
// (the Driver) can drain new samples via Since while Run is still active.
func (w *Worker) LatencyRecorder() *latency.Recorder {
	return w.latencies
}

// Stats snapshots this Worker's histograms and latency samples. Intended
// to be called only after Run has returned.
func (w *Worker) Stats() Stats {
	return Stats{
		Success:       w.txnSuccess,
		Abort:         w.txnAbort,
		Retry:         w.txnRetry,
		Errors:        w.txnErrors,
		AbortMessages: w.txnAbortMessages,
		Latencies:     w.latencies.Iterate(),
	}
}

// setCurrStatement/CancelStatement are the thread-safe pair the Driver
// uses to cooperatively cancel whatever statement this worker currently
// has in flight when it advances the shared phase. Cancellation is
// realized via context.CancelFunc rather than java.sql.Statement.cancel();
// see SPEC_FULL.md §4.6.
func (w *Worker) setCurrStatement(cancel context.CancelFunc) {
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()
}

// CancelStatement cancels whatever attempt this worker currently has in
// flight, if any. Safe to call concurrently with the worker's own loop.
func (w *Worker) CancelStatement() {
	w.cancelMu.Lock()
	cancel := w.cancel
	w.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the worker's bounded state machine (spec.md §4.6) until the
// Workload State Machine reaches DONE. It returns a non-nil error only for
// a worker-fatal condition (categories 4, 6, 7 of spec.md §7); the Driver
// decides the run-wide shutdown policy in that case.
func (w *Worker) Run(ctx context.Context) error {
	w.sm.BlockForStart()

	for {
		state := w.sm.GlobalState()
		if state == types.Done {
			if !w.seenDone {
				w.seenDone = true
				w.sm.SignalDone()
			}
			return nil
		}

		w.sm.StayAwake()
		phase := w.sm.CurrentPhase()
		if phase == nil {
			continue
		}

		work, ok := w.sm.FetchWork()
		preState := w.sm.GlobalState()
		phase = w.sm.CurrentPhase()
		if phase == nil {
			continue
		}

		switch preState {
		case types.Done, types.Exit, types.LatencyComplete:
			continue
		}

		txType := types.InvalidTransactionType
		if !ok {
			if err := w.handleSerialExhaustion(preState, *phase); err != nil {
				return err
			}
		} else {
			var err error
			txType, err = w.doWork(ctx, preState == types.Measure, *work)
			if err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
		}

		endNs := time.Now().UnixNano()
		postState := w.sm.GlobalState()

		switch postState {
		case types.Measure:
			curPhase := w.sm.CurrentPhase()
			if preState == types.Measure && !txType.IsInvalid() && work != nil &&
				curPhase != nil && curPhase.ID == phase.ID {
				w.latencies.Append(txType.ID, work.StartTimeNs, endNs, w.id, phase.ID)
				w.incrementInterval()
				if phase.IsLatencyRun() {
					w.sm.StartColdQuery()
				}
			}
		case types.ColdQuery:
			if preState == types.ColdQuery {
				w.sm.StartHotQuery()
			}
		}

		w.sm.FinishedWork()
	}
}

// handleSerialExhaustion implements spec.md §4.6's end-of-serial-phase
// handling: WARMUP wraps (resets the cursor), COLD_QUERY/MEASURE on the
// still-current phase signal latency completion and drop the result, and
// any other state is a fatal programming error.
func (w *Worker) handleSerialExhaustion(preState types.GlobalState, phase types.Phase) error {
	if phase.IsThroughputRun() {
		return fmt.Errorf("worker %d: serial-exhaustion signal on a throughput phase (id=%d)", w.id, phase.ID)
	}

	current := w.sm.CurrentPhase()
	samePhase := current != nil && current.ID == phase.ID

	switch preState {
	case types.Warmup:
		if samePhase {
			w.sm.ResetSerial(phase.ID)
		}
		return nil
	case types.ColdQuery, types.Measure:
		if samePhase {
			w.sm.SignalLatencyComplete()
			w.log.Info().Msg("serial execution of all transactions complete")
		}
		return nil
	default:
		return fmt.Errorf("worker %d: serial phase exhausted in unexpected state %s", w.id, preState)
	}
}

// doWork is the transaction-execution contract of spec.md §4.6.1. It
// returns the resolved TransactionType it executed, or the sentinel
// InvalidTransactionType if the attempt was abandoned via
// RETRY_DIFFERENT. A non-nil error is always worker-fatal.
func (w *Worker) doWork(ctx context.Context, measure bool, work types.SubmittedProcedure) (types.TransactionType, error) {
	dbType := w.wrkld.DBType
	txType, err := w.catalog.TypeByID(work.TypeID)
	if err != nil {
		return types.InvalidTransactionType, fmt.Errorf("unknown transaction type id %d (bug in workload mix): %w", work.TypeID, err)
	}
	procAny, err := w.catalog.ByID(work.TypeID)
	if err != nil {
		return types.InvalidTransactionType, fmt.Errorf("unknown transaction type id %d (bug in workload mix): %w", work.TypeID, err)
	}
	proc, ok := procAny.(bench.Procedure)
	if !ok {
		return types.InvalidTransactionType, fmt.Errorf("catalog entry for type id %d is not a bench.Procedure", work.TypeID)
	}

	conn, err := w.module.GetConnection(ctx)
	if err != nil {
		return types.InvalidTransactionType, fmt.Errorf("failed to acquire connection for worker %d, dbType=%s, txn=%s: %w", w.id, dbType, txType.Name, err)
	}
	defer conn.Close()

	if autoCommit, acErr := conn.GetAutoCommit(); acErr == nil && !autoCommit {
		w.log.Warn().Msg("autocommit is already false at beginning of work; this is a problem")
	}
	if err := conn.SetAutoCommit(false); err != nil {
		return types.InvalidTransactionType, fmt.Errorf("failed to disable autocommit: %w", err)
	}

	if dbType.ShouldUseTransactions() {
		if err := conn.SetTransactionIsolation(w.wrkld.Isolation); err != nil {
			return types.InvalidTransactionType, fmt.Errorf("failed to set isolation level: %w", err)
		}
	}

	status := types.Retry
	retryCount := 0

	for retryCount < MaxRetryCount && status == types.Retry && w.sm.GlobalState() != types.Done {
		attemptStatus, attemptErr := w.attempt(ctx, conn, proc, txType, dbType)
		if attemptErr != nil {
			return types.InvalidTransactionType, attemptErr
		}
		status = attemptStatus

		switch status {
		case types.Success:
			w.txnSuccess.Add(txType.ID)
		case types.UserAborted:
			w.txnAbort.Add(txType.ID)
		case types.RetryDifferent:
			w.txnRetry.Add(txType.ID)
			return types.InvalidTransactionType, nil
		case types.Retry:
			retryCount++
			if retryCount >= MaxRetryCount {
				w.log.Warn().Str("txn", txType.Name).Msg("retry count exceeded for transaction")
			} else {
				w.log.Warn().Str("txn", txType.Name).Int("attempt", retryCount).Msg("retrying transaction")
			}
		}
	}

	if autoCommit, acErr := conn.GetAutoCommit(); acErr == nil && autoCommit {
		w.log.Warn().Msg("autocommit is already true at end of work; this is a problem")
	}
	if err := conn.SetAutoCommit(true); err != nil {
		return types.InvalidTransactionType, fmt.Errorf("failed to re-enable autocommit: %w", err)
	}

	return txType, nil
}

// attempt runs exactly one iteration of the retry loop: savepoint
// discipline per dialect, ExecuteWork, and the commit/rollback decision.
// A non-nil error return is always worker-fatal (category 4 or 6 of
// spec.md §7); retryable outcomes are signaled via the returned status.
func (w *Worker) attempt(ctx context.Context, conn bench.Connection, proc bench.Procedure, txType types.TransactionType, dbType types.DatabaseType) (types.TransactionStatus, error) {
	var savepoint bench.Savepoint
	var err error

	switch dbType {
	case types.Postgres:
		savepoint, err = conn.SetSavepoint()
	case types.CockroachDB:
		savepoint, err = conn.SetSavepoint("cockroach_restart")
	}
	if err != nil {
		return types.Error, fmt.Errorf("failed to set savepoint: %w", err)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	w.setCurrStatement(cancel)
	defer func() {
		cancel()
		w.setCurrStatement(nil)
	}()

	w.log.Debug().Str("txn", txType.Name).Msg("attempting transaction")
	status, execErr := proc.ExecuteWork(attemptCtx, conn, txType)

	var abortErr *bench.UserAbortError
	var dbErr *bench.DatabaseError

	switch {
	case execErr == nil:
		if savepoint != nil {
			w.log.Debug().Str("txn", txType.Name).Msg("releasing savepoint")
			if err := conn.ReleaseSavepoint(savepoint); err != nil {
				return types.Error, fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
		w.log.Debug().Str("txn", txType.Name).Msg("committing")
		if err := conn.Commit(); err != nil {
			return types.Error, fmt.Errorf("failed to commit: %w", err)
		}
		w.log.Debug().Str("txn", txType.Name).Str("status", status.String()).Msg("transaction completed")
		return status, nil

	case errors.As(execErr, &abortErr):
		if w.wrkld.RecordAbortMessages {
			h, ok := w.txnAbortMessages[txType.ID]
			if !ok {
				h = histogram.New[string]()
				w.txnAbortMessages[txType.ID] = h
			}
			h.Add(histogram.AbbreviateMessage(abortErr.Message, AbortMessageMaxLen))
		}
		if rollbackErr := w.rollback(conn, savepoint); rollbackErr != nil {
			return types.Error, fmt.Errorf("failed to rollback user-aborted transaction: %w", rollbackErr)
		}
		return types.UserAborted, nil

	case errors.As(execErr, &dbErr):
		w.log.Warn().
			Str("txn", txType.Name).
			Int("errorCode", dbErr.ErrorCode).
			Str("sqlState", dbErr.SQLState).
			Err(dbErr).
			Msg("database error thrown executing transaction")
		w.txnErrors.Add(txType.ID)

		if dbType.ShouldUseTransactions() {
			if rollbackErr := w.rollback(conn, savepoint); rollbackErr != nil {
				return types.Error, fmt.Errorf("failed to rollback after database error: %w", rollbackErr)
			}
		}

		action := w.classify(dbType, dbErr)
		switch action {
		case dialect.Retry:
			return types.Retry, nil
		case dialect.UnknownRetry:
			w.log.Warn().Str("txn", txType.Name).Msg("DBMS rejected the transaction with an unrecognized error; retrying")
			return types.Retry, nil
		case dialect.RetryDifferent:
			return types.RetryDifferent, nil
		default: // dialect.Fatal
			return types.Error, fmt.Errorf("fatal database error executing %s: %w", txType.Name, execErr)
		}

	default:
		return types.Error, fmt.Errorf("fatal error invoking %s: %w", txType.Name, execErr)
	}
}

func (w *Worker) classify(dbType types.DatabaseType, dbErr *bench.DatabaseError) dialect.Action {
	if !dbErr.HasSQLState {
		return dialect.ClassifyNoState(dbType, dbErr.ErrorCode)
	}
	return dialect.Classify(dbType, dbErr.ErrorCode, dbErr.SQLState)
}

func (w *Worker) rollback(conn bench.Connection, savepoint bench.Savepoint) error {
	if savepoint != nil {
		return conn.Rollback(savepoint)
	}
	return conn.Rollback()
}

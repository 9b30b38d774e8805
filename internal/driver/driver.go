// Package driver implements C7, the Worker Pool Driver: constructs N
// workers, arms the shared Workload State Machine, drives the phase
// schedule, and aggregates results on completion.
//
// Grounded on the teacher's own orchestration loop
// (nStangl-crdv/benchmarks/main.go: createWorkers/aggregateResults, the
// per-worker goroutine + channel-result idiom) generalized from a
// one-shot fixed-duration run into the phase-scheduled run spec.md §4.7
// and SPEC_FULL.md §4.7 describe, plus live percentile reporting fed
// from addy-47-SteadyQ's hdrhistogram-go usage.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"oltpgo/internal/bench"
	"oltpgo/internal/histogram"
	"oltpgo/internal/latency"
	"oltpgo/internal/types"
	"oltpgo/internal/worker"
	"oltpgo/internal/workload"
)

// minLatencyNs/maxLatencyNs/sigFigs bound the live HdrHistogram, matching
// addy-47-SteadyQ's construction of a wide-dynamic-range recorder for
// request latencies.
const (
	minLatencyNs = 1
	maxLatencyNs = int64(10 * time.Minute)
	sigFigs      = 3
)

// PhaseStep is one entry in a Driver-driven phase schedule: the phase
// itself, its spec (mix or serial list), the global state to hold during
// it, and how long to hold it before advancing. A zero Duration does not
// hold the step at all: the Driver moves on to the next step at once.
type PhaseStep struct {
	Spec     workload.PhaseSpec
	State    types.GlobalState
	Duration time.Duration
}

// RunReport is the Driver's end-of-run aggregate, across every worker.
type RunReport struct {
	RunID         string
	Success       *histogram.Histogram[int]
	Abort         *histogram.Histogram[int]
	Retry         *histogram.Histogram[int]
	Errors        *histogram.Histogram[int]
	AbortMessages map[int]*histogram.Histogram[string]
	Latencies     []latency.Sample

	P50Ns int64
	P95Ns int64
	P99Ns int64
	MeanNs float64
	Count  int64
}

// Driver owns the Workload State Machine and the worker pool for one run.
type Driver struct {
	module  bench.BenchmarkModule
	log     zerolog.Logger
	runID   string
	workers []*worker.Worker
	sm      *workload.StateMachine

	// hist and offsets are owned by sampleThroughput while a run is in
	// flight, and by the Run goroutine itself (sequentially, after
	// sampleThroughput has been joined) once aggregate is called — never
	// touched concurrently by both.
	hist    *hdrhistogram.Histogram
	offsets map[int]int
}

// New constructs a Driver for numWorkers workers against module. The run
// is tagged with a fresh google/uuid identifier attached to every log
// line the Driver and its workers emit (SPEC_FULL.md §4.7).
func New(module bench.BenchmarkModule, numWorkers int, log zerolog.Logger) *Driver {
	runID := uuid.NewString()
	runLog := log.With().Str("run", runID).Logger()

	testStartNs := time.Now().UnixNano()
	sm := workload.New(numWorkers, testStartNs)

	workers := make([]*worker.Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		workers[i] = worker.New(i, module, sm, runLog)
	}

	return &Driver{
		module:  module,
		log:     runLog,
		runID:   runID,
		workers: workers,
		sm:      sm,
		hist:    hdrhistogram.New(minLatencyNs, maxLatencyNs, sigFigs),
		offsets: make(map[int]int, numWorkers),
	}
}

// RunID returns this run's uuid tag.
func (d *Driver) RunID() string { return d.runID }

// Run starts every worker, arms the start barrier, drives schedule
// sequentially, and blocks until every worker has observed DONE. The
// first worker-fatal error cancels every other worker's statement and
// context and is returned; a clean run returns a RunReport and a nil
// error (spec.md §7: "Driver's policy for other workers is external" —
// this Driver's policy is cancel-all-on-first-fatal).
func (d *Driver) Run(ctx context.Context, schedule []PhaseStep) (*RunReport, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, len(d.workers))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(runCtx); err != nil {
				errCh <- err
				// A worker that exits on a fatal error never observes DONE:
				// count it as done and end the run for every other worker.
				d.sm.SignalDone()
				cancelRun()
			}
		}(w)
	}

	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		d.sampleThroughput(runCtx)
	}()

	d.sm.ArmAndStart()
	d.log.Info().Int("workers", len(d.workers)).Msg("run started")

	if err := d.driveSchedule(runCtx, schedule); err != nil {
		cancelRun()
		d.sm.SetGlobalState(types.Done)
		d.cancelAllStatements()
		wg.Wait()
		<-sampleDone
		select {
		case werr := <-errCh:
			return nil, fmt.Errorf("run %s: worker-fatal error: %w", d.runID, werr)
		default:
		}
		return nil, err
	}

	d.sm.SetGlobalState(types.Done)
	for _, w := range d.workers {
		w.CancelStatement()
	}
	d.sm.WaitForAllDone()

	wg.Wait()
	close(errCh)

	// Stop sampleThroughput and join it before touching d.hist/d.offsets
	// from this goroutine in aggregate — they're single-owner-at-a-time,
	// not independently synchronized.
	cancelRun()
	<-sampleDone

	var fatal error
	for err := range errCh {
		if fatal == nil {
			fatal = err
		}
	}
	if fatal != nil {
		return nil, fmt.Errorf("run %s: worker-fatal error: %w", d.runID, fatal)
	}

	d.log.Info().Int("workers", len(d.workers)).Msg("run ended")
	return d.aggregate(), nil
}

// driveSchedule walks the phase steps in order. A step with a non-zero
// Duration holds its phase/state for that long before advancing; a
// zero-Duration step is installed and immediately replaced by the next
// one. driveSchedule does not wait for LATENCY_COMPLETE or for any other
// signal from the workers.
func (d *Driver) driveSchedule(ctx context.Context, schedule []PhaseStep) error {
	for _, step := range schedule {
		d.sm.SetPhase(&step.Spec)
		d.sm.SetGlobalState(step.State)

		if step.Duration <= 0 {
			continue
		}

		select {
		case <-time.After(step.Duration):
		case <-ctx.Done():
			return ctx.Err()
		}

		for _, w := range d.workers {
			w.CancelStatement()
		}
	}
	d.sm.SetPhase(nil)
	return nil
}

func (d *Driver) cancelAllStatements() {
	for _, w := range d.workers {
		w.CancelStatement()
	}
}

// sampleThroughput drains each worker's interval-request counter on a
// fixed cadence, logs the resulting throughput, and drains every worker's
// newly-appended latency samples into the live hdrhistogram so
// LiveSnapshot reflects real percentiles while the run is still in
// progress, not just after aggregate runs at the end.
func (d *Driver) sampleThroughput(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.drainLatencies()
			return
		case <-ticker.C:
			var total int64
			for _, w := range d.workers {
				total += w.GetAndResetIntervalRequests()
			}
			d.log.Debug().Int64("opsPerSec", total).Msg("interval throughput")
			d.drainLatencies()
		}
	}
}

// drainLatencies pulls every worker's latency samples recorded since the
// last drain and records each one's duration into d.hist. Only called from
// sampleThroughput's own goroutine while a run is active, and once more
// from Run (sequentially, after sampleThroughput has been joined) to catch
// the tail end of the run before aggregate reads final percentiles.
func (d *Driver) drainLatencies() {
	for _, w := range d.workers {
		samples := w.LatencyRecorder().Since(d.offsets[w.ID()])
		for _, s := range samples {
			d.hist.RecordValue(s.EndNs - s.StartNs)
		}
		d.offsets[w.ID()] += len(samples)
	}
}

// LiveSnapshot returns the current mean/percentile view of every sample
// drained into the histogram so far by sampleThroughput. Safe to call
// concurrently with a run in progress; not safe to call concurrently with
// itself or with aggregate.
func (d *Driver) LiveSnapshot() (p50, p95, p99 int64, mean float64) {
	return d.hist.ValueAtQuantile(50), d.hist.ValueAtQuantile(95), d.hist.ValueAtQuantile(99), d.hist.Mean()
}

// aggregate folds every worker's Stats into one RunReport. Latency
// percentiles come from d.hist, which sampleThroughput (and this method's
// own final drainLatencies call, for the tail end of the run) have already
// populated — aggregate itself only reads d.hist, it never re-records into
// it, so samples are never double-counted.
func (d *Driver) aggregate() *RunReport {
	d.drainLatencies()

	report := &RunReport{
		RunID:         d.runID,
		Success:       histogram.New[int](),
		Abort:         histogram.New[int](),
		Retry:         histogram.New[int](),
		Errors:        histogram.New[int](),
		AbortMessages: make(map[int]*histogram.Histogram[string]),
	}

	for _, w := range d.workers {
		st := w.Stats()
		report.Success.Merge(st.Success)
		report.Abort.Merge(st.Abort)
		report.Retry.Merge(st.Retry)
		report.Errors.Merge(st.Errors)

		for typeID, h := range st.AbortMessages {
			dst, ok := report.AbortMessages[typeID]
			if !ok {
				dst = histogram.New[string]()
				report.AbortMessages[typeID] = dst
			}
			dst.Merge(h)
		}

		report.Latencies = append(report.Latencies, st.Latencies...)
	}

	report.P50Ns = d.hist.ValueAtQuantile(50)
	report.P95Ns = d.hist.ValueAtQuantile(95)
	report.P99Ns = d.hist.ValueAtQuantile(99)
	report.MeanNs = d.hist.Mean()
	report.Count = d.hist.TotalCount()

	return report
}

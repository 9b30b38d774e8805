// Package latency implements C1, the append-only per-worker buffer of
// latency samples. Grounded on the teacher's worker.Metric.Rts slice
// (nStangl-crdv/benchmarks/worker/worker.go), generalized into the typed
// Sample record spec.md §3/§4.1 require, with chronological iteration.
package latency

import "sync"

// Sample is one recorded latency observation. Samples are appended only
// when both the pre- and post-execution global state equal MEASURE and the
// phase id was unchanged across execution (enforced by the caller, the
// Worker, not by the Recorder).
type Sample struct {
	TypeID   int
	StartNs  int64
	EndNs    int64
	WorkerID int
	PhaseID  int
}

// Recorder is a growable, single-writer, chronologically ordered buffer of
// samples, safe for one writer goroutine to Append while any number of
// other goroutines concurrently read via Size/Iterate/Since (a live
// percentile reporter draining new samples while the owning worker keeps
// running). All timestamps are raw monotonic nanoseconds relative to the
// caller's shared test-start base; the Recorder performs no normalization.
type Recorder struct {
	mu          sync.RWMutex
	testStartNs int64
	samples     []Sample
}

// NewRecorder constructs an empty Recorder. testStartNs is carried for
// callers that want to report latencies relative to a shared run start; the
// Recorder itself never subtracts it.
func NewRecorder(testStartNs int64) *Recorder {
	return &Recorder{testStartNs: testStartNs}
}

// TestStartNs returns the shared run-start base this Recorder was created
// with.
func (r *Recorder) TestStartNs() int64 {
	return r.testStartNs
}

// Append records one sample. O(1) amortized; must only be called by the
// owning goroutine.
func (r *Recorder) Append(typeID int, startNs, endNs int64, workerID, phaseID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{
		TypeID:   typeID,
		StartNs:  startNs,
		EndNs:    endNs,
		WorkerID: workerID,
		PhaseID:  phaseID,
	})
}

// Size returns the current sample count.
func (r *Recorder) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

// Iterate returns a finite, restartable, idempotent snapshot of the
// samples recorded so far, in append order.
func (r *Recorder) Iterate() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Since returns a copy of the samples appended after offset, where offset
// is a count previously returned by Size or the length of a prior Since
// result. Used by a live reader to drain only what's new since its last
// poll, without re-scanning or double-counting samples it already saw.
func (r *Recorder) Since(offset int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if offset >= len(r.samples) {
		return nil
	}
	out := make([]Sample, len(r.samples)-offset)
	copy(out, r.samples[offset:])
	return out
}

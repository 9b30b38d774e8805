// Package workload implements C5, the Workload State Machine: the global
// phase controller and work dispatcher shared by all workers and the
// Driver. Grounded in the original Java WorkloadState (see
// _examples/original_source and spec.md §4.5), reworked from
// wait/notify-on-a-monitor into Go channels/sync.Cond.
package workload

import (
	"math/rand"
	"sync"
	"time"

	"oltpgo/internal/types"
)

// MixEntry is one weighted transaction type in a throughput phase's mix.
type MixEntry struct {
	Type   types.TransactionType
	Weight int
}

// PhaseSpec is the Driver-supplied description of one phase: its identity,
// kind, target rate (throughput phases) and either a weighted mix
// (throughput) or a fixed ordered query list (latency/serial runs).
type PhaseSpec struct {
	Phase  types.Phase
	Mix    []MixEntry // throughput phases
	Serial []int      // latency phases: ordered list of TransactionType ids
}

// StateMachine is the shared, internally-synchronized phase controller and
// work dispatcher. All documented operations are safe for concurrent use
// by any number of workers plus the Driver.
type StateMachine struct {
	mu   sync.Mutex
	cond *sync.Cond

	state types.GlobalState
	phase *types.Phase // nil in between phases
	spec  *PhaseSpec

	testStartNs int64
	rng         *rand.Rand

	serialCursor map[int]int // phaseID -> next index into spec.Serial

	startOnce sync.Once
	startCh   chan struct{}

	numWorkers   int
	doneSignaled int

	finished int64 // total FinishedWork() calls, monotonically increasing
}

// New constructs a StateMachine for a run with numWorkers workers, whose
// shared test-start base (nanoseconds) is testStartNs.
func New(numWorkers int, testStartNs int64) *StateMachine {
	sm := &StateMachine{
		state:        types.Warmup,
		testStartNs:  testStartNs,
		rng:          rand.New(rand.NewSource(testStartNs)),
		serialCursor: make(map[int]int),
		startCh:      make(chan struct{}),
		numWorkers:   numWorkers,
	}
	sm.cond = sync.NewCond(&sm.mu)
	return sm
}

// TestStartNs returns the shared run-start base.
func (sm *StateMachine) TestStartNs() int64 { return sm.testStartNs }

// --- Driver-side operations -------------------------------------------------

// ArmAndStart releases every worker blocked in BlockForStart. Ordering: no
// worker proceeds past BlockForStart before this is called.
func (sm *StateMachine) ArmAndStart() {
	sm.startOnce.Do(func() { close(sm.startCh) })
}

// SetPhase installs a new active phase and wakes every worker waiting in
// StayAwake. Passing a nil spec clears the active phase (between-phases).
func (sm *StateMachine) SetPhase(spec *PhaseSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.spec = spec
	if spec == nil {
		sm.phase = nil
	} else {
		p := spec.Phase
		sm.phase = &p
	}
	sm.cond.Broadcast()
}

// SetGlobalState transitions the shared global state and wakes every
// worker waiting in StayAwake. Transitions are expected to be monotonic
// through a phase and strictly DONE-terminal across the run; the Driver is
// responsible for only calling this with valid transitions.
func (sm *StateMachine) SetGlobalState(s types.GlobalState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = s
	sm.cond.Broadcast()
}

// WaitForAllDone blocks until every worker has observed DONE and called
// SignalDone exactly once.
func (sm *StateMachine) WaitForAllDone() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for sm.doneSignaled < sm.numWorkers {
		sm.cond.Wait()
	}
}

// FinishedCount returns the total number of FinishedWork() calls observed
// so far, for the Driver's interval-throughput accounting.
func (sm *StateMachine) FinishedCount() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.finished
}

// --- Worker-side operations --------------------------------------------------

// BlockForStart blocks the caller until the Driver calls ArmAndStart.
func (sm *StateMachine) BlockForStart() {
	<-sm.startCh
}

// GlobalState returns a snapshot of the current global state.
func (sm *StateMachine) GlobalState() types.GlobalState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// CurrentPhase returns a snapshot of the active phase, or nil if between
// phases.
func (sm *StateMachine) CurrentPhase() *types.Phase {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.phase == nil {
		return nil
	}
	p := *sm.phase
	return &p
}

// StayAwake blocks until there is work to do or the phase/state changes.
// It returns without any guarantee that work is actually available;
// callers must re-check CurrentPhase/FetchWork.
func (sm *StateMachine) StayAwake() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.phase != nil || sm.state == types.Done {
		return
	}
	sm.cond.Wait()
}

// FetchWork returns the next SubmittedProcedure to execute. The bool
// return is false exactly when the active phase is a serial/latency run
// whose ordered query list has been exhausted — the explicit stand-in for
// the original source's bounds-check exception (spec.md §9's redesign
// note). StartTimeNs is stamped when FetchWork hands the item out, after
// any rate-limit pause; there is no separate submission queue, so latency
// measured from it does not include any queueing delay.
func (sm *StateMachine) FetchWork() (*types.SubmittedProcedure, bool) {
	sm.mu.Lock()
	spec := sm.spec
	phase := sm.phase
	sm.mu.Unlock()

	if spec == nil || phase == nil {
		// Between phases; nothing to dispatch. Callers are expected to
		// re-check CurrentPhase() after StayAwake() before calling
		// FetchWork, but guard defensively anyway.
		return nil, true
	}

	if phase.IsLatencyRun() {
		return sm.fetchSerial(phase.ID, spec)
	}
	return sm.fetchThroughput(phase, spec), true
}

func (sm *StateMachine) fetchSerial(phaseID int, spec *PhaseSpec) (*types.SubmittedProcedure, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	idx := sm.serialCursor[phaseID]
	if idx >= len(spec.Serial) {
		return nil, false
	}
	sm.serialCursor[phaseID] = idx + 1
	return &types.SubmittedProcedure{
		TypeID:      spec.Serial[idx],
		StartTimeNs: time.Now().UnixNano(),
	}, true
}

// ResetSerial rewinds the serial cursor for phaseID to the start, used
// when a warmup phase's serial list is exhausted and warmup should wrap.
func (sm *StateMachine) ResetSerial(phaseID int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serialCursor[phaseID] = 0
}

func (sm *StateMachine) fetchThroughput(phase *types.Phase, spec *PhaseSpec) *types.SubmittedProcedure {
	if phase.Rate > 0 {
		pacePerOp := time.Duration(float64(time.Second) / phase.Rate)
		time.Sleep(pacePerOp)
	}

	typeID := sm.pickWeighted(spec.Mix)
	return &types.SubmittedProcedure{
		TypeID:      typeID,
		StartTimeNs: time.Now().UnixNano(),
	}
}

func (sm *StateMachine) pickWeighted(mix []MixEntry) int {
	sm.mu.Lock()
	total := 0
	for _, m := range mix {
		total += m.Weight
	}
	if total <= 0 {
		sm.mu.Unlock()
		if len(mix) == 0 {
			return types.InvalidTransactionType.ID
		}
		return mix[0].Type.ID
	}
	r := sm.rng.Intn(total)
	sm.mu.Unlock()

	cum := 0
	for _, m := range mix {
		cum += m.Weight
		if r < cum {
			return m.Type.ID
		}
	}
	return mix[len(mix)-1].Type.ID
}

// FinishedWork signals that one work item completed, for accounting and
// rate control.
func (sm *StateMachine) FinishedWork() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.finished++
}

// SignalDone marks this worker as having observed DONE. Idempotent per
// worker is the caller's responsibility (the worker loop only calls this
// once, guarded by its own seenDone flag).
func (sm *StateMachine) SignalDone() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.doneSignaled++
	sm.cond.Broadcast()
}

// SignalLatencyComplete transitions the global state to LATENCY_COMPLETE.
// Synchronous: by the time it returns, GlobalState() reflects the new
// state, which is what keeps the worker loop's post-state check from
// recording a sample for the sentinel INVALID transaction type after a
// serial run is exhausted mid-MEASURE (spec.md §4.6 end-of-serial-phase
// handling).
func (sm *StateMachine) SignalLatencyComplete() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = types.LatencyComplete
	sm.cond.Broadcast()
}

// StartColdQuery transitions MEASURE -> COLD_QUERY, used after a
// latency-run phase records its one measured sample (the
// latency-run "rinse and repeat with a cold cache" protocol).
func (sm *StateMachine) StartColdQuery() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = types.ColdQuery
	sm.cond.Broadcast()
}

// StartHotQuery transitions COLD_QUERY -> MEASURE once the cold run for
// the current query has completed.
func (sm *StateMachine) StartHotQuery() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = types.Measure
	sm.cond.Broadcast()
}

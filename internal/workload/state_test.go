package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"oltpgo/internal/types"
)

func TestBlockForStartReleasesOnlyAfterArm(t *testing.T) {
	sm := New(1, 0)

	released := make(chan struct{})
	go func() {
		sm.BlockForStart()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("worker proceeded past BlockForStart before ArmAndStart")
	case <-time.After(30 * time.Millisecond):
	}

	sm.ArmAndStart()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("worker never released after ArmAndStart")
	}
}

func TestFetchWorkSerialExhaustionReturnsFalse(t *testing.T) {
	sm := New(1, 0)
	phase := types.Phase{ID: 1, Kind: types.Latency}
	spec := &PhaseSpec{Phase: phase, Serial: []int{10, 20}}
	sm.SetPhase(spec)

	w1, ok1 := sm.FetchWork()
	require.True(t, ok1)
	require.Equal(t, 10, w1.TypeID)

	w2, ok2 := sm.FetchWork()
	require.True(t, ok2)
	require.Equal(t, 20, w2.TypeID)

	w3, ok3 := sm.FetchWork()
	require.False(t, ok3)
	require.Nil(t, w3)
}

func TestResetSerialRewindsCursor(t *testing.T) {
	sm := New(1, 0)
	phase := types.Phase{ID: 1, Kind: types.Latency}
	spec := &PhaseSpec{Phase: phase, Serial: []int{10, 20}}
	sm.SetPhase(spec)

	sm.FetchWork()
	sm.FetchWork()
	_, ok := sm.FetchWork()
	require.False(t, ok)

	sm.ResetSerial(1)
	w, ok := sm.FetchWork()
	require.True(t, ok)
	require.Equal(t, 10, w.TypeID)
}

func TestFetchWorkThroughputPicksFromMix(t *testing.T) {
	sm := New(1, 0)
	phase := types.Phase{ID: 1, Kind: types.Throughput, Rate: 0}
	spec := &PhaseSpec{Phase: phase, Mix: []MixEntry{
		{Type: types.TransactionType{ID: 5}, Weight: 1},
	}}
	sm.SetPhase(spec)

	w, ok := sm.FetchWork()
	require.True(t, ok)
	require.Equal(t, 5, w.TypeID)
}

func TestSignalDoneIsCountedPerWorkerAndWaitForAllDoneUnblocks(t *testing.T) {
	sm := New(2, 0)

	done := make(chan struct{})
	go func() {
		sm.WaitForAllDone()
		close(done)
	}()

	sm.SignalDone()

	select {
	case <-done:
		t.Fatal("WaitForAllDone returned before every worker signaled done")
	case <-time.After(30 * time.Millisecond):
	}

	sm.SignalDone()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForAllDone never returned after every worker signaled done")
	}
}

func TestSignalLatencyCompleteIsSynchronous(t *testing.T) {
	sm := New(1, 0)
	sm.SetGlobalState(types.Measure)
	sm.SignalLatencyComplete()
	require.Equal(t, types.LatencyComplete, sm.GlobalState())
}

func TestFinishedWorkAccumulates(t *testing.T) {
	sm := New(1, 0)
	require.Equal(t, int64(0), sm.FinishedCount())
	sm.FinishedWork()
	sm.FinishedWork()
	require.Equal(t, int64(2), sm.FinishedCount())
}

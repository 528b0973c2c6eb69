package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
)

type fakeRunner struct {
	mu       sync.Mutex
	runs     []string
	active   int32
	peak     int32
	delay    time.Duration
	panicFor string
	next     map[po3.Stage]po3.Status
	expired  []string
}

func (f *fakeRunner) Run(_ context.Context, inst string, stage po3.Stage, trigger po3.Trigger) pipeline.Report {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if inst == f.panicFor {
		panic("boom")
	}

	f.mu.Lock()
	f.runs = append(f.runs, inst+":"+stage.String()+":"+string(trigger))
	f.mu.Unlock()

	to := f.next[stage]
	return pipeline.Report{RunID: "run", Instrument: inst, Stage: stage, Trigger: trigger, To: to}
}

func (f *fakeRunner) Expire(_ context.Context, inst string) (po3.Status, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, inst)
	if inst == "GBPUSD" {
		return "", false, errors.New("db gone")
	}
	return po3.StatusNoEntry, true, nil
}

func (f *fakeRunner) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.runs...)
	sort.Strings(out)
	return out
}

type fakeMaintainer struct {
	reconciled int
	closed     []string
}

func (f *fakeMaintainer) Reconcile(context.Context) error {
	f.reconciled++
	return nil
}

func (f *fakeMaintainer) CloseAll(_ context.Context, reason string) (int, error) {
	f.closed = append(f.closed, reason)
	return 1, nil
}

type memSettings struct {
	mu sync.Mutex
	m  map[string]bool
}

func (m *memSettings) GetBool(_ context.Context, key string, def bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	if !ok {
		return def, nil
	}
	return v, nil
}

func (m *memSettings) SetBool(_ context.Context, key string, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = v
	return nil
}

func newTestScheduler(runner *fakeRunner, concurrency int) (*Scheduler, *fakeMaintainer, *memSettings) {
	cfg := &config.Config{
		Instruments: []string{"EURUSD", "GBPUSD", "XAUUSD"},
		Trading:     config.TradingConfig{Timezone: "UTC", DispatchConcurrency: concurrency},
	}
	m := &fakeMaintainer{}
	st := &memSettings{m: map[string]bool{}}
	return NewScheduler(runner, m, st, cfg, logger.Discard()), m, st
}

func TestDispatchRunsEveryInstrument(t *testing.T) {
	r := &fakeRunner{}
	s, _, _ := newTestScheduler(r, 4)

	reports := s.Dispatch(context.Background(), po3.StageBias, po3.TriggerScheduled)

	require.Len(t, reports, 3)
	assert.Equal(t, []string{
		"EURUSD:bias:SCHEDULED",
		"GBPUSD:bias:SCHEDULED",
		"XAUUSD:bias:SCHEDULED",
	}, r.Runs())
	assert.Equal(t, "GBPUSD", reports[1].Instrument)
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	r := &fakeRunner{delay: 20 * time.Millisecond}
	s, _, _ := newTestScheduler(r, 1)

	s.Dispatch(context.Background(), po3.StageManipulation, po3.TriggerScheduled)

	assert.Equal(t, int32(1), atomic.LoadInt32(&r.peak))
	assert.Len(t, r.Runs(), 3)
}

func TestDispatchSurvivesPanic(t *testing.T) {
	r := &fakeRunner{panicFor: "GBPUSD"}
	s, _, _ := newTestScheduler(r, 2)

	reports := s.Dispatch(context.Background(), po3.StageEntry, po3.TriggerScheduled)

	require.Len(t, reports, 3)
	require.Error(t, reports[1].Err)
	assert.Contains(t, reports[1].Err.Error(), "boom")
	assert.Equal(t, []string{"EURUSD:entry:SCHEDULED", "XAUUSD:entry:SCHEDULED"}, r.Runs())
}

func TestPauseSkipsScheduledButNotForced(t *testing.T) {
	r := &fakeRunner{}
	s, _, _ := newTestScheduler(r, 2)
	ctx := context.Background()

	require.NoError(t, s.Pause(ctx))
	assert.True(t, s.Paused(ctx))
	s.scheduled(po3.StageBias)
	assert.Empty(t, r.Runs())

	s.Force(ctx, po3.StageBias, "EURUSD")
	assert.Equal(t, []string{"EURUSD:bias:FORCED"}, r.Runs())

	require.NoError(t, s.Resume(ctx))
	s.scheduled(po3.StageBias)
	assert.Len(t, r.Runs(), 4)
}

func TestFullCycleStopsWhenStageDoesNotHandOver(t *testing.T) {
	r := &fakeRunner{next: map[po3.Stage]po3.Status{
		po3.StageBias:         po3.StatusPendingManipulation,
		po3.StageManipulation: po3.StatusPendingManipulation,
	}}
	s, _, _ := newTestScheduler(r, 2)

	reports := s.FullCycle(context.Background(), "EURUSD")

	require.Len(t, reports, 2)
	assert.Equal(t, []string{"EURUSD:bias:FORCED", "EURUSD:manipulation:FORCED"}, r.Runs())
}

func TestFullCycleRunsAllThreeStages(t *testing.T) {
	r := &fakeRunner{next: map[po3.Stage]po3.Status{
		po3.StageBias:         po3.StatusPendingManipulation,
		po3.StageManipulation: po3.StatusPendingEntry,
		po3.StageEntry:        po3.StatusTradeOpened,
	}}
	s, _, _ := newTestScheduler(r, 2)

	reports := s.FullCycle(context.Background(), "EURUSD")

	assert.Len(t, reports, 3)
}

func TestHousekeepingJobs(t *testing.T) {
	r := &fakeRunner{}
	s, m, _ := newTestScheduler(r, 2)

	s.reconcile()
	s.endOfDay()
	s.sweep()

	assert.Equal(t, 1, m.reconciled)
	assert.Equal(t, []string{"end of day"}, m.closed)
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "XAUUSD"}, r.expired)
}

func TestStartRejectsBadSpec(t *testing.T) {
	r := &fakeRunner{}
	s, _, _ := newTestScheduler(r, 1)
	s.config.Schedule = config.ScheduleConfig{
		Stage1: "not a spec", Stage2: "* * * * *", Stage3: "* * * * *", HoldClose: "* * * * *",
		Reconcile: "* * * * *", EndOfDay: "* * * * *", Cutoff: "* * * * *",
	}

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage1")
}

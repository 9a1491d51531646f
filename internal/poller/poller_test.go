package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/exportapi"
)

type fakeTask struct {
	scheduler *fakeScheduler
	delay     time.Duration
	fn        func()
	canceled  bool
	ran       bool
}

func (t *fakeTask) Cancel() {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	t.canceled = true
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

func (s *fakeScheduler) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &fakeTask{scheduler: s, delay: delay, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// takePending removes and returns every scheduled, non-canceled task.
func (s *fakeScheduler) takePending() []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*fakeTask, 0)
	for _, task := range s.tasks {
		if !task.canceled && !task.ran {
			task.ran = true
			pending = append(pending, task)
		}
	}
	return pending
}

// runPending fires every currently pending task synchronously and returns
// the delays they were scheduled with.
func (s *fakeScheduler) runPending() []time.Duration {
	pending := s.takePending()
	delays := make([]time.Duration, 0, len(pending))
	for _, task := range pending {
		delays = append(delays, task.delay)
		task.fn()
	}
	return delays
}

func (s *fakeScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, task := range s.tasks {
		if !task.canceled && !task.ran {
			count++
		}
	}
	return count
}

type fetchResult struct {
	result exportapi.StatusResult
	err    error
}

type fakeFetcher struct {
	mu            sync.Mutex
	results       map[string][]fetchResult
	calls         int
	gate          chan struct{}
	concurrent    int
	maxConcurrent int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: make(map[string][]fetchResult)}
}

func (f *fakeFetcher) queue(jobID string, result exportapi.StatusResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = append(f.results[jobID], fetchResult{result: result, err: err})
}

func (f *fakeFetcher) GetExportStatus(_ context.Context, jobID string) (exportapi.StatusResult, error) {
	f.mu.Lock()
	f.calls++
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	gate := f.gate

	next := fetchResult{err: errors.New("no queued result")}
	if queued := f.results[jobID]; len(queued) > 0 {
		next = queued[0]
		if len(queued) > 1 {
			f.results[jobID] = queued[1:]
		}
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()
	return next.result, next.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []domain.StatusUpdate
	errors  []error
}

func (r *updateRecorder) onUpdate(_ string, update domain.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *updateRecorder) onPollError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *updateRecorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestPoller(fetcher StatusFetcher, scheduler *fakeScheduler, recorder *updateRecorder) *Poller {
	return New(fetcher, Config{
		BaseInterval: 5 * time.Second,
		Scheduler:    scheduler,
		OnUpdate:     recorder.onUpdate,
		OnPollError:  recorder.onPollError,
	})
}

func TestDeliversUpdatesAndStopsOnTerminal(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	fetcher.queue("exp_1", exportapi.StatusResult{Status: domain.JobStatusProcessing, Progress: 50}, nil)
	fetcher.queue("exp_1", exportapi.StatusResult{
		Status:      domain.JobStatusCompleted,
		Progress:    100,
		DownloadURL: "https://files.example/exp_1",
	}, nil)

	p.Track("exp_1")
	scheduler.runPending()

	if recorder.updateCount() != 1 {
		t.Fatalf("expected 1 update after first tick, got %d", recorder.updateCount())
	}
	if !p.Tracked("exp_1") {
		t.Fatalf("expected non-terminal job to stay tracked")
	}

	// Cache from the first fetch is still fresh on the second tick, so the
	// processing response replays without a network call, then expires out
	// of the way once we clear it.
	p.cache.Remove("exp_1")
	scheduler.runPending()

	if recorder.updateCount() != 2 {
		t.Fatalf("expected 2 updates after second tick, got %d", recorder.updateCount())
	}
	if got := recorder.updates[1].Status; got != domain.JobStatusCompleted {
		t.Fatalf("expected completed update, got %s", got)
	}
	if p.Tracked("exp_1") {
		t.Fatalf("expected polling stopped after terminal status")
	}
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}

func TestBackoffScheduleThenGiveUp(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	// Every fetch fails.
	p.Track("exp_1")

	delays := make([]time.Duration, 0)
	for i := 0; i < 5; i++ {
		delays = append(delays, scheduler.runPending()...)
	}

	want := []time.Duration{
		5 * time.Second,  // initial tick
		10 * time.Second, // after failure 1: base * 2^1
		20 * time.Second, // after failure 2: base * 2^2
		40 * time.Second, // after failure 3: base * 2^3
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d scheduled ticks, got %d (%v)", len(want), len(delays), delays)
	}
	for i, delay := range want {
		if delays[i] != delay {
			t.Fatalf("expected delay %v at position %d, got %v", delay, i, delays[i])
		}
	}

	recorder.mu.Lock()
	pollErrors := len(recorder.errors)
	recorder.mu.Unlock()
	if pollErrors != 1 {
		t.Fatalf("expected exactly one polling-error signal, got %d", pollErrors)
	}
	if p.Tracked("exp_1") {
		t.Fatalf("expected polling stopped after the failure ceiling")
	}
	if got := fetcher.callCount(); got != 3 {
		t.Fatalf("expected exactly 3 fetch attempts, got %d", got)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	fetcher.queue("exp_1", exportapi.StatusResult{}, errors.New("transport down"))
	fetcher.queue("exp_1", exportapi.StatusResult{Status: domain.JobStatusProcessing, Progress: 10}, nil)
	fetcher.queue("exp_1", exportapi.StatusResult{}, errors.New("transport down"))

	p.Track("exp_1")
	scheduler.runPending() // failure 1 -> backoff 10s
	scheduler.runPending() // success -> counter reset
	p.cache.Remove("exp_1")
	delays := scheduler.runPending() // failure again

	if len(delays) != 1 || delays[0] != 5*time.Second {
		t.Fatalf("expected tick at base interval after reset, got %v", delays)
	}

	next := scheduler.takePending()
	if len(next) != 1 || next[0].delay != 10*time.Second {
		t.Fatalf("expected backoff to restart at base*2, got %+v", next)
	}
}

func TestConcurrencyCapShedsExcessTicks(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	jobIDs := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		jobID := fmt.Sprintf("exp_%d", i)
		jobIDs = append(jobIDs, jobID)
		fetcher.queue(jobID, exportapi.StatusResult{Status: domain.JobStatusProcessing}, nil)
		p.Track(jobID)
	}

	pending := scheduler.takePending()
	if len(pending) != 15 {
		t.Fatalf("expected 15 initial ticks, got %d", len(pending))
	}

	var wg sync.WaitGroup
	for _, task := range pending {
		wg.Add(1)
		go func(run func()) {
			defer wg.Done()
			run()
		}(task.fn)
	}

	// Wait until the cap is saturated and the shed ticks have rescheduled.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fetcher.mu.Lock()
		blocked := fetcher.concurrent
		fetcher.mu.Unlock()
		if blocked == 10 && scheduler.pendingCount() >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cap never saturated: blocked=%d rescheduled=%d", blocked, scheduler.pendingCount())
		}
		time.Sleep(time.Millisecond)
	}

	close(fetcher.gate)
	wg.Wait()

	if fetcher.maxConcurrent != 10 {
		t.Fatalf("expected at most 10 concurrent fetches, saw %d", fetcher.maxConcurrent)
	}
	if got := fetcher.callCount(); got != 10 {
		t.Fatalf("expected shed ticks to skip fetching entirely, got %d calls", got)
	}
	for _, jobID := range jobIDs {
		if !p.Tracked(jobID) {
			t.Fatalf("expected %s still tracked", jobID)
		}
	}
}

func TestCachedResponseAvoidsFetch(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	fetcher.queue("exp_1", exportapi.StatusResult{Status: domain.JobStatusProcessing, Progress: 30}, nil)

	p.Track("exp_1")
	scheduler.runPending()
	scheduler.runPending() // within the cache TTL

	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("expected second tick served from cache, got %d fetches", got)
	}
	if recorder.updateCount() != 2 {
		t.Fatalf("expected cached response still delivered, got %d updates", recorder.updateCount())
	}
}

func TestCachedTerminalStatusStopsTimer(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	p.cache.Set("exp_1", exportapi.StatusResult{Status: domain.JobStatusCompleted, Progress: 100})
	p.Track("exp_1")
	scheduler.runPending()

	if got := fetcher.callCount(); got != 0 {
		t.Fatalf("expected no fetch for cached terminal status, got %d", got)
	}
	if p.Tracked("exp_1") {
		t.Fatalf("expected timer stopped after cached terminal status")
	}
}

func TestHiddenContextSkipsFetchesAndShowClearsCache(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)
	defer p.Close()

	p.cache.Set("exp_1", exportapi.StatusResult{Status: domain.JobStatusProcessing})
	p.SetVisible(false)

	p.Track("exp_1")
	delays := scheduler.runPending()
	if len(delays) != 1 {
		t.Fatalf("expected one tick, got %d", len(delays))
	}
	if got := fetcher.callCount(); got != 0 {
		t.Fatalf("expected no fetch while hidden, got %d", got)
	}
	if recorder.updateCount() != 0 {
		t.Fatalf("expected no update while hidden, got %d", recorder.updateCount())
	}
	if scheduler.pendingCount() != 1 {
		t.Fatalf("expected hidden tick to reschedule, pending=%d", scheduler.pendingCount())
	}

	p.SetVisible(true)
	if _, ok := p.cache.Get("exp_1"); ok {
		t.Fatalf("expected cache cleared on hidden -> visible transition")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	scheduler := &fakeScheduler{}
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}
	p := newTestPoller(fetcher, scheduler, recorder)

	p.Track("exp_1")
	p.Track("exp_2")
	p.Close()

	if scheduler.runPending(); fetcher.callCount() != 0 {
		t.Fatalf("expected no fetch after close, got %d", fetcher.callCount())
	}
	if p.Tracked("exp_1") || p.Tracked("exp_2") {
		t.Fatalf("expected all jobs untracked after close")
	}

	// Close and untrack stay safe when repeated.
	p.Close()
	p.Untrack("exp_1")
	p.Untrack("exp_1")
}

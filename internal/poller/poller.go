package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/exportapi"
	"github.com/lodgefeed/export-tracker/internal/observability"
	"github.com/lodgefeed/export-tracker/internal/retry"
)

const (
	DefaultBaseInterval  = 5 * time.Second
	DefaultCacheTTL      = 5 * time.Second
	DefaultMaxConcurrent = 10
	DefaultMaxFailures   = 3

	pollOp = "poll"
)

// StatusFetcher is the one remote call the poller needs.
type StatusFetcher interface {
	GetExportStatus(ctx context.Context, jobID string) (exportapi.StatusResult, error)
}

type Config struct {
	BaseInterval  time.Duration
	CacheTTL      time.Duration
	MaxConcurrent int
	MaxFailures   int
	Scheduler     Scheduler
	Retries       *retry.Manager
	Logger        *log.Logger

	// OnUpdate delivers every fresh or cached status for a tracked job.
	OnUpdate func(jobID string, update domain.StatusUpdate)
	// OnPollError fires when consecutive fetch failures hit the ceiling.
	// It signals "the job's true remote state is unknown", which is distinct
	// from the job itself reporting failed.
	OnPollError func(jobID string, err error)
}

// Poller runs one independent timer per tracked job and fetches remote
// status until the job reaches a terminal state or fetches keep failing.
// Jobs started at different times keep their own cadence, and one slow or
// erroring job never blocks status delivery for the others.
type Poller struct {
	fetcher   StatusFetcher
	scheduler Scheduler
	retries   *retry.Manager
	cache     *statusCache
	logger    *log.Logger

	baseInterval  time.Duration
	maxConcurrent int
	maxFailures   int

	onUpdate    func(jobID string, update domain.StatusUpdate)
	onPollError func(jobID string, err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	timers        map[string]Handle
	inFlight      map[string]bool
	lastErrs      map[string]error
	inFlightCount int
	visible       bool
	closed        bool
}

func New(fetcher StatusFetcher, cfg Config) *Poller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewTimerScheduler()
	}
	if cfg.Retries == nil {
		cfg.Retries = retry.NewManager(cfg.MaxFailures)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fetcher:       fetcher,
		scheduler:     cfg.Scheduler,
		retries:       cfg.Retries,
		cache:         newStatusCache(cfg.CacheTTL),
		logger:        cfg.Logger,
		baseInterval:  cfg.BaseInterval,
		maxConcurrent: cfg.MaxConcurrent,
		maxFailures:   cfg.MaxFailures,
		onUpdate:      cfg.OnUpdate,
		onPollError:   cfg.OnPollError,
		ctx:           ctx,
		cancel:        cancel,
		timers:        make(map[string]Handle),
		inFlight:      make(map[string]bool),
		lastErrs:      make(map[string]error),
		visible:       true,
	}
}

// Track starts polling a job. Tracking an already tracked job resets its
// timer to the base interval.
func (p *Poller) Track(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || jobID == "" {
		return
	}
	p.scheduleLocked(jobID, p.baseInterval)
}

// Untrack stops polling a job. Safe to call when the job is not tracked.
func (p *Poller) Untrack(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(jobID)
	p.cache.Remove(jobID)
	p.retries.Reset(pollOp, jobID)
}

// Tracked reports whether the job currently has a timer.
func (p *Poller) Tracked(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[jobID]
	return ok
}

// SetVisible gates polling on the viewing context. Ticks while hidden skip
// their fetch but keep rescheduling. The transition back to visible flushes
// the response cache so stale results are not replayed; error counters and
// timers are left alone.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	wasVisible := p.visible
	p.visible = visible
	p.mu.Unlock()

	if visible && !wasVisible {
		p.cache.Clear()
	}
}

// Close stops every timer and forbids further polling activity.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for jobID, handle := range p.timers {
		handle.Cancel()
		delete(p.timers, jobID)
	}
	p.cancel()
}

func (p *Poller) scheduleLocked(jobID string, delay time.Duration) {
	if existing, ok := p.timers[jobID]; ok {
		existing.Cancel()
	}
	p.timers[jobID] = p.scheduler.Schedule(delay, func() {
		p.tick(jobID)
	})
}

func (p *Poller) stopLocked(jobID string) {
	if handle, ok := p.timers[jobID]; ok {
		handle.Cancel()
		delete(p.timers, jobID)
	}
}

func (p *Poller) tick(jobID string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, tracked := p.timers[jobID]; !tracked {
		p.mu.Unlock()
		return
	}

	// Give-up check: after the failure ceiling the job's remote state is
	// unknown and polling ends with a dedicated error signal.
	if !p.retries.CanRetry(pollOp, jobID) {
		lastErr := p.lastErrs[jobID]
		p.stopLocked(jobID)
		delete(p.lastErrs, jobID)
		p.mu.Unlock()

		observability.PollGiveUps.Inc()
		if p.logger != nil {
			p.logger.Printf("polling gave up job_id=%s err=%v", jobID, lastErr)
		}
		if p.onPollError != nil {
			p.onPollError(jobID, lastErr)
		}
		return
	}

	// Skip the fetch while hidden, while a request for this job is already
	// in flight, or when the global concurrency cap is reached. Skipped
	// ticks are load shedding, not queueing: the timer just runs again.
	if !p.visible || p.inFlight[jobID] || p.inFlightCount >= p.maxConcurrent {
		if p.inFlightCount >= p.maxConcurrent {
			observability.PollSkips.Inc()
		}
		p.scheduleLocked(jobID, p.baseInterval)
		p.mu.Unlock()
		return
	}

	// Reserve the concurrency slot before releasing the lock so parallel
	// ticks cannot all pass the cap check at once.
	p.inFlight[jobID] = true
	p.inFlightCount++
	p.mu.Unlock()
	observability.PollsInFlight.Inc()

	if cached, ok := p.cache.Get(jobID); ok {
		p.release(jobID)
		p.deliver(jobID, cached)
		return
	}

	start := time.Now()
	result, err := p.fetcher.GetExportStatus(p.ctx, jobID)
	observability.PollDuration.Observe(time.Since(start).Seconds())
	p.release(jobID)

	if err != nil {
		p.handleFailure(jobID, err)
		return
	}

	observability.PollsTotal.WithLabelValues("success").Inc()
	p.retries.Reset(pollOp, jobID)
	p.cache.Set(jobID, result)
	p.deliver(jobID, result)
}

func (p *Poller) release(jobID string) {
	p.mu.Lock()
	delete(p.inFlight, jobID)
	p.inFlightCount--
	p.mu.Unlock()
	observability.PollsInFlight.Dec()
}

// deliver applies a fetched or cached status and schedules the next tick,
// or stops the timer when the status is terminal.
func (p *Poller) deliver(jobID string, result exportapi.StatusResult) {
	if p.onUpdate != nil {
		p.onUpdate(jobID, result.Update())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if result.Status.IsTerminal() {
		p.stopLocked(jobID)
		return
	}
	if _, tracked := p.timers[jobID]; tracked {
		p.scheduleLocked(jobID, p.baseInterval)
	}
}

func (p *Poller) handleFailure(jobID string, err error) {
	observability.PollsTotal.WithLabelValues("error").Inc()

	count := p.retries.Increment(pollOp, jobID)
	delay := p.baseInterval * time.Duration(1<<count)

	if p.logger != nil {
		p.logger.Printf("poll failed job_id=%s attempt=%d next_in=%s err=%v", jobID, count, delay, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.lastErrs[jobID] = err
	if _, tracked := p.timers[jobID]; tracked {
		p.scheduleLocked(jobID, delay)
	}
}

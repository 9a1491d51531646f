package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/kv"
	"github.com/lodgefeed/export-tracker/internal/observability"
)

type EventType string

const (
	EventCreated   EventType = "created"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventExpired   EventType = "expired"
)

const notifiedKey = "notified_events"

// Action is a user-triggerable follow-up attached to a notification.
type Action struct {
	Label   string
	Trigger func()
}

// Notification is what the dispatcher hands to the sink. The core only
// produces these; rendering belongs to whoever implements Sink.
type Notification struct {
	JobID       string
	Event       EventType
	Level       string
	Title       string
	Message     string
	Action      *Action
	AutoDismiss bool
	Duration    time.Duration
}

// Sink consumes notifications, e.g. a UI layer or a webhook forwarder.
type Sink interface {
	AddNotification(notification Notification)
}

type Config struct {
	Sink   Sink
	Store  kv.Store
	Logger *log.Logger

	// OnDownload is invoked when the user triggers the download action on a
	// completed-job notification. The dispatcher does not transfer files.
	OnDownload func(jobID string)

	// CompletedDismissAfter bounds how long a completion toast stays up.
	CompletedDismissAfter time.Duration
}

// Dispatcher watches job-list snapshots and emits at most one notification
// per (job, event) pair across the lifetime of the job, even across process
// restarts: the fired-event sets are persisted. Re-observing an unchanged
// list any number of times fires nothing.
type Dispatcher struct {
	sink       Sink
	store      kv.Store
	logger     *log.Logger
	onDownload func(jobID string)
	dismiss    time.Duration

	mu    sync.Mutex
	fired map[string]map[EventType]bool
}

func NewDispatcher(ctx context.Context, cfg Config) *Dispatcher {
	if cfg.CompletedDismissAfter <= 0 {
		cfg.CompletedDismissAfter = 10 * time.Second
	}
	d := &Dispatcher{
		sink:       cfg.Sink,
		store:      cfg.Store,
		logger:     cfg.Logger,
		onDownload: cfg.OnDownload,
		dismiss:    cfg.CompletedDismissAfter,
		fired:      make(map[string]map[EventType]bool),
	}
	d.loadFired(ctx)
	return d
}

// Observe evaluates the current job list and fires whatever events have not
// fired yet. Jobs missing from the list have their tracking entries removed.
func (d *Dispatcher) Observe(ctx context.Context, jobs []domain.ExportJob) {
	d.mu.Lock()

	pending := make([]Notification, 0)
	seen := make(map[string]bool, len(jobs))

	for _, job := range jobs {
		seen[job.ID] = true
		for _, event := range eventsFor(job.Status) {
			if d.fired[job.ID][event] {
				continue
			}
			if d.fired[job.ID] == nil {
				d.fired[job.ID] = make(map[EventType]bool)
			}
			d.fired[job.ID][event] = true
			pending = append(pending, d.build(job, event))
		}
	}

	changed := len(pending) > 0
	for jobID := range d.fired {
		if !seen[jobID] {
			delete(d.fired, jobID)
			changed = true
		}
	}
	d.mu.Unlock()

	if changed {
		d.saveFired(ctx)
	}

	for _, notification := range pending {
		observability.NotificationsFired.WithLabelValues(string(notification.Event)).Inc()
		if d.sink != nil {
			d.sink.AddNotification(notification)
		}
	}
}

// PollingLost surfaces the poller giving up on a job. The poller fires this
// at most once per job, so it needs no dedup tracking, and the notification
// stays up until acknowledged: the job's true state is unknown.
func (d *Dispatcher) PollingLost(jobID string, err error) {
	if d.sink == nil {
		return
	}
	message := fmt.Sprintf("status checks for export %s keep failing; its current state is unknown", jobID)
	if err != nil {
		message = fmt.Sprintf("%s (last error: %v)", message, err)
	}
	d.sink.AddNotification(Notification{
		JobID:       jobID,
		Event:       "polling_lost",
		Level:       "warning",
		Title:       "Status updates unavailable",
		Message:     message,
		AutoDismiss: false,
	})
}

// Forget drops the fired-event tracking for one job.
func (d *Dispatcher) Forget(ctx context.Context, jobID string) {
	d.mu.Lock()
	_, existed := d.fired[jobID]
	delete(d.fired, jobID)
	d.mu.Unlock()

	if existed {
		d.saveFired(ctx)
	}
}

func eventsFor(status domain.JobStatus) []EventType {
	switch status {
	case domain.JobStatusPending, domain.JobStatusProcessing:
		return []EventType{EventCreated}
	case domain.JobStatusCompleted:
		return []EventType{EventCompleted}
	case domain.JobStatusFailed:
		return []EventType{EventFailed}
	case domain.JobStatusExpired:
		return []EventType{EventExpired}
	default:
		return nil
	}
}

func (d *Dispatcher) build(job domain.ExportJob, event EventType) Notification {
	switch event {
	case EventCompleted:
		notification := Notification{
			JobID:       job.ID,
			Event:       EventCompleted,
			Level:       "success",
			Title:       "Export ready",
			Message:     fmt.Sprintf("%s export %s finished with %d records.", job.Type, job.ID, job.TotalRecords),
			AutoDismiss: true,
			Duration:    d.dismiss,
		}
		if d.onDownload != nil {
			jobID := job.ID
			notification.Action = &Action{
				Label:   "Download",
				Trigger: func() { d.onDownload(jobID) },
			}
		}
		return notification
	case EventFailed:
		message := job.ErrorMessage
		if message == "" {
			message = "the export failed without an error message"
		}
		// Failures stay on screen until acknowledged.
		return Notification{
			JobID:       job.ID,
			Event:       EventFailed,
			Level:       "error",
			Title:       "Export failed",
			Message:     fmt.Sprintf("%s export %s failed: %s", job.Type, job.ID, message),
			AutoDismiss: false,
		}
	case EventExpired:
		return Notification{
			JobID:       job.ID,
			Event:       EventExpired,
			Level:       "warning",
			Title:       "Export expired",
			Message:     fmt.Sprintf("the download for %s export %s is no longer available", job.Type, job.ID),
			AutoDismiss: false,
		}
	default:
		return Notification{
			JobID:       job.ID,
			Event:       EventCreated,
			Level:       "info",
			Title:       "Export started",
			Message:     fmt.Sprintf("%s export %s was created", job.Type, job.ID),
			AutoDismiss: true,
			Duration:    d.dismiss,
		}
	}
}

func (d *Dispatcher) loadFired(ctx context.Context) {
	if d.store == nil {
		return
	}
	raw, err := d.store.Get(ctx, notifiedKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) && d.logger != nil {
			d.logger.Printf("notified set load failed: %v", err)
		}
		return
	}

	var persisted map[string][]EventType
	if err := json.Unmarshal(raw, &persisted); err != nil {
		if d.logger != nil {
			d.logger.Printf("notified set decode failed, starting empty: %v", err)
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for jobID, events := range persisted {
		set := make(map[EventType]bool, len(events))
		for _, event := range events {
			set[event] = true
		}
		d.fired[jobID] = set
	}
}

func (d *Dispatcher) saveFired(ctx context.Context) {
	if d.store == nil {
		return
	}

	d.mu.Lock()
	persisted := make(map[string][]EventType, len(d.fired))
	for jobID, events := range d.fired {
		list := make([]EventType, 0, len(events))
		for event := range events {
			list = append(list, event)
		}
		persisted[jobID] = list
	}
	d.mu.Unlock()

	encoded, err := json.Marshal(persisted)
	if err != nil {
		if d.logger != nil {
			d.logger.Printf("notified set encode failed: %v", err)
		}
		return
	}
	if err := d.store.Set(ctx, notifiedKey, encoded); err != nil && d.logger != nil {
		d.logger.Printf("notified set save failed: %v", err)
	}
}

package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/kv"
)

type recordingSink struct {
	mu            sync.Mutex
	notifications []Notification
}

func (s *recordingSink) AddNotification(notification Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification)
}

func (s *recordingSink) byEvent(event EventType) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]Notification, 0)
	for _, n := range s.notifications {
		if n.Event == event {
			matched = append(matched, n)
		}
	}
	return matched
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

func job(id string, status domain.JobStatus) domain.ExportJob {
	return domain.ExportJob{ID: id, Type: domain.ExportTypeHotel, Status: status}
}

func TestObserveFiresEachEventOnce(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	d := NewDispatcher(ctx, Config{Sink: sink, Store: kv.NewMemoryStore()})

	jobs := []domain.ExportJob{job("exp_1", domain.JobStatusPending)}
	d.Observe(ctx, jobs)
	d.Observe(ctx, jobs)
	d.Observe(ctx, jobs)

	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 notification for repeated snapshots, got %d", got)
	}
	if got := sink.notifications[0].Event; got != EventCreated {
		t.Fatalf("expected created event, got %s", got)
	}

	// Progressing within non-terminal states fires nothing new.
	d.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusProcessing)})
	if got := sink.count(); got != 1 {
		t.Fatalf("expected no event on pending -> processing, got %d", got)
	}

	d.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusCompleted)})
	if got := len(sink.byEvent(EventCompleted)); got != 1 {
		t.Fatalf("expected 1 completed notification, got %d", got)
	}
}

func TestFiredEventsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	sink := &recordingSink{}

	d := NewDispatcher(ctx, Config{Sink: sink, Store: store})
	d.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusCompleted)})
	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 notification before restart, got %d", got)
	}

	// A new dispatcher over the same store must not refire.
	restarted := NewDispatcher(ctx, Config{Sink: sink, Store: store})
	restarted.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusCompleted)})
	if got := sink.count(); got != 1 {
		t.Fatalf("expected no refire after restart, got %d", got)
	}
}

func TestDisappearedJobsAreForgotten(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	d := NewDispatcher(ctx, Config{Sink: sink, Store: kv.NewMemoryStore()})

	d.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusCompleted)})
	d.Observe(ctx, nil) // job deleted

	// The same job id coming back counts as a fresh job.
	d.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusCompleted)})
	if got := len(sink.byEvent(EventCompleted)); got != 2 {
		t.Fatalf("expected refire after the job disappeared, got %d", got)
	}
}

func TestForgetDropsTracking(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	store := kv.NewMemoryStore()
	d := NewDispatcher(ctx, Config{Sink: sink, Store: store})

	d.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusFailed)})
	d.Forget(ctx, "exp_1")

	restarted := NewDispatcher(ctx, Config{Sink: sink, Store: store})
	restarted.Observe(ctx, []domain.ExportJob{job("exp_1", domain.JobStatusFailed)})
	if got := len(sink.byEvent(EventFailed)); got != 2 {
		t.Fatalf("expected forget to clear persisted tracking, got %d", got)
	}
}

func TestNotificationShape(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	downloads := make([]string, 0)
	d := NewDispatcher(ctx, Config{
		Sink:       sink,
		Store:      kv.NewMemoryStore(),
		OnDownload: func(jobID string) { downloads = append(downloads, jobID) },
	})

	completed := job("exp_done", domain.JobStatusCompleted)
	completed.TotalRecords = 4200
	failed := job("exp_bad", domain.JobStatusFailed)
	failed.ErrorMessage = "supplier feed returned malformed rows"
	expired := job("exp_old", domain.JobStatusExpired)

	d.Observe(ctx, []domain.ExportJob{completed, failed, expired})

	done := sink.byEvent(EventCompleted)
	if len(done) != 1 {
		t.Fatalf("expected 1 completed notification, got %d", len(done))
	}
	if done[0].Level != "success" || !done[0].AutoDismiss {
		t.Fatalf("unexpected completed notification: %+v", done[0])
	}
	if done[0].Action == nil || done[0].Action.Label != "Download" {
		t.Fatalf("expected download action on completed notification")
	}
	done[0].Action.Trigger()
	if len(downloads) != 1 || downloads[0] != "exp_done" {
		t.Fatalf("expected download trigger to pass the job id, got %v", downloads)
	}

	bad := sink.byEvent(EventFailed)
	if len(bad) != 1 {
		t.Fatalf("expected 1 failed notification, got %d", len(bad))
	}
	if bad[0].Level != "error" || bad[0].AutoDismiss {
		t.Fatalf("expected persistent error notification, got %+v", bad[0])
	}

	old := sink.byEvent(EventExpired)
	if len(old) != 1 || old[0].Level != "warning" {
		t.Fatalf("expected 1 warning for the expired job, got %+v", old)
	}
}

func TestPollingLostIsPersistentWarning(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(context.Background(), Config{Sink: sink, Store: kv.NewMemoryStore()})

	d.PollingLost("exp_1", context.DeadlineExceeded)

	if got := sink.count(); got != 1 {
		t.Fatalf("expected 1 notification, got %d", got)
	}
	n := sink.notifications[0]
	if n.Level != "warning" || n.AutoDismiss {
		t.Fatalf("expected a persistent warning, got %+v", n)
	}
	if n.JobID != "exp_1" {
		t.Fatalf("expected job id on the notification, got %q", n.JobID)
	}
}

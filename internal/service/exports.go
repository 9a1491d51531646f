package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/exportapi"
	"github.com/lodgefeed/export-tracker/internal/notify"
	"github.com/lodgefeed/export-tracker/internal/observability"
	"github.com/lodgefeed/export-tracker/internal/poller"
	"github.com/lodgefeed/export-tracker/internal/store"
)

var (
	ErrJobNotFound    = errors.New("export job not found")
	ErrNoDownload     = errors.New("export job has no download available")
	ErrCreateRejected = errors.New("export creation rejected")
)

type ExportsDependencies struct {
	API        exportapi.API
	Store      store.Jobs
	Dispatcher *notify.Dispatcher
	Logger     *log.Logger
	Poller     poller.Config
}

// ExportsService is the facade over the export job lifecycle: it creates
// jobs against the remote API, merges poller status updates into the stored
// list, and exposes list, refresh, delete and clear-completed operations.
// The in-memory job list is the shared state; every mutation replaces the
// whole list and re-saves it.
type ExportsService struct {
	api        exportapi.API
	store      store.Jobs
	dispatcher *notify.Dispatcher
	logger     *log.Logger
	poller     *poller.Poller

	mu   sync.Mutex
	jobs []domain.ExportJob
	now  func() time.Time
}

func NewExportsService(deps ExportsDependencies) *ExportsService {
	s := &ExportsService{
		api:        deps.API,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger,
		now:        time.Now,
	}

	pollerCfg := deps.Poller
	pollerCfg.Logger = deps.Logger
	pollerCfg.OnUpdate = s.applyUpdate
	pollerCfg.OnPollError = s.pollingLost
	s.poller = poller.New(deps.API, pollerCfg)

	return s
}

// Start loads the persisted job list, applies the wall-clock expiration
// check, and resumes polling for every non-terminal job.
func (s *ExportsService) Start(ctx context.Context) {
	loaded := s.store.Load(ctx)

	s.mu.Lock()
	s.jobs = loaded
	s.expireLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.store.Save(ctx, snapshot)

	resumed := 0
	for _, job := range snapshot {
		if !job.Status.IsTerminal() {
			s.poller.Track(job.ID)
			resumed++
		}
	}
	if s.logger != nil {
		s.logger.Printf("export tracker started jobs=%d polling=%d", len(snapshot), resumed)
	}
	s.observe(ctx, snapshot)
}

// Close stops all polling activity.
func (s *ExportsService) Close() {
	s.poller.Close()
}

// SetVisible forwards the viewing-context visibility signal to the poller.
func (s *ExportsService) SetVisible(visible bool) {
	s.poller.SetVisible(visible)
}

func (s *ExportsService) CreateHotelExport(ctx context.Context, filters json.RawMessage) (domain.ExportJob, error) {
	return s.createExport(ctx, domain.ExportTypeHotel, filters)
}

func (s *ExportsService) CreateMappingExport(ctx context.Context, filters json.RawMessage) (domain.ExportJob, error) {
	return s.createExport(ctx, domain.ExportTypeMapping, filters)
}

func (s *ExportsService) createExport(ctx context.Context, exportType domain.ExportType, filters json.RawMessage) (domain.ExportJob, error) {
	var (
		result exportapi.CreateResult
		err    error
	)
	switch exportType {
	case domain.ExportTypeHotel:
		result, err = s.api.CreateHotelExport(ctx, filters)
	default:
		result, err = s.api.CreateMappingExport(ctx, filters)
	}
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("%w: %v", ErrCreateRejected, err)
	}

	job := domain.ExportJob{
		ID:           result.JobID,
		Type:         exportType,
		Status:       domain.JobStatusPending,
		Progress:     0,
		TotalRecords: result.EstimatedRecords,
		CreatedAt:    result.CreatedAt,
		Filters:      filters,
	}

	s.mu.Lock()
	s.jobs = append([]domain.ExportJob{job}, s.jobs...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.store.Save(ctx, snapshot)
	s.poller.Track(job.ID)
	observability.JobsCreated.WithLabelValues(string(exportType)).Inc()
	if s.logger != nil {
		s.logger.Printf("export created type=%s job_id=%s estimated=%d", exportType, job.ID, result.EstimatedRecords)
	}
	s.observe(ctx, snapshot)

	return job, nil
}

// RefreshJobStatus fetches the job's status on demand, outside the automatic
// polling cadence, and merges the result exactly like the poller would.
func (s *ExportsService) RefreshJobStatus(ctx context.Context, jobID string) (domain.ExportJob, error) {
	s.mu.Lock()
	_, exists := s.findLocked(jobID)
	s.mu.Unlock()
	if !exists {
		return domain.ExportJob{}, ErrJobNotFound
	}

	result, err := s.api.GetExportStatus(ctx, jobID)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("refresh status: %w", err)
	}
	s.applyUpdate(jobID, result.Update())

	s.mu.Lock()
	defer s.mu.Unlock()
	job, exists := s.findLocked(jobID)
	if !exists {
		return domain.ExportJob{}, ErrJobNotFound
	}
	return job, nil
}

// DeleteJob removes the job unconditionally and clears its notification
// tracking and poll timer.
func (s *ExportsService) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	kept := make([]domain.ExportJob, 0, len(s.jobs))
	found := false
	for _, job := range s.jobs {
		if job.ID == jobID {
			found = true
			continue
		}
		kept = append(kept, job)
	}
	s.jobs = kept
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if !found {
		return ErrJobNotFound
	}

	s.poller.Untrack(jobID)
	if s.dispatcher != nil {
		s.dispatcher.Forget(ctx, jobID)
	}
	s.store.Save(ctx, snapshot)
	return nil
}

// ClearCompletedJobs bulk-removes completed and failed jobs. Expired jobs
// stay so the history remains visible, and in-progress jobs are untouched.
func (s *ExportsService) ClearCompletedJobs(ctx context.Context) int {
	s.mu.Lock()
	kept := make([]domain.ExportJob, 0, len(s.jobs))
	removed := make([]string, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusFailed {
			removed = append(removed, job.ID)
			continue
		}
		kept = append(kept, job)
	}
	s.jobs = kept
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, jobID := range removed {
		s.poller.Untrack(jobID)
		if s.dispatcher != nil {
			s.dispatcher.Forget(ctx, jobID)
		}
	}
	if len(removed) > 0 {
		s.store.Save(ctx, snapshot)
	}
	return len(removed)
}

// Jobs returns the current job list, newest first, after running the
// wall-clock expiration check.
func (s *ExportsService) Jobs(ctx context.Context) []domain.ExportJob {
	s.mu.Lock()
	changed := s.expireLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.store.Save(ctx, snapshot)
		s.observe(ctx, snapshot)
	}
	return snapshot
}

// DownloadURL resolves the remote download location for a completed job.
func (s *ExportsService) DownloadURL(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.findLocked(jobID)
	if !exists {
		return "", ErrJobNotFound
	}
	if job.Status != domain.JobStatusCompleted || job.DownloadURL == "" {
		return "", ErrNoDownload
	}
	return job.DownloadURL, nil
}

// applyUpdate is the poller's status callback. It merges the update under
// the terminal-state rules and persists the whole list.
func (s *ExportsService) applyUpdate(jobID string, update domain.StatusUpdate) {
	ctx := context.Background()

	s.mu.Lock()
	updated := make([]domain.ExportJob, 0, len(s.jobs))
	found := false
	for _, job := range s.jobs {
		if job.ID == jobID {
			found = true
			job = job.ApplyUpdate(update)
		}
		updated = append(updated, job)
	}
	if !found {
		s.mu.Unlock()
		return
	}
	s.jobs = updated
	s.expireLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.store.Save(ctx, snapshot)
	s.observe(ctx, snapshot)
}

// pollingLost fires when the poller gave up on a job. The job's own status
// is left alone: its true remote state is unknown, which is not the same as
// the export having failed.
func (s *ExportsService) pollingLost(jobID string, err error) {
	if s.logger != nil {
		s.logger.Printf("polling lost job_id=%s err=%v", jobID, err)
	}
	if s.dispatcher != nil {
		s.dispatcher.PollingLost(jobID, err)
	}
}

func (s *ExportsService) observe(ctx context.Context, snapshot []domain.ExportJob) {
	if s.dispatcher != nil {
		s.dispatcher.Observe(ctx, snapshot)
	}
}

func (s *ExportsService) findLocked(jobID string) (domain.ExportJob, bool) {
	for _, job := range s.jobs {
		if job.ID == jobID {
			return job, true
		}
	}
	return domain.ExportJob{}, false
}

func (s *ExportsService) snapshotLocked() []domain.ExportJob {
	snapshot := make([]domain.ExportJob, len(s.jobs))
	copy(snapshot, s.jobs)
	return snapshot
}

func (s *ExportsService) expireLocked() bool {
	now := s.now().UTC()
	changed := false
	for i, job := range s.jobs {
		if expired, ok := job.Expire(now); ok {
			s.jobs[i] = expired
			changed = true
		}
	}
	return changed
}

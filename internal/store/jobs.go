package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/lodgefeed/export-tracker/internal/domain"
	"github.com/lodgefeed/export-tracker/internal/kv"
)

// DefaultMaxAge is the retention window: jobs created earlier than this are
// silently dropped on load, regardless of status.
const DefaultMaxAge = 24 * time.Hour

const jobsKey = "export_jobs"

// Jobs persists the export job list. Persistence is best effort: the stored
// list is a convenience cache, not a system of record, so load and save never
// surface errors to the caller. Every mutation re-saves the whole list.
type Jobs interface {
	Load(ctx context.Context) []domain.ExportJob
	Save(ctx context.Context, jobs []domain.ExportJob)
}

// KVJobs stores the job list as one JSON document in a key-value backend.
type KVJobs struct {
	store  kv.Store
	maxAge time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewKVJobs(store kv.Store, maxAge time.Duration, logger *log.Logger) *KVJobs {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &KVJobs{
		store:  store,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

func (s *KVJobs) Load(ctx context.Context) []domain.ExportJob {
	raw, err := s.store.Get(ctx, jobsKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) && s.logger != nil {
			s.logger.Printf("job store load failed: %v", err)
		}
		return []domain.ExportJob{}
	}

	var jobs []domain.ExportJob
	if err := json.Unmarshal(raw, &jobs); err != nil {
		if s.logger != nil {
			s.logger.Printf("job store decode failed, discarding stored list: %v", err)
		}
		return []domain.ExportJob{}
	}

	return s.evictAged(jobs)
}

func (s *KVJobs) Save(ctx context.Context, jobs []domain.ExportJob) {
	if jobs == nil {
		jobs = []domain.ExportJob{}
	}
	encoded, err := json.Marshal(jobs)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("job store encode failed: %v", err)
		}
		return
	}
	if err := s.store.Set(ctx, jobsKey, encoded); err != nil && s.logger != nil {
		s.logger.Printf("job store save failed: %v", err)
	}
}

func (s *KVJobs) evictAged(jobs []domain.ExportJob) []domain.ExportJob {
	now := s.now().UTC()
	kept := make([]domain.ExportJob, 0, len(jobs))
	dropped := 0
	for _, job := range jobs {
		if job.OlderThan(now, s.maxAge) {
			dropped++
			continue
		}
		kept = append(kept, job)
	}
	if dropped > 0 && s.logger != nil {
		s.logger.Printf("job store evicted %d aged jobs", dropped)
	}
	return kept
}

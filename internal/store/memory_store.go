// Package store persists terminal run reports for later retrieval.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/tasklab/dagrun"
)

// MemoryStore is a thread-safe in-memory dagrun.ReportStore. Reports expire
// after a TTL so long-lived engines do not accumulate finished runs forever.
type MemoryStore struct {
	reports map[string]storedReport
	mutex   sync.RWMutex
	ttl     time.Duration
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
}

type storedReport struct {
	report     *dagrun.RunReport
	expiration int64
}

// NewMemoryStore creates an in-memory report store with the given TTL and
// starts a background cleanup loop.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		reports: make(map[string]storedReport),
		ttl:     ttl,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(10 * time.Minute)
	return s
}

// Put stores a run report under its run ID.
func (s *MemoryStore) Put(ctx context.Context, report *dagrun.RunReport) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	if report == nil || report.RunID == "" {
		return errbuilder.GenericErr("report must have a run ID", nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.reports[report.RunID] = storedReport{
		report:     report,
		expiration: time.Now().Add(s.ttl).UnixNano(),
	}
	s.logger.Debug("run report stored", "run_id", report.RunID, "status", report.Status)
	return nil
}

// Get retrieves the report for a run ID.
func (s *MemoryStore) Get(ctx context.Context, runID string) (*dagrun.RunReport, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	item, found := s.reports[runID]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("run report not found", nil))
	}

	if time.Now().UnixNano() > item.expiration {
		// Expired but not yet collected (lazy cleanup).
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("run report expired", nil))
	}

	return item.report, nil
}

// Close stops the background cleanup loop.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

// cleanupLoop periodically removes expired reports.
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mutex.Lock()
			now := time.Now().UnixNano()
			for runID, item := range s.reports {
				if now > item.expiration {
					delete(s.reports, runID)
				}
			}
			s.mutex.Unlock()
		}
	}
}

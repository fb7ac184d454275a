package scheduler

import (
	"sync"
	"time"
)

// Metrics tracks statistics about workflow runs driven by one scheduler.
type Metrics struct {
	TasksExecuted    int
	TasksSucceeded   int
	TasksFailed      int
	TasksSkipped     int
	TotalDuration    time.Duration
	LongestTaskTime  time.Duration
	ShortestTaskTime time.Duration
	TotalAttempts    int

	mu sync.Mutex // protects updates
}

// Copy returns a snapshot without the mutex.
func (m *Metrics) Copy() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		TasksExecuted:    m.TasksExecuted,
		TasksSucceeded:   m.TasksSucceeded,
		TasksFailed:      m.TasksFailed,
		TasksSkipped:     m.TasksSkipped,
		TotalDuration:    m.TotalDuration,
		LongestTaskTime:  m.LongestTaskTime,
		ShortestTaskTime: m.ShortestTaskTime,
		TotalAttempts:    m.TotalAttempts,
	}
}

// reset clears the metrics for a new run.
func (m *Metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TasksExecuted = 0
	m.TasksSucceeded = 0
	m.TasksFailed = 0
	m.TasksSkipped = 0
	m.TotalDuration = 0
	m.LongestTaskTime = 0
	m.ShortestTaskTime = time.Hour * 24
	m.TotalAttempts = 0
}

// recordExecuted accounts for one dispatched task's terminal outcome.
func (m *Metrics) recordExecuted(duration time.Duration, attempts int, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TasksExecuted++
	m.TotalDuration += duration
	m.TotalAttempts += attempts

	if duration > m.LongestTaskTime {
		m.LongestTaskTime = duration
	}
	if duration < m.ShortestTaskTime && duration > 0 {
		m.ShortestTaskTime = duration
	}

	if succeeded {
		m.TasksSucceeded++
	} else {
		m.TasksFailed++
	}
}

// recordSkipped accounts for a task foreclosed without execution.
func (m *Metrics) recordSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TasksSkipped++
}

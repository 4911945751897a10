package model

import "time"

// JobState is the lifecycle state of a dispatch job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateActive    JobState = "active"
	JobStateRetrying  JobState = "retrying"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether the state is never left once entered.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

type QueueType string

const (
	QueueSingle QueueType = "single"
	QueueBulk   QueueType = "bulk"
)

// Priority maps to a numeric weight; workers prefer higher weights but give
// no ordering guarantee beyond that.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// JobResult is the normalized outcome of one provider-facing send attempt.
// Immutable once produced.
type JobResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	To        string    `json:"to"`
	Provider  string    `json:"provider"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SendJob tracks one message through the single queue. Owned by the dispatch
// engine; only queue workers mutate it.
type SendJob struct {
	ID           string     `json:"id"`
	TenantID     int64      `json:"tenant_id"`
	Message      Message    `json:"message"`
	Priority     Priority   `json:"priority"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	State        JobState   `json:"state"`
	ProviderName string     `json:"provider_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}

// BulkSendJob aggregates N messages. Chunking into provider-facing batches
// happens at processing time, not at enqueue time.
type BulkSendJob struct {
	ID              string        `json:"id"`
	TenantID        int64         `json:"tenant_id"`
	Messages        []Message     `json:"messages"`
	BatchSize       int           `json:"batch_size"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
	Priority        Priority      `json:"priority"`
	ScheduledAt     *time.Time    `json:"scheduled_at,omitempty"`
	ProviderName    string        `json:"provider_name,omitempty"`
	State           JobState      `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
	ProcessedAt     *time.Time    `json:"processed_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Results         []JobResult   `json:"results,omitempty"`
}

// JobStatus is the caller-facing snapshot of a job. Terminal jobs always
// produce an identical snapshot.
type JobStatus struct {
	ID          string      `json:"id"`
	Queue       QueueType   `json:"queue"`
	State       JobState    `json:"state"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Result      *JobResult  `json:"result,omitempty"`
	Results     []JobResult `json:"results,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimasrn/message-dispatch/internal/model"
)

var (
	// ErrProviderInit is fatal: bad or missing credentials, unreachable
	// endpoint during Initialize. Adapters that fail to initialize are never
	// registered.
	ErrProviderInit = errors.New("provider initialization failed")

	// ErrTransient and ErrPermanent classify send failures for the retry
	// policy. They are carried inside JobResult errors, never thrown.
	ErrTransient = errors.New("transient send error")
	ErrPermanent = errors.New("permanent send error")
)

// Capabilities is static adapter metadata. The dispatch engine uses it to
// size bulk chunks and to gate features the channel cannot serve.
type Capabilities struct {
	BulkSMS          bool `json:"bulk_sms"`
	DeliveryReceipts bool `json:"delivery_receipts"`
	MaxMessageLength int  `json:"max_message_length"`
	MaxBulkSize      int  `json:"max_bulk_size"`
}

// SendOptions tune one send call.
type SendOptions struct {
	From            string
	BatchSize       int
	InterBatchDelay time.Duration
}

// Adapter is the uniform contract around one outbound channel.
//
// SendSingle and SendBulk never let a transport error escape: every failure
// is folded into a JobResult with Success=false so the engine can apply
// uniform retry bookkeeping. Only Initialize may fail hard.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	SendSingle(ctx context.Context, msg model.Message, opts SendOptions) model.JobResult
	SendBulk(ctx context.Context, msgs []model.Message, opts SendOptions) []model.JobResult
	DeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryReceipt, error)
	Capabilities() Capabilities
	HandleCallback(payload []byte) (*model.DeliveryReceipt, error)
	Stats() Stats
}

// Stats is a point-in-time view of one adapter's counters.
type Stats struct {
	Initialized    bool         `json:"initialized"`
	Capabilities   Capabilities `json:"capabilities"`
	TotalRequests  int64        `json:"total_requests"`
	SuccessfulReqs int64        `json:"successful_requests"`
	FailedReqs     int64        `json:"failed_requests"`
	AvgLatencyMs   int64        `json:"avg_latency_ms"`
}

// metrics tracks per-adapter request counters with atomics; adapters are
// called from many workers concurrently.
type metrics struct {
	totalRequests  atomic.Int64
	successfulReqs atomic.Int64
	failedReqs     atomic.Int64
	totalLatencyMs atomic.Int64
}

func (m *metrics) recordSuccess(latency time.Duration) {
	m.totalRequests.Add(1)
	m.successfulReqs.Add(1)
	m.totalLatencyMs.Add(latency.Milliseconds())
}

func (m *metrics) recordFailure() {
	m.totalRequests.Add(1)
	m.failedReqs.Add(1)
}

func (m *metrics) snapshot(initialized bool, caps Capabilities) Stats {
	total := m.totalRequests.Load()
	avg := int64(0)
	if ok := m.successfulReqs.Load(); ok > 0 {
		avg = m.totalLatencyMs.Load() / ok
	}
	return Stats{
		Initialized:    initialized,
		Capabilities:   caps,
		TotalRequests:  total,
		SuccessfulReqs: m.successfulReqs.Load(),
		FailedReqs:     m.failedReqs.Load(),
		AvgLatencyMs:   avg,
	}
}

// IsTransient reports whether a JobResult failure may succeed on retry.
// Results carry the classification as an error-string prefix set by
// failureResult.
func IsTransient(r model.JobResult) bool {
	return !r.Success && r.Status == statusTransient
}

const (
	statusTransient = "transient_failure"
	statusPermanent = "permanent_failure"
)

func failureResult(to, provider string, class error, err error) model.JobResult {
	status := statusPermanent
	if errors.Is(class, ErrTransient) {
		status = statusTransient
	}
	return model.JobResult{
		Success:   false,
		To:        to,
		Provider:  provider,
		Status:    status,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

func validationResult(to, provider string) model.JobResult {
	return model.JobResult{
		Success:   false,
		To:        to,
		Provider:  provider,
		Status:    statusPermanent,
		Error:     fmt.Sprintf("invalid phone number: %s", to),
		Timestamp: time.Now().UTC(),
	}
}

// BulkViaSingle is the default bulk behavior for adapters without a native
// batch call: fixed-size chunks, all messages of a chunk in flight at once,
// a pause between chunks. One message failing never aborts the batch.
func BulkViaSingle(ctx context.Context, a Adapter, msgs []model.Message, opts SendOptions) []model.JobResult {
	size := opts.BatchSize
	if size <= 0 {
		size = 50
	}
	if max := a.Capabilities().MaxBulkSize; max > 0 && size > max {
		size = max
	}

	results := make([]model.JobResult, len(msgs))
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = a.SendSingle(ctx, msgs[i], opts)
			}(i)
		}
		wg.Wait()

		if end < len(msgs) && opts.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				for i := end; i < len(msgs); i++ {
					results[i] = failureResult(msgs[i].To, a.Name(), ErrTransient, ctx.Err())
				}
				return results
			case <-time.After(opts.InterBatchDelay):
			}
		}
	}
	return results
}

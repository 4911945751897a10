package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/internal/provider"
	"github.com/nimasrn/message-dispatch/internal/quota"
	"github.com/nimasrn/message-dispatch/pkg/logger"
	"github.com/nimasrn/message-dispatch/pkg/prom"
	"github.com/nimasrn/message-dispatch/pkg/worker"
)

// Config tunes one Engine instance. Zero values fall back to the defaults
// applied in New.
type Config struct {
	SingleWorkers    int
	BulkWorkers      int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	MaxBulkMessages  int
	DefaultBatchSize int
	// DefaultInterBatchDelay paces bulk chunks when the caller does not set
	// a delay of their own.
	DefaultInterBatchDelay time.Duration
	SendTimeout            time.Duration
	ResultTTL              time.Duration
}

func (c *Config) applyDefaults() {
	if c.SingleWorkers <= 0 {
		c.SingleWorkers = 5
	}
	if c.BulkWorkers <= 0 {
		c.BulkWorkers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.MaxBulkMessages <= 0 {
		c.MaxBulkMessages = 1000
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 50
	}
	if c.DefaultInterBatchDelay <= 0 {
		c.DefaultInterBatchDelay = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 24 * time.Hour
	}
}

// EnqueueOptions are the caller-controlled knobs of one submission.
type EnqueueOptions struct {
	Provider        string
	Priority        model.Priority
	ScheduledAt     *time.Time
	BatchSize       int
	InterBatchDelay time.Duration
}

// Engine is the dispatch core: two queues, two worker pools, an in-memory
// job table and a Store for processed markers and delivery receipts. All
// collaborators are injected; tests run it against stub adapters and the
// in-memory queue.
type Engine struct {
	cfg      Config
	registry *provider.Registry
	quotas   *quota.Manager
	store    Store

	singleQueue Queue
	bulkQueue   Queue
	singlePool  *worker.Pool
	bulkPool    *worker.Pool

	mu         sync.RWMutex
	singleJobs map[string]*model.SendJob
	bulkJobs   map[string]*model.BulkSendJob

	// lifetime counters, mirrored by the prometheus metrics but cheap
	// enough to serve from the stats endpoint directly
	queued atomic.Int64
	sent   atomic.Int64
	failed atomic.Int64

	sendDurTotal atomic.Int64
	sendDurCount atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	startedAt time.Time
}

func New(cfg Config, registry *provider.Registry, quotas *quota.Manager, singleQueue, bulkQueue Queue, store Store) *Engine {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		registry:    registry,
		quotas:      quotas,
		store:       store,
		singleQueue: singleQueue,
		bulkQueue:   bulkQueue,
		singleJobs:  make(map[string]*model.SendJob),
		bulkJobs:    make(map[string]*model.BulkSendJob),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.singlePool = worker.NewPool(0, cfg.SingleWorkers)
	e.singlePool.SetHandler(func(_ int, job interface{}) {
		e.processSingle(job.(*Envelope))
	})
	e.bulkPool = worker.NewPool(0, cfg.BulkWorkers)
	e.bulkPool.SetHandler(func(_ int, job interface{}) {
		e.processBulk(job.(*Envelope))
	})
	return e
}

// Start launches the worker pools and one dispatcher per queue. Safe to call
// once; Stop shuts everything down in order.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.singlePool.Start()
	e.bulkPool.Start()

	e.wg.Add(2)
	go e.dispatch(e.singleQueue, e.singlePool, "single")
	go e.dispatch(e.bulkQueue, e.bulkPool, "bulk")
	logger.Info("dispatch engine started",
		"single_workers", e.cfg.SingleWorkers,
		"bulk_workers", e.cfg.BulkWorkers)
}

// Stop drains in-flight work: dispatchers exit first, then the pools finish
// jobs already handed to a worker.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.singlePool.Stop()
	e.bulkPool.Stop()
	logger.Info("dispatch engine stopped")
}

// dispatch is the bridge from a queue to its pool. The pool is unbuffered,
// so a full pool exerts backpressure right here instead of piling up
// dequeued envelopes.
func (e *Engine) dispatch(q Queue, pool *worker.Pool, name string) {
	defer e.wg.Done()
	for {
		env, err := q.Dequeue(e.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			logger.Error("dequeue failed", "queue", name, "error", err)
			continue
		}
		if !pool.Enqueue(env) {
			return
		}
	}
}

// EnqueueMessage validates, reserves quota and queues one message. Quota is
// consumed at admission, so a tenant can never oversubscribe the queue past
// its limits.
func (e *Engine) EnqueueMessage(ctx context.Context, tenantID int64, msg model.Message, opts EnqueueOptions) (*model.SendJob, error) {
	adapter, err := e.registry.Get(opts.Provider)
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(adapter.Capabilities().MaxMessageLength); err != nil {
		return nil, err
	}
	priority, err := resolvePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	decision, err := e.quotas.Reserve(ctx, tenantID, 1)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		prom.IncQuotaDenied(decision.Reason)
		return nil, fmt.Errorf("%w: %s", model.ErrQuotaExceeded, decision.Reason)
	}

	job := &model.SendJob{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Message:      msg,
		Priority:     priority,
		ScheduledAt:  opts.ScheduledAt,
		MaxAttempts:  e.cfg.MaxAttempts,
		State:        model.JobStatePending,
		ProviderName: adapter.Name(),
		CreatedAt:    time.Now().UTC(),
	}

	e.mu.Lock()
	e.singleJobs[job.ID] = job
	e.mu.Unlock()

	if err := e.singleQueue.Enqueue(ctx, e.envelope(job.ID, job, priority, opts.ScheduledAt)); err != nil {
		e.mu.Lock()
		delete(e.singleJobs, job.ID)
		e.mu.Unlock()
		e.releaseQuota(ctx, tenantID, 1)
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	e.queued.Add(1)
	prom.IncMessagesQueued("single")
	return e.snapshotSingle(job), nil
}

// EnqueueBulk admits a whole batch atomically: quota for len(messages) is
// reserved up front, and a denial rejects the entire batch.
func (e *Engine) EnqueueBulk(ctx context.Context, tenantID int64, msgs []model.Message, opts EnqueueOptions) (*model.BulkSendJob, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: bulk request has no messages", model.ErrValidation)
	}
	if len(msgs) > e.cfg.MaxBulkMessages {
		return nil, fmt.Errorf("%w: bulk request exceeds %d messages", model.ErrValidation, e.cfg.MaxBulkMessages)
	}
	adapter, err := e.registry.Get(opts.Provider)
	if err != nil {
		return nil, err
	}
	maxLen := adapter.Capabilities().MaxMessageLength
	for i, msg := range msgs {
		if err := msg.Validate(maxLen); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	priority, err := resolvePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	decision, err := e.quotas.Reserve(ctx, tenantID, int64(len(msgs)))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		prom.IncQuotaDenied(decision.Reason)
		return nil, fmt.Errorf("%w: %s", model.ErrQuotaExceeded, decision.Reason)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.DefaultBatchSize
	}
	interBatchDelay := opts.InterBatchDelay
	if interBatchDelay <= 0 {
		interBatchDelay = e.cfg.DefaultInterBatchDelay
	}
	job := &model.BulkSendJob{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Messages:        msgs,
		BatchSize:       batchSize,
		InterBatchDelay: interBatchDelay,
		Priority:        priority,
		ScheduledAt:     opts.ScheduledAt,
		ProviderName:    adapter.Name(),
		State:           model.JobStatePending,
		CreatedAt:       time.Now().UTC(),
	}

	e.mu.Lock()
	e.bulkJobs[job.ID] = job
	e.mu.Unlock()

	if err := e.bulkQueue.Enqueue(ctx, e.envelope(job.ID, job, priority, opts.ScheduledAt)); err != nil {
		e.mu.Lock()
		delete(e.bulkJobs, job.ID)
		e.mu.Unlock()
		e.releaseQuota(ctx, tenantID, int64(len(msgs)))
		return nil, fmt.Errorf("failed to enqueue bulk job: %w", err)
	}
	e.queued.Add(int64(len(msgs)))
	prom.IncMessagesQueued("bulk")
	return e.snapshotBulk(job), nil
}

// releaseQuota compensates a Reserve whose job never made it onto the
// queue. Failure to release leaks at most count units until the window
// rolls, so a warning is enough.
func (e *Engine) releaseQuota(ctx context.Context, tenantID int64, count int64) {
	if err := e.quotas.Release(ctx, tenantID, count); err != nil {
		logger.Warn("failed to release reserved quota",
			"tenant_id", tenantID,
			"count", count,
			"error", err)
	}
}

func (e *Engine) envelope(id string, payload interface{}, priority model.Priority, scheduledAt *time.Time) *Envelope {
	env := &Envelope{ID: id, Priority: priority.Weight()}
	if scheduledAt != nil {
		env.NotBefore = *scheduledAt
	}
	if b, err := json.Marshal(payload); err == nil {
		env.Payload = b
	}
	return env
}

func resolvePriority(p model.Priority) (model.Priority, error) {
	if p == "" {
		return model.PriorityNormal, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", model.ErrValidation, p)
	}
	return p, nil
}

// processSingle runs one delivery attempt. Transient failures go back on the
// queue with exponential backoff; permanent failures and exhausted attempts
// are terminal. A processed marker in the Store keeps re-delivered envelopes
// (queue crash, visibility timeout) from sending the message twice.
func (e *Engine) processSingle(env *Envelope) {
	job := e.lookupSingle(env)
	if job == nil {
		logger.Warn("dropping envelope for unknown job", "job_id", env.ID)
		_ = e.singleQueue.Ack(e.ctx, env)
		return
	}
	if !e.claimProcessed(job.ID) {
		_ = e.singleQueue.Ack(e.ctx, env)
		return
	}

	adapter, err := e.registry.Get(job.ProviderName)
	if err != nil {
		e.finishSingle(job, model.JobStateFailed, &model.JobResult{
			Success:   false,
			To:        job.Message.To,
			Provider:  job.ProviderName,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		_ = e.singleQueue.Fail(e.ctx, env)
		return
	}

	env.Attempts++
	e.mu.Lock()
	job.State = model.JobStateActive
	job.Attempts = env.Attempts
	if job.ProcessedAt == nil {
		now := time.Now().UTC()
		job.ProcessedAt = &now
	}
	e.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SendTimeout)
	result := adapter.SendSingle(ctx, job.Message, provider.SendOptions{From: job.Message.From})
	cancel()
	e.recordSend(time.Since(start), 1)

	switch {
	case result.Success:
		e.finishSingle(job, model.JobStateCompleted, &result)
		_ = e.singleQueue.Ack(e.ctx, env)
		e.sent.Add(1)
		prom.IncMessagesSent(job.ProviderName, "single")
		prom.AddDeliveryDuration(time.Since(job.CreatedAt).Seconds(), job.ProviderName)

	case provider.IsTransient(result) && env.Attempts < job.MaxAttempts:
		delay := e.retryDelay(env.Attempts)
		e.mu.Lock()
		job.State = model.JobStateRetrying
		job.Result = &result
		e.mu.Unlock()
		logger.Warn("send failed, scheduling retry",
			"job_id", job.ID,
			"attempt", env.Attempts,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			"error", result.Error)
		e.releaseProcessed(job.ID)
		if err := e.singleQueue.Retry(e.ctx, env, delay); err != nil {
			e.finishSingle(job, model.JobStateFailed, &result)
			e.failed.Add(1)
			prom.IncMessagesFailed(job.ProviderName, "single")
		}

	default:
		e.finishSingle(job, model.JobStateFailed, &result)
		_ = e.singleQueue.Fail(e.ctx, env)
		e.failed.Add(1)
		prom.IncMessagesFailed(job.ProviderName, "single")
		logger.Error("send failed permanently",
			"job_id", job.ID,
			"attempts", env.Attempts,
			"status", result.Status,
			"error", result.Error)
	}
}

// processBulk delivers a batch in provider-sized chunks, sequentially, with
// the configured pause between chunks. Partial failure is not an error: the
// job completes with per-message results.
func (e *Engine) processBulk(env *Envelope) {
	job := e.lookupBulk(env)
	if job == nil {
		logger.Warn("dropping envelope for unknown bulk job", "job_id", env.ID)
		_ = e.bulkQueue.Ack(e.ctx, env)
		return
	}
	if !e.claimProcessed(job.ID) {
		_ = e.bulkQueue.Ack(e.ctx, env)
		return
	}

	adapter, err := e.registry.Get(job.ProviderName)
	if err != nil {
		e.finishBulk(job, model.JobStateFailed, nil)
		_ = e.bulkQueue.Fail(e.ctx, env)
		return
	}

	e.mu.Lock()
	job.State = model.JobStateActive
	now := time.Now().UTC()
	job.ProcessedAt = &now
	messages := job.Messages
	chunkSize := job.BatchSize
	delay := job.InterBatchDelay
	e.mu.Unlock()

	if max := adapter.Capabilities().MaxBulkSize; max > 0 && chunkSize > max {
		chunkSize = max
	}
	if chunkSize <= 0 {
		chunkSize = e.cfg.DefaultBatchSize
	}

	results := make([]model.JobResult, 0, len(messages))
	for start := 0; start < len(messages); start += chunkSize {
		end := start + chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		chunk := messages[start:end]

		start := time.Now()
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SendTimeout)
		chunkResults := adapter.SendBulk(ctx, chunk, provider.SendOptions{BatchSize: len(chunk)})
		cancel()
		e.recordSend(time.Since(start), int64(len(chunk)))
		results = append(results, chunkResults...)

		if end < len(messages) && delay > 0 {
			select {
			case <-e.ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	sent, failed := 0, 0
	for _, r := range results {
		if r.Success {
			sent++
		} else {
			failed++
		}
	}
	e.sent.Add(int64(sent))
	e.failed.Add(int64(failed))
	prom.AddCounterVec(prom.SystemDispatch, prom.MetricMessagesSent, float64(sent), job.ProviderName, "bulk")
	prom.AddCounterVec(prom.SystemDispatch, prom.MetricMessagesFailed, float64(failed), job.ProviderName, "bulk")

	e.finishBulk(job, model.JobStateCompleted, results)
	_ = e.bulkQueue.Ack(e.ctx, env)
	logger.Info("bulk job finished",
		"job_id", job.ID,
		"messages", len(messages),
		"sent", sent,
		"failed", failed)
}

func (e *Engine) recordSend(elapsed time.Duration, messages int64) {
	e.sendDurTotal.Add(int64(elapsed))
	e.sendDurCount.Add(messages)
}

func (e *Engine) retryDelay(attempts int) time.Duration {
	delay := e.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	if delay > e.cfg.RetryMaxDelay {
		delay = e.cfg.RetryMaxDelay
	}
	return delay
}

// lookupSingle resolves the job table entry, rehydrating from the envelope
// payload when the table was lost across a restart of a durable deployment.
func (e *Engine) lookupSingle(env *Envelope) *model.SendJob {
	e.mu.RLock()
	job := e.singleJobs[env.ID]
	e.mu.RUnlock()
	if job != nil || len(env.Payload) == 0 {
		return job
	}

	var restored model.SendJob
	if err := json.Unmarshal(env.Payload, &restored); err != nil || restored.ID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.singleJobs[restored.ID]; ok {
		return existing
	}
	e.singleJobs[restored.ID] = &restored
	return &restored
}

func (e *Engine) lookupBulk(env *Envelope) *model.BulkSendJob {
	e.mu.RLock()
	job := e.bulkJobs[env.ID]
	e.mu.RUnlock()
	if job != nil || len(env.Payload) == 0 {
		return job
	}

	var restored model.BulkSendJob
	if err := json.Unmarshal(env.Payload, &restored); err != nil || restored.ID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.bulkJobs[restored.ID]; ok {
		return existing
	}
	e.bulkJobs[restored.ID] = &restored
	return &restored
}

// claimProcessed takes ownership of one delivery via SetNX. A false return
// means another consumer (or an earlier attempt of this one) holds the
// marker, so the redelivered envelope must be acked without sending. Store
// errors fail open: losing the marker risks a duplicate, dropping the
// message does not.
func (e *Engine) claimProcessed(jobID string) bool {
	ok, err := e.store.SetNX(e.ctx, "processed:"+jobID, []byte("1"), e.cfg.ResultTTL)
	if err != nil {
		logger.Warn("failed to claim processed marker", "job_id", jobID, "error", err)
		return true
	}
	return ok
}

// releaseProcessed hands the claim back before a retry republish so the
// next delivery attempt can claim it again.
func (e *Engine) releaseProcessed(jobID string) {
	if err := e.store.Delete(e.ctx, "processed:"+jobID); err != nil {
		logger.Warn("failed to release processed marker", "job_id", jobID, "error", err)
	}
}

func (e *Engine) markProcessed(jobID string) {
	if err := e.store.Set(e.ctx, "processed:"+jobID, []byte("1"), e.cfg.ResultTTL); err != nil {
		logger.Warn("failed to persist processed marker", "job_id", jobID, "error", err)
	}
}

func (e *Engine) finishSingle(job *model.SendJob, state model.JobState, result *model.JobResult) {
	e.mu.Lock()
	job.State = state
	job.Result = result
	now := time.Now().UTC()
	job.FinishedAt = &now
	e.mu.Unlock()
	e.markProcessed(job.ID)
}

func (e *Engine) finishBulk(job *model.BulkSendJob, state model.JobState, results []model.JobResult) {
	e.mu.Lock()
	job.State = state
	job.Results = results
	now := time.Now().UTC()
	job.FinishedAt = &now
	e.mu.Unlock()
	e.markProcessed(job.ID)
}

// JobStatus returns a stable snapshot by job ID. Terminal jobs always yield
// the same snapshot on repeated calls.
func (e *Engine) JobStatus(id string) (*model.JobStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if job, ok := e.singleJobs[id]; ok {
		return &model.JobStatus{
			ID:          job.ID,
			Queue:       model.QueueSingle,
			State:       job.State,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			Result:      copyResult(job.Result),
			CreatedAt:   job.CreatedAt,
			ProcessedAt: copyTime(job.ProcessedAt),
			FinishedAt:  copyTime(job.FinishedAt),
		}, nil
	}
	if job, ok := e.bulkJobs[id]; ok {
		return &model.JobStatus{
			ID:          job.ID,
			Queue:       model.QueueBulk,
			State:       job.State,
			Results:     append([]model.JobResult(nil), job.Results...),
			CreatedAt:   job.CreatedAt,
			ProcessedAt: copyTime(job.ProcessedAt),
			FinishedAt:  copyTime(job.FinishedAt),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
}

func (e *Engine) snapshotSingle(job *model.SendJob) *model.SendJob {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := *job
	out.Result = copyResult(job.Result)
	return &out
}

func (e *Engine) snapshotBulk(job *model.BulkSendJob) *model.BulkSendJob {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := *job
	out.Messages = append([]model.Message(nil), job.Messages...)
	out.Results = append([]model.JobResult(nil), job.Results...)
	return &out
}

func copyResult(r *model.JobResult) *model.JobResult {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// Stats aggregates queue depths, job-state counts, provider counters and
// lifetime service totals for the stats endpoint.
type Stats struct {
	SingleQueue QueueStats             `json:"single_queue"`
	BulkQueue   QueueStats             `json:"bulk_queue"`
	Jobs        map[string]int64       `json:"jobs"`
	Providers   provider.RegistryStats `json:"providers"`
	Service     ServiceStats           `json:"service"`
}

// ServiceStats are engine-lifetime message totals.
type ServiceStats struct {
	MessagesSent   int64  `json:"messages_sent"`
	MessagesQueued int64  `json:"messages_queued"`
	MessagesFailed int64  `json:"messages_failed"`
	Uptime         string `json:"uptime,omitempty"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		SingleQueue: e.singleQueue.Stats(),
		BulkQueue:   e.bulkQueue.Stats(),
		Jobs:        make(map[string]int64),
		Providers:   e.registry.Stats(),
		Service: ServiceStats{
			MessagesSent:   e.sent.Load(),
			MessagesQueued: e.queued.Load(),
			MessagesFailed: e.failed.Load(),
		},
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.started {
		s.Service.Uptime = time.Since(e.startedAt).Round(time.Second).String()
	}
	for _, job := range e.singleJobs {
		s.Jobs[string(job.State)]++
	}
	for _, job := range e.bulkJobs {
		s.Jobs[string(job.State)]++
	}
	return s
}

// EstimateProcessingTime projects how long a freshly queued job would wait
// before finishing: backlog rounds across the queue's workers times the
// observed average per-message send duration. Before any send has completed
// the estimate assumes one second per message.
func (e *Engine) EstimateProcessingTime(queue model.QueueType) time.Duration {
	q, workers := e.singleQueue, e.cfg.SingleWorkers
	if queue == model.QueueBulk {
		q, workers = e.bulkQueue, e.cfg.BulkWorkers
	}

	perMessage := time.Second
	if n := e.sendDurCount.Load(); n > 0 {
		perMessage = time.Duration(e.sendDurTotal.Load() / n)
	}

	depth := q.Stats()
	rounds := (depth.Waiting+depth.Active)/int64(workers) + 1
	return time.Duration(rounds) * perMessage
}

// HandleWebhook routes a provider callback to its adapter and preserves the
// parsed receipt for later status lookups.
func (e *Engine) HandleWebhook(ctx context.Context, providerName string, payload []byte) (*model.DeliveryReceipt, error) {
	adapter, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	receipt, err := adapter.HandleCallback(payload)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(receipt); err == nil {
		if err := e.store.Set(ctx, "receipt:"+receipt.MessageID, b, e.cfg.ResultTTL); err != nil {
			logger.Warn("failed to store delivery receipt", "message_id", receipt.MessageID, "error", err)
		}
	}
	return receipt, nil
}

// DeliveryStatus answers from stored webhook receipts first and falls back
// to polling the provider.
func (e *Engine) DeliveryStatus(ctx context.Context, providerName, messageID string) (*model.DeliveryReceipt, error) {
	if b, err := e.store.Get(ctx, "receipt:"+messageID); err == nil {
		var receipt model.DeliveryReceipt
		if err := json.Unmarshal(b, &receipt); err == nil {
			return &receipt, nil
		}
	}
	adapter, err := e.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	return adapter.DeliveryStatus(ctx, messageID)
}

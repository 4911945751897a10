package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/internal/provider"
	"github.com/nimasrn/message-dispatch/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAdapter lets each test decide how sends behave, per attempt.
type scriptedAdapter struct {
	name string
	caps provider.Capabilities

	mu         sync.Mutex
	attempts   map[string]int
	callTimes  map[string][]time.Time
	chunkSizes []int
	script     func(attempt int, msg model.Message) model.JobResult
}

func newScriptedAdapter(caps provider.Capabilities) *scriptedAdapter {
	a := &scriptedAdapter{
		name:      "scripted",
		caps:      caps,
		attempts:  make(map[string]int),
		callTimes: make(map[string][]time.Time),
	}
	a.script = func(attempt int, msg model.Message) model.JobResult {
		return model.JobResult{
			Success:   true,
			MessageID: fmt.Sprintf("scripted-%s-%d", msg.To, attempt),
			To:        msg.To,
			Provider:  a.name,
			Timestamp: time.Now().UTC(),
		}
	}
	return a
}

func (a *scriptedAdapter) Name() string                         { return a.name }
func (a *scriptedAdapter) Capabilities() provider.Capabilities  { return a.caps }
func (a *scriptedAdapter) Initialize(ctx context.Context) error { return nil }
func (a *scriptedAdapter) Stats() provider.Stats                { return provider.Stats{Initialized: true} }

func (a *scriptedAdapter) SendSingle(ctx context.Context, msg model.Message, opts provider.SendOptions) model.JobResult {
	a.mu.Lock()
	a.attempts[msg.To]++
	attempt := a.attempts[msg.To]
	a.callTimes[msg.To] = append(a.callTimes[msg.To], time.Now())
	script := a.script
	a.mu.Unlock()
	return script(attempt, msg)
}

func (a *scriptedAdapter) SendBulk(ctx context.Context, msgs []model.Message, opts provider.SendOptions) []model.JobResult {
	a.mu.Lock()
	a.chunkSizes = append(a.chunkSizes, len(msgs))
	a.mu.Unlock()

	results := make([]model.JobResult, len(msgs))
	for i, msg := range msgs {
		results[i] = a.SendSingle(ctx, msg, opts)
	}
	return results
}

func (a *scriptedAdapter) DeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryReceipt, error) {
	return &model.DeliveryReceipt{MessageID: messageID, Status: "delivered", Provider: a.name}, nil
}

func (a *scriptedAdapter) HandleCallback(payload []byte) (*model.DeliveryReceipt, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", model.ErrValidation)
	}
	return &model.DeliveryReceipt{MessageID: "cb-1", Status: "delivered", Provider: a.name}, nil
}

func (a *scriptedAdapter) attemptCount(to string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[to]
}

func (a *scriptedAdapter) chunks() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.chunkSizes...)
}

type testEnv struct {
	engine  *Engine
	adapter *scriptedAdapter
	quotas  *quota.Manager
	tenant  *model.Tenant
}

func setupEngine(t *testing.T, cfg Config, caps provider.Capabilities, tenantQuotas model.Quotas) *testEnv {
	t.Helper()

	adapter := newScriptedAdapter(caps)
	registry := provider.NewRegistry()
	registry.Register(adapter.Name(), adapter)

	store := quota.NewMemoryStore()
	tenant, err := store.Create(context.Background(), &model.Tenant{
		APIKey: "key-" + t.Name(),
		Plan:   model.PlanBasic,
		Status: model.TenantActive,
		Quotas: tenantQuotas,
	})
	require.NoError(t, err)
	quotas := quota.NewManager(store)

	// Keep bulk tests fast unless a test exercises pacing explicitly.
	if cfg.DefaultInterBatchDelay == 0 {
		cfg.DefaultInterBatchDelay = time.Millisecond
	}

	eng := New(cfg, registry, quotas, NewMemoryQueue(), NewMemoryQueue(), NewMemoryStore())
	eng.Start()
	t.Cleanup(eng.Stop)

	return &testEnv{engine: eng, adapter: adapter, quotas: quotas, tenant: tenant}
}

func defaultCaps() provider.Capabilities {
	return provider.Capabilities{
		BulkSMS:          true,
		DeliveryReceipts: true,
		MaxMessageLength: 1530,
		MaxBulkSize:      50,
	}
}

func bigQuotas() model.Quotas {
	return model.Quotas{DailyLimit: 100_000, MonthlyLimit: 1_000_000}
}

func waitForTerminal(t *testing.T, eng *Engine, jobID string) *model.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := eng.JobStatus(jobID)
		require.NoError(t, err)
		if status.State.IsTerminal() {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestEngine_SingleMessageDelivery(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())
	ctx := context.Background()

	job, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{
		To:   "+14155550123",
		Body: "hello",
	}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatePending, job.State)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateCompleted, status.State)
	assert.Equal(t, 1, status.Attempts)
	require.NotNil(t, status.Result)
	assert.True(t, status.Result.Success)

	// Quota was consumed at admission.
	tenant, err := env.quotas.Tenant(ctx, env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tenant.Usage.Daily.Count)
}

func TestEngine_TransientFailureRetries(t *testing.T) {
	env := setupEngine(t, Config{
		MaxAttempts:    3,
		RetryBaseDelay: 30 * time.Millisecond,
	}, defaultCaps(), bigQuotas())

	env.adapter.script = func(attempt int, msg model.Message) model.JobResult {
		if attempt < 3 {
			return model.JobResult{
				Success:   false,
				To:        msg.To,
				Provider:  "scripted",
				Status:    "transient_failure",
				Error:     "carrier hiccup",
				Timestamp: time.Now().UTC(),
			}
		}
		return model.JobResult{Success: true, To: msg.To, Provider: "scripted", Timestamp: time.Now().UTC()}
	}

	start := time.Now()
	job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
		To:   "+14155550124",
		Body: "retry me",
	}, EnqueueOptions{})
	require.NoError(t, err)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateCompleted, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, 3, env.adapter.attemptCount("+14155550124"))
	// Two backoff waits: 30ms then 60ms.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestEngine_AttemptsExhausted(t *testing.T) {
	env := setupEngine(t, Config{
		MaxAttempts:    3,
		RetryBaseDelay: 10 * time.Millisecond,
	}, defaultCaps(), bigQuotas())

	env.adapter.script = func(attempt int, msg model.Message) model.JobResult {
		return model.JobResult{
			Success:   false,
			To:        msg.To,
			Provider:  "scripted",
			Status:    "transient_failure",
			Error:     "still down",
			Timestamp: time.Now().UTC(),
		}
	}

	job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
		To:   "+14155550125",
		Body: "doomed",
	}, EnqueueOptions{})
	require.NoError(t, err)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateFailed, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, 3, env.adapter.attemptCount("+14155550125"))
	assert.Equal(t, int64(1), env.engine.Stats().Service.MessagesFailed)
}

func TestEngine_PermanentFailureNeverRetries(t *testing.T) {
	env := setupEngine(t, Config{MaxAttempts: 3}, defaultCaps(), bigQuotas())

	env.adapter.script = func(attempt int, msg model.Message) model.JobResult {
		return model.JobResult{
			Success:   false,
			To:        msg.To,
			Provider:  "scripted",
			Status:    "permanent_failure",
			Error:     "invalid recipient",
			Timestamp: time.Now().UTC(),
		}
	}

	job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
		To:   "+14155550126",
		Body: "nope",
	}, EnqueueOptions{})
	require.NoError(t, err)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateFailed, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.Equal(t, 1, env.adapter.attemptCount("+14155550126"))
}

func TestEngine_QuotaDeniedAtAdmission(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), model.Quotas{DailyLimit: 1, MonthlyLimit: 10})
	ctx := context.Background()

	_, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{To: "+14155550127", Body: "one"}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{To: "+14155550128", Body: "two"}, EnqueueOptions{})
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
}

func TestEngine_ValidationErrors(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())
	ctx := context.Background()

	t.Run("bad recipient", func(t *testing.T) {
		_, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{To: "garbage", Body: "x"}, EnqueueOptions{})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("bad priority", func(t *testing.T) {
		_, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{To: "+14155550129", Body: "x"},
			EnqueueOptions{Priority: model.Priority("express")})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{To: "+14155550129", Body: "x"},
			EnqueueOptions{Provider: "ghost"})
		assert.ErrorIs(t, err, model.ErrProviderNotFound)
	})

	t.Run("empty bulk", func(t *testing.T) {
		_, err := env.engine.EnqueueBulk(ctx, env.tenant.ID, nil, EnqueueOptions{})
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("validation failures consume no quota", func(t *testing.T) {
		tenant, err := env.quotas.Tenant(ctx, env.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), tenant.Usage.Daily.Count)
	})
}

func TestEngine_BulkChunking(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())
	ctx := context.Background()

	msgs := make([]model.Message, 120)
	for i := range msgs {
		msgs[i] = model.Message{To: fmt.Sprintf("+1415666%04d", i), Body: "bulk"}
	}

	job, err := env.engine.EnqueueBulk(ctx, env.tenant.ID, msgs, EnqueueOptions{BatchSize: 50})
	require.NoError(t, err)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateCompleted, status.State)
	require.Len(t, status.Results, 120)
	assert.Equal(t, []int{50, 50, 20}, env.adapter.chunks())

	// The whole batch was reserved up front.
	tenant, err := env.quotas.Tenant(ctx, env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), tenant.Usage.Daily.Count)
}

func TestEngine_BulkPartialFailureCompletes(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())

	env.adapter.script = func(attempt int, msg model.Message) model.JobResult {
		if msg.To == "+14156660002" {
			return model.JobResult{
				Success:   false,
				To:        msg.To,
				Provider:  "scripted",
				Status:    "permanent_failure",
				Error:     "blocked",
				Timestamp: time.Now().UTC(),
			}
		}
		return model.JobResult{Success: true, To: msg.To, Provider: "scripted", Timestamp: time.Now().UTC()}
	}

	msgs := make([]model.Message, 5)
	for i := range msgs {
		msgs[i] = model.Message{To: fmt.Sprintf("+1415666%04d", i), Body: "bulk"}
	}

	job, err := env.engine.EnqueueBulk(context.Background(), env.tenant.ID, msgs, EnqueueOptions{})
	require.NoError(t, err)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateCompleted, status.State)
	require.Len(t, status.Results, 5)

	failed := 0
	for _, r := range status.Results {
		if !r.Success {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestEngine_BulkOversizeRejected(t *testing.T) {
	env := setupEngine(t, Config{MaxBulkMessages: 10}, defaultCaps(), bigQuotas())

	msgs := make([]model.Message, 11)
	for i := range msgs {
		msgs[i] = model.Message{To: fmt.Sprintf("+1415666%04d", i), Body: "bulk"}
	}

	_, err := env.engine.EnqueueBulk(context.Background(), env.tenant.ID, msgs, EnqueueOptions{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestEngine_ScheduledDelivery(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())

	scheduledAt := time.Now().Add(120 * time.Millisecond)
	job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
		To:   "+14155550130",
		Body: "later",
	}, EnqueueOptions{ScheduledAt: &scheduledAt})
	require.NoError(t, err)

	// Still waiting well before the scheduled time.
	time.Sleep(30 * time.Millisecond)
	status, err := env.engine.JobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatePending, status.State)

	status = waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateCompleted, status.State)
	require.NotNil(t, status.ProcessedAt)
	assert.False(t, status.ProcessedAt.Before(scheduledAt))
}

func TestEngine_JobStatus(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())

	t.Run("unknown job", func(t *testing.T) {
		_, err := env.engine.JobStatus("no-such-id")
		assert.ErrorIs(t, err, model.ErrJobNotFound)
	})

	t.Run("terminal snapshots are stable", func(t *testing.T) {
		job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
			To:   "+14155550131",
			Body: "snapshot",
		}, EnqueueOptions{})
		require.NoError(t, err)

		first := waitForTerminal(t, env.engine, job.ID)
		second, err := env.engine.JobStatus(job.ID)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestEngine_Webhook(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())
	ctx := context.Background()

	t.Run("stores receipt and serves later lookups", func(t *testing.T) {
		receipt, err := env.engine.HandleWebhook(ctx, "scripted", []byte(`{"message_id":"cb-1"}`))
		require.NoError(t, err)
		assert.Equal(t, "cb-1", receipt.MessageID)

		got, err := env.engine.DeliveryStatus(ctx, "scripted", "cb-1")
		require.NoError(t, err)
		assert.Equal(t, receipt.MessageID, got.MessageID)
		assert.Equal(t, receipt.Status, got.Status)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := env.engine.HandleWebhook(ctx, "ghost", []byte(`{}`))
		assert.ErrorIs(t, err, model.ErrProviderNotFound)
	})

	t.Run("bad payload", func(t *testing.T) {
		_, err := env.engine.HandleWebhook(ctx, "scripted", nil)
		assert.True(t, errors.Is(err, model.ErrValidation))
	})
}

func TestEngine_Stats(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())

	job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
		To:   "+14155550132",
		Body: "stats",
	}, EnqueueOptions{})
	require.NoError(t, err)
	waitForTerminal(t, env.engine, job.ID)

	stats := env.engine.Stats()
	assert.Equal(t, int64(1), stats.Jobs["completed"])
	assert.Equal(t, 1, stats.Providers.Count)
	assert.Equal(t, "scripted", stats.Providers.Default)
	assert.Equal(t, int64(1), stats.Service.MessagesQueued)
	assert.Equal(t, int64(1), stats.Service.MessagesSent)
	assert.Equal(t, int64(0), stats.Service.MessagesFailed)
	assert.NotEmpty(t, stats.Service.Uptime)
}

func TestEngine_EstimateProcessingTime(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())

	// No sends observed yet: one round at the assumed second per message.
	assert.Equal(t, time.Second, env.engine.EstimateProcessingTime(model.QueueSingle))

	job, err := env.engine.EnqueueMessage(context.Background(), env.tenant.ID, model.Message{
		To:   "+14155550137",
		Body: "eta",
	}, EnqueueOptions{})
	require.NoError(t, err)
	waitForTerminal(t, env.engine, job.ID)

	// The stub adapter answers far faster than the cold-start assumption.
	est := env.engine.EstimateProcessingTime(model.QueueSingle)
	assert.GreaterOrEqual(t, est, time.Duration(0))
	assert.Less(t, est, time.Second)
}

func TestEngine_RedeliveredEnvelopeSendsOnce(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())
	ctx := context.Background()

	job, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{
		To:   "+14155550133",
		Body: "once",
	}, EnqueueOptions{})
	require.NoError(t, err)
	waitForTerminal(t, env.engine, job.ID)
	require.Equal(t, 1, env.adapter.attemptCount("+14155550133"))

	// Hand the same envelope back, the way a durable queue would after a
	// consumer crash or a visibility timeout.
	require.NoError(t, env.engine.singleQueue.Enqueue(ctx, &Envelope{ID: job.ID}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := env.engine.singleQueue.Stats()
		if s.Waiting == 0 && s.Delayed == 0 && s.Active == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, env.adapter.attemptCount("+14155550133"))
}

func TestEngine_BulkDefaultInterBatchDelay(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, time.Second, cfg.DefaultInterBatchDelay)

	env := setupEngine(t, Config{DefaultInterBatchDelay: 40 * time.Millisecond}, defaultCaps(), bigQuotas())

	msgs := make([]model.Message, 6)
	for i := range msgs {
		msgs[i] = model.Message{To: fmt.Sprintf("+1415777%04d", i), Body: "paced"}
	}

	start := time.Now()
	job, err := env.engine.EnqueueBulk(context.Background(), env.tenant.ID, msgs, EnqueueOptions{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, job.InterBatchDelay)

	status := waitForTerminal(t, env.engine, job.ID)
	assert.Equal(t, model.JobStateCompleted, status.State)
	// Three chunks, so two configured pauses.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestEngine_EnqueueFailureReleasesQuota(t *testing.T) {
	env := setupEngine(t, Config{}, defaultCaps(), bigQuotas())
	ctx := context.Background()

	require.NoError(t, env.engine.singleQueue.Close())
	require.NoError(t, env.engine.bulkQueue.Close())

	_, err := env.engine.EnqueueMessage(ctx, env.tenant.ID, model.Message{To: "+14155550134", Body: "x"}, EnqueueOptions{})
	require.Error(t, err)

	msgs := []model.Message{
		{To: "+14155550135", Body: "x"},
		{To: "+14155550136", Body: "x"},
	}
	_, err = env.engine.EnqueueBulk(ctx, env.tenant.ID, msgs, EnqueueOptions{})
	require.Error(t, err)

	tenant, err := env.quotas.Tenant(ctx, env.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tenant.Usage.Daily.Count)
	assert.Equal(t, int64(0), tenant.Usage.Monthly.Count)
}

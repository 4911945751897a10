package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nimasrn/message-dispatch/internal/engine"
	"github.com/nimasrn/message-dispatch/internal/model"
	xhttp "github.com/nimasrn/message-dispatch/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockDispatchService struct {
	mock.Mock
}

func (m *MockDispatchService) EnqueueMessage(ctx context.Context, tenantID int64, msg model.Message, opts engine.EnqueueOptions) (*model.SendJob, error) {
	args := m.Called(ctx, tenantID, msg, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SendJob), args.Error(1)
}

func (m *MockDispatchService) EnqueueBulk(ctx context.Context, tenantID int64, msgs []model.Message, opts engine.EnqueueOptions) (*model.BulkSendJob, error) {
	args := m.Called(ctx, tenantID, msgs, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BulkSendJob), args.Error(1)
}

func (m *MockDispatchService) JobStatus(id string) (*model.JobStatus, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobStatus), args.Error(1)
}

func (m *MockDispatchService) EstimateProcessingTime(queue model.QueueType) time.Duration {
	args := m.Called(queue)
	return args.Get(0).(time.Duration)
}

func (m *MockDispatchService) Stats() engine.Stats {
	args := m.Called()
	return args.Get(0).(engine.Stats)
}

type MockTenantResolver struct {
	mock.Mock
}

func (m *MockTenantResolver) TenantByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	args := m.Called(ctx, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func authedContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := setupTestContext(method, path, body)
	ctx.Request.Header.Set("X-Api-Key", "valid-key")
	return ctx
}

func knownTenant() *model.Tenant {
	return &model.Tenant{ID: 7, APIKey: "valid-key", Status: model.TenantActive}
}

func TestDispatchHandler_CreateMessage(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)

		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)

		expected := &model.SendJob{ID: "job-1", State: model.JobStatePending}
		svc.On("EnqueueMessage", mock.Anything, int64(7), mock.MatchedBy(func(m model.Message) bool {
			return m.To == "+14155550123" && m.Body == "hello"
		}), mock.MatchedBy(func(o engine.EnqueueOptions) bool {
			return o.Priority == model.PriorityHigh
		})).Return(expected, nil)
		svc.On("EstimateProcessingTime", model.QueueSingle).Return(2 * time.Second)

		body, _ := json.Marshal(createMessageRequest{
			To:       "+14155550123",
			Body:     "hello",
			Priority: "high",
		})
		ctx := authedContext("POST", "/api/v1/messages", body)
		handler.CreateMessage(ctx)

		assert.Equal(t, 202, ctx.Response.StatusCode())

		var got createMessageResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &got))
		assert.True(t, got.Success)
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, model.JobStatePending, got.State)
		assert.Equal(t, "2s", got.EstimatedProcessingTime)

		svc.AssertExpectations(t)
		tenants.AssertExpectations(t)
	})

	t.Run("missing api key", func(t *testing.T) {
		handler := NewDispatchHandler(new(MockDispatchService), new(MockTenantResolver))
		ctx := setupTestContext("POST", "/api/v1/messages", []byte(`{}`))
		handler.CreateMessage(ctx)
		assert.Equal(t, 401, ctx.Response.StatusCode())
	})

	t.Run("unknown api key", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(nil, model.ErrInvalidAPIKey)

		ctx := authedContext("POST", "/api/v1/messages", []byte(`{}`))
		handler.CreateMessage(ctx)
		assert.Equal(t, 401, ctx.Response.StatusCode())
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)

		ctx := authedContext("POST", "/api/v1/messages", []byte("not json"))
		handler.CreateMessage(ctx)
		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("validation error maps to 400", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)
		svc.On("EnqueueMessage", mock.Anything, int64(7), mock.Anything, mock.Anything).
			Return(nil, model.ErrValidation)

		ctx := authedContext("POST", "/api/v1/messages", []byte(`{"to":"bad","body":"x"}`))
		handler.CreateMessage(ctx)
		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("quota exceeded maps to 429", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)
		svc.On("EnqueueMessage", mock.Anything, int64(7), mock.Anything, mock.Anything).
			Return(nil, model.ErrQuotaExceeded)

		ctx := authedContext("POST", "/api/v1/messages", []byte(`{"to":"+14155550123","body":"x"}`))
		handler.CreateMessage(ctx)
		assert.Equal(t, 429, ctx.Response.StatusCode())
	})
}

func TestDispatchHandler_CreateBulk(t *testing.T) {
	t.Run("accepted with batch options", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)

		expected := &model.BulkSendJob{
			ID:    "bulk-1",
			State: model.JobStatePending,
			Messages: []model.Message{
				{To: "+14155550001", Body: "a"},
				{To: "+14155550002", Body: "b"},
			},
			BatchSize: 10,
		}
		svc.On("EnqueueBulk", mock.Anything, int64(7), mock.MatchedBy(func(msgs []model.Message) bool {
			return len(msgs) == 2
		}), mock.MatchedBy(func(o engine.EnqueueOptions) bool {
			return o.BatchSize == 10 && o.InterBatchDelay == 250*time.Millisecond
		})).Return(expected, nil)
		svc.On("EstimateProcessingTime", model.QueueBulk).Return(5 * time.Second)

		body, _ := json.Marshal(createBulkRequest{
			Messages: []createBulkMessage{
				{To: "+14155550001", Body: "a"},
				{To: "+14155550002", Body: "b"},
			},
			BatchSize:         10,
			InterBatchDelayMs: 250,
		})
		ctx := authedContext("POST", "/api/v1/messages/bulk", body)
		handler.CreateBulk(ctx)

		assert.Equal(t, 202, ctx.Response.StatusCode())

		var got createBulkResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &got))
		assert.True(t, got.Success)
		assert.Equal(t, "bulk-1", got.JobID)
		assert.Equal(t, 2, got.MessageCount)
		assert.Equal(t, 10, got.BatchSize)
		assert.Equal(t, "5s", got.EstimatedProcessingTime)

		svc.AssertExpectations(t)
	})
}

func TestDispatchHandler_GetJob(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)
		svc.On("JobStatus", "job-1").Return(&model.JobStatus{
			ID:    "job-1",
			Queue: model.QueueSingle,
			State: model.JobStateCompleted,
		}, nil)

		ctx := authedContext("GET", "/api/v1/jobs/job-1", nil)
		ctx.SetUserValue("id", "job-1")
		handler.GetJob(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var got model.JobStatus
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &got))
		assert.Equal(t, model.JobStateCompleted, got.State)
	})

	t.Run("not found maps to 404", func(t *testing.T) {
		svc := new(MockDispatchService)
		tenants := new(MockTenantResolver)
		handler := NewDispatchHandler(svc, tenants)
		tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)
		svc.On("JobStatus", "ghost").Return(nil, model.ErrJobNotFound)

		ctx := authedContext("GET", "/api/v1/jobs/ghost", nil)
		ctx.SetUserValue("id", "ghost")
		handler.GetJob(ctx)
		assert.Equal(t, 404, ctx.Response.StatusCode())
	})
}

func TestDispatchHandler_GetStats(t *testing.T) {
	svc := new(MockDispatchService)
	tenants := new(MockTenantResolver)
	handler := NewDispatchHandler(svc, tenants)
	tenants.On("TenantByAPIKey", mock.Anything, "valid-key").Return(knownTenant(), nil)
	svc.On("Stats").Return(engine.Stats{
		Jobs: map[string]int64{"completed": 3},
		Service: engine.ServiceStats{
			MessagesSent:   3,
			MessagesQueued: 4,
			MessagesFailed: 1,
		},
	})

	ctx := authedContext("GET", "/api/v1/stats", nil)
	handler.GetStats(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())

	var got engine.Stats
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &got))
	assert.Equal(t, int64(3), got.Jobs["completed"])
	assert.Equal(t, int64(3), got.Service.MessagesSent)
	assert.Equal(t, int64(4), got.Service.MessagesQueued)
	assert.Equal(t, int64(1), got.Service.MessagesFailed)
}

type MockWebhookService struct {
	mock.Mock
}

func (m *MockWebhookService) HandleWebhook(ctx context.Context, providerName string, payload []byte) (*model.DeliveryReceipt, error) {
	args := m.Called(ctx, providerName, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeliveryReceipt), args.Error(1)
}

func TestWebhookHandler_ReceiveCallback(t *testing.T) {
	t.Run("valid callback", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)

		payload := []byte(`{"message_id":"m1","status":"delivered"}`)
		svc.On("HandleWebhook", mock.Anything, "primary", payload).Return(&model.DeliveryReceipt{
			MessageID: "m1",
			Status:    "delivered",
		}, nil)

		ctx := setupTestContext("POST", "/api/v1/webhooks/primary", payload)
		ctx.SetUserValue("provider", "primary")
		handler.ReceiveCallback(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("unknown provider maps to 404", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)
		svc.On("HandleWebhook", mock.Anything, "ghost", mock.Anything).Return(nil, model.ErrProviderNotFound)

		ctx := setupTestContext("POST", "/api/v1/webhooks/ghost", []byte(`{}`))
		ctx.SetUserValue("provider", "ghost")
		handler.ReceiveCallback(ctx)
		assert.Equal(t, 404, ctx.Response.StatusCode())
	})

	t.Run("bad payload maps to 400", func(t *testing.T) {
		svc := new(MockWebhookService)
		handler := NewWebhookHandler(svc)
		svc.On("HandleWebhook", mock.Anything, "primary", mock.Anything).Return(nil, model.ErrValidation)

		ctx := setupTestContext("POST", "/api/v1/webhooks/primary", []byte(`garbage`))
		ctx.SetUserValue("provider", "primary")
		handler.ReceiveCallback(ctx)
		assert.Equal(t, 400, ctx.Response.StatusCode())
	})
}

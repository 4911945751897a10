package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/message-dispatch/internal/engine"
	"github.com/nimasrn/message-dispatch/internal/model"
	xhttp "github.com/nimasrn/message-dispatch/pkg/http"
)

type DispatchService interface {
	EnqueueMessage(ctx context.Context, tenantID int64, msg model.Message, opts engine.EnqueueOptions) (*model.SendJob, error)
	EnqueueBulk(ctx context.Context, tenantID int64, msgs []model.Message, opts engine.EnqueueOptions) (*model.BulkSendJob, error)
	JobStatus(id string) (*model.JobStatus, error)
	EstimateProcessingTime(queue model.QueueType) time.Duration
	Stats() engine.Stats
}

type TenantResolver interface {
	TenantByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
}

type DispatchHandler struct {
	svc     DispatchService
	tenants TenantResolver
}

func RegisterDispatchRoutes(e *router.Group, h *DispatchHandler) {
	e.POST("/messages", h.CreateMessage)
	e.POST("/messages/bulk", h.CreateBulk)
	e.GET("/jobs/{id}", h.GetJob)
	e.GET("/stats", h.GetStats)
}

func NewDispatchHandler(svc DispatchService, tenants TenantResolver) *DispatchHandler {
	return &DispatchHandler{
		svc:     svc,
		tenants: tenants,
	}
}

type createMessageRequest struct {
	To          string     `json:"to"`
	From        string     `json:"from,omitempty"`
	Body        string     `json:"body"`
	Priority    string     `json:"priority,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type createBulkRequest struct {
	Messages          []createBulkMessage `json:"messages"`
	Priority          string              `json:"priority,omitempty"`
	Provider          string              `json:"provider,omitempty"`
	BatchSize         int                 `json:"batch_size,omitempty"`
	InterBatchDelayMs int                 `json:"inter_batch_delay_ms,omitempty"`
	ScheduledAt       *time.Time          `json:"scheduled_at,omitempty"`
}

type createBulkMessage struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type createMessageResponse struct {
	Success                 bool           `json:"success"`
	JobID                   string         `json:"job_id"`
	State                   model.JobState `json:"state"`
	EstimatedProcessingTime string         `json:"estimated_processing_time"`
}

type createBulkResponse struct {
	Success                 bool           `json:"success"`
	JobID                   string         `json:"job_id"`
	State                   model.JobState `json:"state"`
	MessageCount            int            `json:"message_count"`
	BatchSize               int            `json:"batch_size"`
	EstimatedProcessingTime string         `json:"estimated_processing_time"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *DispatchHandler) CreateMessage(ctx *xhttp.RequestCtx) {
	tenant, ok := h.authenticate(ctx)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	job, err := h.svc.EnqueueMessage(ctx, tenant.ID, model.Message{
		To:   req.To,
		From: req.From,
		Body: req.Body,
	}, engine.EnqueueOptions{
		Provider:    req.Provider,
		Priority:    model.Priority(req.Priority),
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 202, createMessageResponse{
		Success:                 true,
		JobID:                   job.ID,
		State:                   job.State,
		EstimatedProcessingTime: h.svc.EstimateProcessingTime(model.QueueSingle).String(),
	})
}

func (h *DispatchHandler) CreateBulk(ctx *xhttp.RequestCtx) {
	tenant, ok := h.authenticate(ctx)
	if !ok {
		return
	}

	var req createBulkRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	msgs := make([]model.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = model.Message{To: m.To, From: m.From, Body: m.Body}
	}

	job, err := h.svc.EnqueueBulk(ctx, tenant.ID, msgs, engine.EnqueueOptions{
		Provider:        req.Provider,
		Priority:        model.Priority(req.Priority),
		ScheduledAt:     req.ScheduledAt,
		BatchSize:       req.BatchSize,
		InterBatchDelay: time.Duration(req.InterBatchDelayMs) * time.Millisecond,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 202, createBulkResponse{
		Success:                 true,
		JobID:                   job.ID,
		State:                   job.State,
		MessageCount:            len(job.Messages),
		BatchSize:               job.BatchSize,
		EstimatedProcessingTime: h.svc.EstimateProcessingTime(model.QueueBulk).String(),
	})
}

func (h *DispatchHandler) GetJob(ctx *xhttp.RequestCtx) {
	if _, ok := h.authenticate(ctx); !ok {
		return
	}

	id, _ := ctx.UserValue("id").(string)
	status, err := h.svc.JobStatus(id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, status)
}

func (h *DispatchHandler) GetStats(ctx *xhttp.RequestCtx) {
	if _, ok := h.authenticate(ctx); !ok {
		return
	}
	writeJSON(ctx, 200, h.svc.Stats())
}

// authenticate resolves the tenant from the X-Api-Key header. Writes the
// error response itself so routes can early-return on !ok.
func (h *DispatchHandler) authenticate(ctx *xhttp.RequestCtx) (*model.Tenant, bool) {
	apiKey := string(ctx.Request.Header.Peek("X-Api-Key"))
	if apiKey == "" {
		writeError(ctx, 401, "missing api key")
		return nil, false
	}
	tenant, err := h.tenants.TenantByAPIKey(ctx, apiKey)
	if err != nil {
		writeServiceError(ctx, err)
		return nil, false
	}
	return tenant, true
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

// writeServiceError maps the shared error taxonomy onto HTTP codes. Unknown
// errors become a generic 500 so internals never leak to callers.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(ctx, 400, err.Error())
	case errors.Is(err, model.ErrInvalidAPIKey):
		writeError(ctx, 401, err.Error())
	case errors.Is(err, model.ErrJobNotFound),
		errors.Is(err, model.ErrTenantNotFound),
		errors.Is(err, model.ErrProviderNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, model.ErrQuotaExceeded):
		writeError(ctx, 429, err.Error())
	case errors.Is(err, model.ErrUnsupportedOperation):
		writeError(ctx, 501, err.Error())
	case errors.Is(err, model.ErrNoProvidersAvailable):
		writeError(ctx, 503, err.Error())
	default:
		writeError(ctx, 500, "internal error")
	}
}

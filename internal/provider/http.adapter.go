package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/pkg/logger"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// HTTPAdapter speaks the carrier gateway's JSON protocol:
//
//	POST /api/v1/sms/send
//	POST /api/v1/sms/send/batch
//	GET  /api/v1/sms/status/{id}
//
// The carrier pushes delivery reports back via webhook; HandleCallback
// normalizes them.
type HTTPAdapter struct {
	name        string
	baseURL     string
	apiKey      string
	defaultFrom string
	client      *fasthttp.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	metrics     metrics
	initialized bool
}

type HTTPConfig struct {
	BaseURL     string
	APIKey      string
	DefaultFrom string
	Timeout     time.Duration
	MaxConns    int
	RatePerSec  int
}

var httpCapabilities = Capabilities{
	BulkSMS:          true,
	DeliveryReceipts: true,
	MaxMessageLength: 1530,
	MaxBulkSize:      100,
}

func NewHTTPAdapter(name string, cfg HTTPConfig) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maxConns := cfg.MaxConns
	if maxConns == 0 {
		maxConns = 512
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	return &HTTPAdapter{
		name:        name,
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		defaultFrom: cfg.DefaultFrom,
		timeout:     timeout,
		limiter:     limiter,
		client: &fasthttp.Client{
			MaxConnsPerHost:     maxConns,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) Capabilities() Capabilities { return httpCapabilities }

// Initialize validates the configuration and probes the carrier's health
// endpoint. Failure here is fatal; the registry will not register the
// adapter.
func (a *HTTPAdapter) Initialize(ctx context.Context) error {
	if a.baseURL == "" {
		return fmt.Errorf("%w: %s: base url is required", ErrProviderInit, a.name)
	}
	if a.apiKey == "" {
		return fmt.Errorf("%w: %s: api key is required", ErrProviderInit, a.name)
	}

	body, err := a.doRequest(ctx, "GET", "/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %s: connectivity probe failed: %v", ErrProviderInit, a.name, err)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil || health.Status != "healthy" {
		return fmt.Errorf("%w: %s: carrier reported unhealthy", ErrProviderInit, a.name)
	}

	a.initialized = true
	logger.Info("provider initialized", "provider", a.name, "url", a.baseURL)
	return nil
}

type carrierSendRequest struct {
	MessageID   string `json:"message_id,omitempty"`
	PhoneNumber string `json:"phone_number"`
	Sender      string `json:"sender,omitempty"`
	Content     string `json:"content"`
}

type carrierSendResponse struct {
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorMsg    string `json:"error_message,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (a *HTTPAdapter) SendSingle(ctx context.Context, msg model.Message, opts SendOptions) model.JobResult {
	if err := model.ValidateE164(msg.To); err != nil {
		return validationResult(msg.To, a.name)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			a.metrics.recordFailure()
			return failureResult(msg.To, a.name, ErrTransient, err)
		}
	}

	from := msg.From
	if from == "" {
		from = opts.From
	}
	if from == "" {
		from = a.defaultFrom
	}

	payload, _ := json.Marshal(carrierSendRequest{
		PhoneNumber: msg.To,
		Sender:      from,
		Content:     msg.Body,
	})

	start := time.Now()
	body, err := a.doRequest(ctx, "POST", "/api/v1/sms/send", payload)
	if err != nil {
		a.metrics.recordFailure()
		return failureResult(msg.To, a.name, classifyHTTPError(err), err)
	}
	a.metrics.recordSuccess(time.Since(start))

	var resp carrierSendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return failureResult(msg.To, a.name, ErrTransient, fmt.Errorf("malformed carrier response: %w", err))
	}
	if resp.ErrorCode != "" {
		return failureResult(msg.To, a.name, classifyCarrierCode(resp.ErrorCode), fmt.Errorf("carrier error %s: %s", resp.ErrorCode, resp.ErrorMsg))
	}

	return model.JobResult{
		Success:   true,
		MessageID: resp.MessageID,
		To:        msg.To,
		Provider:  a.name,
		Status:    resp.Status,
		Timestamp: time.Now().UTC(),
	}
}

type carrierBatchRequest struct {
	Messages []carrierSendRequest `json:"messages"`
}

type carrierBatchResponse struct {
	Results []carrierSendResponse `json:"results"`
}

// SendBulk uses the carrier's native batch endpoint. Messages failing
// validation are reported in place and excluded from the wire call.
func (a *HTTPAdapter) SendBulk(ctx context.Context, msgs []model.Message, opts SendOptions) []model.JobResult {
	results := make([]model.JobResult, len(msgs))

	var req carrierBatchRequest
	indexes := make([]int, 0, len(msgs))
	for i, msg := range msgs {
		if err := model.ValidateE164(msg.To); err != nil {
			results[i] = validationResult(msg.To, a.name)
			continue
		}
		from := msg.From
		if from == "" {
			from = opts.From
		}
		if from == "" {
			from = a.defaultFrom
		}
		req.Messages = append(req.Messages, carrierSendRequest{
			PhoneNumber: msg.To,
			Sender:      from,
			Content:     msg.Body,
		})
		indexes = append(indexes, i)
	}

	if len(req.Messages) == 0 {
		return results
	}

	if a.limiter != nil {
		if err := a.limiter.WaitN(ctx, len(req.Messages)); err != nil {
			for _, i := range indexes {
				results[i] = failureResult(msgs[i].To, a.name, ErrTransient, err)
			}
			return results
		}
	}

	payload, _ := json.Marshal(req)
	start := time.Now()
	body, err := a.doRequest(ctx, "POST", "/api/v1/sms/send/batch", payload)
	if err != nil {
		a.metrics.recordFailure()
		class := classifyHTTPError(err)
		for _, i := range indexes {
			results[i] = failureResult(msgs[i].To, a.name, class, err)
		}
		return results
	}
	a.metrics.recordSuccess(time.Since(start))

	var resp carrierBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Results) != len(indexes) {
		for _, i := range indexes {
			results[i] = failureResult(msgs[i].To, a.name, ErrTransient, fmt.Errorf("malformed carrier batch response"))
		}
		return results
	}

	now := time.Now().UTC()
	for n, i := range indexes {
		r := resp.Results[n]
		if r.ErrorCode != "" {
			results[i] = failureResult(msgs[i].To, a.name, classifyCarrierCode(r.ErrorCode), fmt.Errorf("carrier error %s: %s", r.ErrorCode, r.ErrorMsg))
			continue
		}
		results[i] = model.JobResult{
			Success:   true,
			MessageID: r.MessageID,
			To:        msgs[i].To,
			Provider:  a.name,
			Status:    r.Status,
			Timestamp: now,
		}
	}
	return results
}

func (a *HTTPAdapter) DeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryReceipt, error) {
	body, err := a.doRequest(ctx, "GET", "/api/v1/sms/status/"+messageID, nil)
	if err != nil {
		return nil, fmt.Errorf("delivery status lookup: %w", err)
	}

	var resp struct {
		MessageID   string     `json:"message_id"`
		Status      string     `json:"status"`
		PhoneNumber string     `json:"phone_number"`
		ErrorCode   string     `json:"error_code,omitempty"`
		ErrorMsg    string     `json:"error_message,omitempty"`
		DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}

	ts := time.Now().UTC()
	if resp.DeliveredAt != nil {
		ts = *resp.DeliveredAt
	}
	return &model.DeliveryReceipt{
		MessageID:    resp.MessageID,
		Status:       resp.Status,
		To:           resp.PhoneNumber,
		ErrorCode:    resp.ErrorCode,
		ErrorMessage: resp.ErrorMsg,
		Timestamp:    ts,
		Provider:     a.name,
	}, nil
}

type carrierWebhook struct {
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	PhoneNumber string     `json:"phone_number"`
	Sender      string     `json:"sender,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func (a *HTTPAdapter) HandleCallback(payload []byte) (*model.DeliveryReceipt, error) {
	var wh carrierWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload: %v", model.ErrValidation, err)
	}
	if wh.MessageID == "" || wh.Status == "" {
		return nil, fmt.Errorf("%w: webhook payload missing message_id or status", model.ErrValidation)
	}

	ts := time.Now().UTC()
	if wh.Timestamp != nil {
		ts = *wh.Timestamp
	}
	return &model.DeliveryReceipt{
		MessageID:    wh.MessageID,
		Status:       wh.Status,
		To:           wh.PhoneNumber,
		From:         wh.Sender,
		ErrorCode:    wh.ErrorCode,
		ErrorMessage: wh.ErrorMsg,
		Timestamp:    ts,
		Provider:     a.name,
	}, nil
}

func (a *HTTPAdapter) Stats() Stats {
	return a.metrics.snapshot(a.initialized, httpCapabilities)
}

func (a *HTTPAdapter) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Api-Key", a.apiKey)
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(a.timeout)
	}
	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	code := resp.StatusCode()
	if code != fasthttp.StatusOK && code != fasthttp.StatusAccepted {
		return nil, &httpStatusError{code: code, body: string(resp.Body())}
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.code, e.body)
}

// classifyHTTPError marks network errors, timeouts, 429 and 5xx as
// transient; other HTTP statuses are permanent.
func classifyHTTPError(err error) error {
	if se, ok := err.(*httpStatusError); ok {
		if se.code == fasthttp.StatusTooManyRequests || se.code >= 500 {
			return ErrTransient
		}
		return ErrPermanent
	}
	if he, ok := err.(interface{ Unwrap() error }); ok {
		if se, ok2 := he.Unwrap().(*httpStatusError); ok2 {
			if se.code == fasthttp.StatusTooManyRequests || se.code >= 500 {
				return ErrTransient
			}
			return ErrPermanent
		}
	}
	return ErrTransient
}

// classifyCarrierCode follows the carrier error-code convention: 4xxx codes
// are recipient/content problems and never succeed on retry.
func classifyCarrierCode(code string) error {
	if len(code) > 0 && code[0] == '4' {
		return ErrPermanent
	}
	return ErrTransient
}

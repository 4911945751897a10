package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DeliveryStatus represents the carrier-side delivery status of a message
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusPending   DeliveryStatus = "pending"
)

// SendRequest is one message in the carrier protocol
type SendRequest struct {
	MessageID   string `json:"message_id"`
	PhoneNumber string `json:"phone_number" binding:"required"`
	Sender      string `json:"sender"`
	Content     string `json:"content" binding:"required"`
}

// SendResponse mirrors the gateway's expected response shape
type SendResponse struct {
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorMsg    string `json:"error_message,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// BatchSendRequest is the native batch endpoint payload
type BatchSendRequest struct {
	Messages []SendRequest `json:"messages" binding:"required"`
}

type BatchSendResponse struct {
	Results []SendResponse `json:"results"`
}

// StatusCheckResponse is the delivery status lookup response
type StatusCheckResponse struct {
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// webhookPayload is pushed back to the gateway after delivery settles
type webhookPayload struct {
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	PhoneNumber string     `json:"phone_number"`
	Sender      string     `json:"sender,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status       string    `json:"status"`
	OperatorID   string    `json:"operator_id"`
	Timestamp    time.Time `json:"timestamp"`
	DeliveryRate float64   `json:"delivery_rate"`
}

// MockCarrier simulates the upstream SMS carrier the http provider driver
// talks to. Useful for local runs and load tests of the dispatch engine.
type MockCarrier struct {
	mu           sync.Mutex
	deliveryRate float64
	minDelay     time.Duration
	maxDelay     time.Duration
	webhookURL   string
	operatorID   string
	rng          *rand.Rand
	statuses     map[string]StatusCheckResponse
	httpClient   *http.Client
}

func NewMockCarrier(deliveryRate float64, minDelay, maxDelay time.Duration, webhookURL string) *MockCarrier {
	return &MockCarrier{
		deliveryRate: deliveryRate,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		webhookURL:   webhookURL,
		operatorID:   "MOCK_CARRIER_" + uuid.New().String()[:8],
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		statuses:     make(map[string]StatusCheckResponse),
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// simulateDelivery processes one message: random delay, random outcome,
// remembered for later status lookups and reported over the webhook.
func (m *MockCarrier) simulateDelivery(req *SendRequest) SendResponse {
	time.Sleep(m.randomDelay())

	resp := SendResponse{
		MessageID:   uuid.NewString(),
		PhoneNumber: req.PhoneNumber,
	}
	if req.MessageID != "" {
		resp.MessageID = req.MessageID
	}

	if m.shouldSucceed() {
		resp.Status = string(StatusDelivered)
		log.Info().
			Str("message_id", resp.MessageID).
			Str("phone", req.PhoneNumber).
			Msg("message delivered")
	} else {
		resp.Status = string(StatusFailed)
		resp.ErrorCode = m.randomErrorCode()
		resp.ErrorMsg = m.errorMessage(resp.ErrorCode)
		log.Warn().
			Str("message_id", resp.MessageID).
			Str("phone", req.PhoneNumber).
			Str("error_code", resp.ErrorCode).
			Msg("message delivery failed")
	}

	now := time.Now()
	status := StatusCheckResponse{
		MessageID:   resp.MessageID,
		Status:      resp.Status,
		PhoneNumber: req.PhoneNumber,
		ErrorCode:   resp.ErrorCode,
		ErrorMsg:    resp.ErrorMsg,
	}
	if resp.Status == string(StatusDelivered) {
		status.DeliveredAt = &now
	}
	m.mu.Lock()
	m.statuses[resp.MessageID] = status
	m.mu.Unlock()

	go m.pushWebhook(req, resp, now)
	return resp
}

// pushWebhook notifies the gateway's webhook endpoint about the outcome.
// Fire and forget; the gateway can always poll the status endpoint.
func (m *MockCarrier) pushWebhook(req *SendRequest, resp SendResponse, ts time.Time) {
	if m.webhookURL == "" {
		return
	}
	payload := webhookPayload{
		MessageID:   resp.MessageID,
		Status:      resp.Status,
		PhoneNumber: req.PhoneNumber,
		Sender:      req.Sender,
		ErrorCode:   resp.ErrorCode,
		ErrorMsg:    resp.ErrorMsg,
		Timestamp:   &ts,
	}
	body, _ := json.Marshal(payload)
	r, err := m.httpClient.Post(m.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("url", m.webhookURL).Msg("webhook push failed")
		return
	}
	_ = r.Body.Close()
}

func (m *MockCarrier) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockCarrier) shouldSucceed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.deliveryRate
}

// Error codes follow the carrier convention: 4xxx is permanent, 5xxx is
// transient and worth retrying.
func (m *MockCarrier) randomErrorCode() string {
	errorCodes := []string{
		"4001", // invalid number
		"4002", // blocked recipient
		"4003", // content rejected
		"5001", // network error
		"5002", // timeout
		"5003", // carrier congestion
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return errorCodes[m.rng.Intn(len(errorCodes))]
}

func (m *MockCarrier) errorMessage(code string) string {
	msgs := map[string]string{
		"4001": "The phone number is invalid or not in service",
		"4002": "The recipient has blocked messages",
		"4003": "Message content violates carrier policies",
		"5001": "Network connectivity issue with carrier",
		"5002": "Message delivery timed out",
		"5003": "Carrier temporarily congested",
	}
	if msg, ok := msgs[code]; ok {
		return msg
	}
	return "Unknown error occurred"
}

// Handler struct holds the mock carrier and routes
type Handler struct {
	carrier *MockCarrier
}

func NewHandler(carrier *MockCarrier) *Handler {
	return &Handler{carrier: carrier}
}

// Send handles single message send requests
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	log.Info().
		Str("phone", req.PhoneNumber).
		Str("sender", req.Sender).
		Msg("received send request")

	resp := h.carrier.simulateDelivery(&req)
	c.JSON(http.StatusOK, resp)
}

// SendBatch handles the native batch endpoint
func (h *Handler) SendBatch(c *gin.Context) {
	var req BatchSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	log.Info().Int("count", len(req.Messages)).Msg("received batch send request")

	out := BatchSendResponse{Results: make([]SendResponse, len(req.Messages))}
	for i := range req.Messages {
		out.Results[i] = h.carrier.simulateDelivery(&req.Messages[i])
	}
	c.JSON(http.StatusOK, out)
}

// GetStatus handles delivery status lookups
func (h *Handler) GetStatus(c *gin.Context) {
	messageID := c.Param("message_id")
	if messageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
		return
	}

	h.carrier.mu.Lock()
	status, ok := h.carrier.statuses[messageID]
	h.carrier.mu.Unlock()

	if !ok {
		status = StatusCheckResponse{
			MessageID: messageID,
			Status:    string(StatusPending),
		}
	}
	c.JSON(http.StatusOK, status)
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:       "healthy",
		OperatorID:   h.carrier.operatorID,
		Timestamp:    time.Now(),
		DeliveryRate: h.carrier.deliveryRate,
	})
}

// UpdateConfig allows changing carrier behavior at runtime
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		DeliveryRate *float64 `json:"delivery_rate"`
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if cfg.DeliveryRate != nil {
		if *cfg.DeliveryRate >= 0 && *cfg.DeliveryRate <= 1.0 {
			h.carrier.mu.Lock()
			h.carrier.deliveryRate = *cfg.DeliveryRate
			h.carrier.mu.Unlock()
			log.Info().Float64("rate", *cfg.DeliveryRate).Msg("updated delivery rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       "Configuration updated",
		"delivery_rate": h.carrier.deliveryRate,
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sms/send", handler.Send)
		v1.POST("/sms/send/batch", handler.SendBatch)
		v1.GET("/sms/status/:message_id", handler.GetStatus)
		v1.PUT("/config", handler.UpdateConfig)
	}

	// Root health check, probed by the gateway at provider initialization
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8081")
	deliveryRate := getEnvFloat("DELIVERY_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 100*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 1*time.Second)
	webhookURL := getEnv("WEBHOOK_URL", "")

	log.Info().
		Str("port", port).
		Float64("delivery_rate", deliveryRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Str("webhook_url", webhookURL).
		Msg("starting mock carrier")

	carrier := NewMockCarrier(deliveryRate, minDelay, maxDelay, webhookURL)
	handler := NewHandler(carrier)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

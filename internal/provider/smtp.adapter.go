package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nimasrn/message-dispatch/internal/model"
	"github.com/nimasrn/message-dispatch/pkg/logger"
	"gopkg.in/gomail.v2"
)

// SMTPAdapter bridges SMS through an email-to-SMS gateway: the recipient
// +15551234567 becomes 15551234567@<gateway domain>. The channel has no
// native batch call and no server-side status lookup, so bulk falls back to
// chunked singles and DeliveryStatus reports unsupported.
type SMTPAdapter struct {
	name          string
	from          string
	gatewayDomain string
	dialer        *gomail.Dialer
	metrics       metrics
	initialized   bool
}

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	GatewayDomain string
}

var smtpCapabilities = Capabilities{
	BulkSMS:          false,
	DeliveryReceipts: false,
	MaxMessageLength: 160,
	MaxBulkSize:      1,
}

func NewSMTPAdapter(name string, cfg SMTPConfig) *SMTPAdapter {
	return &SMTPAdapter{
		name:          name,
		from:          cfg.From,
		gatewayDomain: cfg.GatewayDomain,
		dialer:        gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (a *SMTPAdapter) Name() string { return a.name }

func (a *SMTPAdapter) Capabilities() Capabilities { return smtpCapabilities }

// Initialize dials the SMTP relay, retrying with exponential backoff; relays
// are often briefly unavailable right after deploys. A persistent failure is
// fatal.
func (a *SMTPAdapter) Initialize(ctx context.Context) error {
	if a.from == "" || a.gatewayDomain == "" {
		return fmt.Errorf("%w: %s: from address and gateway domain are required", ErrProviderInit, a.name)
	}

	dial := func() error {
		closer, err := a.dialer.Dial()
		if err != nil {
			return err
		}
		return closer.Close()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second

	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%w: %s: smtp dial: %v", ErrProviderInit, a.name, err)
	}

	a.initialized = true
	logger.Info("provider initialized", "provider", a.name, "gateway_domain", a.gatewayDomain)
	return nil
}

func (a *SMTPAdapter) SendSingle(ctx context.Context, msg model.Message, opts SendOptions) model.JobResult {
	if err := model.ValidateE164(msg.To); err != nil {
		return validationResult(msg.To, a.name)
	}
	if len(msg.Body) > smtpCapabilities.MaxMessageLength {
		return failureResult(msg.To, a.name, ErrPermanent,
			fmt.Errorf("message body exceeds %d characters", smtpCapabilities.MaxMessageLength))
	}

	select {
	case <-ctx.Done():
		return failureResult(msg.To, a.name, ErrTransient, ctx.Err())
	default:
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", a.bridgeAddress(msg.To))
	m.SetBody("text/plain", msg.Body)

	start := time.Now()
	if err := a.dialer.DialAndSend(m); err != nil {
		a.metrics.recordFailure()
		// SMTP rejections at send time are relay-side and usually recover.
		return failureResult(msg.To, a.name, ErrTransient, fmt.Errorf("smtp send: %w", err))
	}
	a.metrics.recordSuccess(time.Since(start))

	return model.JobResult{
		Success:   true,
		To:        msg.To,
		Provider:  a.name,
		Status:    "accepted",
		Timestamp: time.Now().UTC(),
	}
}

func (a *SMTPAdapter) SendBulk(ctx context.Context, msgs []model.Message, opts SendOptions) []model.JobResult {
	return BulkViaSingle(ctx, a, msgs, opts)
}

func (a *SMTPAdapter) DeliveryStatus(ctx context.Context, messageID string) (*model.DeliveryReceipt, error) {
	return nil, fmt.Errorf("%w: %s has no status lookup", model.ErrUnsupportedOperation, a.name)
}

func (a *SMTPAdapter) HandleCallback(payload []byte) (*model.DeliveryReceipt, error) {
	return nil, fmt.Errorf("%w: %s does not emit delivery webhooks", model.ErrUnsupportedOperation, a.name)
}

func (a *SMTPAdapter) Stats() Stats {
	return a.metrics.snapshot(a.initialized, smtpCapabilities)
}

func (a *SMTPAdapter) bridgeAddress(to string) string {
	return strings.TrimPrefix(to, "+") + "@" + a.gatewayDomain
}

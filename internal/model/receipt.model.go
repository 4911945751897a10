package model

import "time"

// DeliveryReceipt is a provider's asynchronous delivery webhook, normalized.
type DeliveryReceipt struct {
	MessageID    string    `json:"message_id"`
	Status       string    `json:"status"`
	To           string    `json:"to"`
	From         string    `json:"from,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
}

package model

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// e164Pattern is the strict international format: +, non-zero country code,
// up to 15 digits total.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Message is a single outbound SMS. To must be E.164; From is optional and
// falls back to the provider's configured sender.
type Message struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

func (m Message) Validate(maxLen int) error {
	if err := ValidateE164(m.To); err != nil {
		return err
	}
	body := strings.TrimSpace(m.Body)
	if body == "" {
		return fmt.Errorf("%w: message body is empty", ErrValidation)
	}
	if maxLen > 0 && utf8.RuneCountInString(m.Body) > maxLen {
		return fmt.Errorf("%w: message body exceeds %d characters", ErrValidation, maxLen)
	}
	return nil
}

// ValidateE164 rejects anything that is not a normalized E.164 number.
// Callers must run this before any provider call is made.
func ValidateE164(to string) error {
	if !e164Pattern.MatchString(to) {
		return fmt.Errorf("%w: invalid phone number: %s", ErrValidation, to)
	}
	return nil
}

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutboundEmailMessage is the unit of work carried by the message channel.
//
// CorrelationID is assigned once at publish time and never changes; two
// messages with the same CorrelationID are retries of the same logical
// notification. AttemptCount is only ever advanced by the consumer and
// counts the transient failures seen so far.
type OutboundEmailMessage struct {
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"`
	AttemptCount  int    `json:"attempt_count"`
}

// Encode serialises the message into its wire format.
func (m OutboundEmailMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// NextAttempt returns a copy with AttemptCount advanced by one.
// The receiver is left untouched so the original delivery stays intact.
func (m OutboundEmailMessage) NextAttempt() OutboundEmailMessage {
	m.AttemptCount++
	return m
}

// DecodeMessage parses a wire payload. Any payload that cannot describe a
// deliverable message yields an error wrapping ErrMalformedMessage.
func DecodeMessage(payload []byte) (OutboundEmailMessage, error) {
	var m OutboundEmailMessage

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return OutboundEmailMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if dec.More() {
		return OutboundEmailMessage{}, fmt.Errorf("%w: trailing data after message", ErrMalformedMessage)
	}

	switch {
	case strings.TrimSpace(m.Recipient) == "":
		return OutboundEmailMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, ErrInvalidRecipient)
	case m.CorrelationID == "":
		return OutboundEmailMessage{}, fmt.Errorf("%w: correlation id is missing", ErrMalformedMessage)
	case m.AttemptCount < 0:
		return OutboundEmailMessage{}, fmt.Errorf("%w: negative attempt count", ErrMalformedMessage)
	}
	return m, nil
}

// DeliveryOutcome is the classified result of one relay submission.
// It is never persisted; it only drives how a delivery is settled.
type DeliveryOutcome int

const (
	OutcomeSuccess DeliveryOutcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

// DeadLetterReason records why a message left normal processing.
type DeadLetterReason string

const (
	ReasonMalformed        DeadLetterReason = "malformed"
	ReasonPermanentFailure DeadLetterReason = "permanent_failure"
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
)

func (r DeadLetterReason) IsValid() bool {
	switch r {
	case ReasonMalformed, ReasonPermanentFailure, ReasonRetriesExhausted:
		return true
	}
	return false
}

// DeadLetter is the operator-facing record of a message removed from the
// channel without being delivered.
type DeadLetter struct {
	CorrelationID string           `json:"correlation_id"`
	Recipient     string           `json:"recipient"`
	Subject       string           `json:"subject"`
	Body          string           `json:"body"`
	AttemptCount  int              `json:"attempt_count"`
	Reason        DeadLetterReason `json:"reason"`
	Error         string           `json:"error,omitempty"`
	Payload       []byte           `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	ReplayedAt    *time.Time       `json:"replayed_at,omitempty"`
}

// Message rebuilds the logical notification for replay. The correlation id
// is kept so the replay is a retry of the same notification, and the
// attempt count starts over.
func (d *DeadLetter) Message() OutboundEmailMessage {
	return OutboundEmailMessage{
		Recipient:     d.Recipient,
		Subject:       d.Subject,
		Body:          d.Body,
		CorrelationID: d.CorrelationID,
	}
}

// Replayable reports whether the record carries enough to be published again.
// Malformed payloads never decoded into a message, so they cannot be replayed.
func (d *DeadLetter) Replayable() bool {
	return d.Reason != ReasonMalformed && d.Recipient != "" && d.CorrelationID != ""
}

// ListFilter holds query parameters for paginated dead-letter listing.
type ListFilter struct {
	Reason *DeadLetterReason
	Page   int
	Limit  int
}

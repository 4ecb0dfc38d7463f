package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	// ErrChannelUnavailable is the only failure a publishing caller observes.
	ErrChannelUnavailable = errors.New("message channel unavailable")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrTransientDelivery  = errors.New("transient delivery failure")
	ErrPermanentDelivery  = errors.New("permanent delivery failure")

	ErrInvalidRecipient = errors.New("recipient must not be empty")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyReplayed  = errors.New("dead letter has already been replayed")
	ErrNotReplayable    = errors.New("dead letter cannot be replayed")
	ErrConsumerClosed   = errors.New("consumer is closed")
)

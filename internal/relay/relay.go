// Package relay submits outbound email to an SMTP relay and classifies the
// result into a domain.DeliveryOutcome.
package relay

import (
	"context"

	"github.com/notifyhub/mailpipe/internal/domain"
)

// Sender abstracts delivery to the mail relay.
// Faking this interface in tests gives full control over relay behaviour
// without opening SMTP connections.
type Sender interface {
	// Send makes one delivery attempt. The error is nil only for
	// OutcomeSuccess and otherwise wraps ErrTransientDelivery or
	// ErrPermanentDelivery to match the outcome.
	Send(ctx context.Context, msg domain.OutboundEmailMessage) (domain.DeliveryOutcome, error)
}

package relay

import (
	"errors"
	"net/textproto"

	"github.com/wneessen/go-mail"

	"github.com/notifyhub/mailpipe/internal/domain"
)

// Classify maps an error returned by the SMTP client to an outcome.
//
// Server replies decide first: 4xx is transient and 5xx permanent. Errors
// raised before the server could answer (dial, timeout, reset) are
// transient. Anything unrecognised is treated as transient too; the retry
// ceiling bounds how long it is retried.
func Classify(err error) domain.DeliveryOutcome {
	if err == nil {
		return domain.OutcomeSuccess
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return classifySendError(sendErr)
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return classifyCode(tpErr.Code)
	}

	// Dial failures, timeouts, resets and cancellation all land here.
	return domain.OutcomeTransientFailure
}

func classifySendError(e *mail.SendError) domain.DeliveryOutcome {
	if e.IsTemp() {
		return domain.OutcomeTransientFailure
	}
	if code := e.ErrorCode(); code != 0 {
		return classifyCode(code)
	}

	// No server code: the failure happened on our side of the connection.
	switch e.Reason {
	case mail.ErrGetSender, mail.ErrGetRcpts, mail.ErrNoUnencoded:
		return domain.OutcomePermanentFailure
	}
	return domain.OutcomeTransientFailure
}

func classifyCode(code int) domain.DeliveryOutcome {
	switch {
	case code >= 500 && code < 600:
		return domain.OutcomePermanentFailure
	case code >= 400 && code < 500:
		return domain.OutcomeTransientFailure
	}
	return domain.OutcomeTransientFailure
}

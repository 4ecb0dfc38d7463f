package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/notifyhub/mailpipe/internal/domain"
)

// Encryption modes accepted in Config.Encryption.
const (
	EncryptionNone          = "none"
	EncryptionOpportunistic = "opportunistic"
	EncryptionStartTLS      = "starttls"
	EncryptionSSL           = "ssl"
)

// Config describes how to reach the SMTP relay.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Encryption string
	Timeout    time.Duration
}

// SMTPClient delivers messages through an SMTP relay using go-mail.
// Each Send opens its own connection, so the client holds nothing between
// calls and is safe for concurrent use.
type SMTPClient struct {
	cfg Config
	log *zap.Logger
}

func NewSMTPClient(cfg Config, log *zap.Logger) *SMTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPClient{cfg: cfg, log: log}
}

// Send makes a single delivery attempt for msg.
func (c *SMTPClient) Send(ctx context.Context, msg domain.OutboundEmailMessage) (domain.DeliveryOutcome, error) {
	m, err := c.buildMessage(msg)
	if err != nil {
		// The message itself is unusable; retrying cannot fix it.
		return domain.OutcomePermanentFailure, fmt.Errorf("%w: %w", domain.ErrPermanentDelivery, err)
	}

	client, err := mail.NewClient(c.cfg.Host, c.options()...)
	if err != nil {
		return domain.OutcomePermanentFailure, fmt.Errorf("%w: create mail client: %w", domain.ErrPermanentDelivery, err)
	}

	start := time.Now()
	err = client.DialAndSendWithContext(ctx, m)
	if err == nil {
		c.log.Debug("relay accepted message",
			zap.String("correlation_id", msg.CorrelationID),
			zap.Duration("latency", time.Since(start)),
		)
		return domain.OutcomeSuccess, nil
	}

	outcome := Classify(err)
	if outcome == domain.OutcomePermanentFailure {
		return outcome, fmt.Errorf("%w: %w", domain.ErrPermanentDelivery, err)
	}
	return outcome, fmt.Errorf("%w: %w", domain.ErrTransientDelivery, err)
}

func (c *SMTPClient) buildMessage(msg domain.OutboundEmailMessage) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(c.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(strings.TrimSpace(msg.Recipient)); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.Recipient, err)
	}

	m.Subject(msg.Subject)
	m.SetMessageIDWithValue(msg.CorrelationID + "@mailpipe")
	m.SetDate()
	m.SetGenHeader(mail.Header("X-Correlation-ID"), msg.CorrelationID)
	m.SetBodyString(mail.TypeTextHTML, msg.Body)
	return m, nil
}

func (c *SMTPClient) options() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(c.cfg.Port),
		mail.WithTimeout(c.cfg.Timeout),
		mail.WithTLSPolicy(tlsPolicy(c.cfg.Encryption)),
	}
	if c.cfg.Encryption == EncryptionSSL {
		opts = append(opts, mail.WithSSL())
	}
	if c.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.cfg.Username),
			mail.WithPassword(c.cfg.Password),
		)
	}
	return opts
}

// tlsPolicy converts the encryption setting to a go-mail TLSPolicy.
// Implicit TLS ("ssl") is configured with WithSSL instead.
func tlsPolicy(enc string) mail.TLSPolicy {
	switch enc {
	case EncryptionStartTLS:
		return mail.TLSMandatory
	case EncryptionOpportunistic:
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}

var _ Sender = (*SMTPClient)(nil)

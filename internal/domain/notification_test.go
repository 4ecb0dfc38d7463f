package domain_test

import (
	"errors"
	"testing"

	"github.com/notifyhub/mailpipe/internal/domain"
)

func TestOutboundEmailMessage_RoundTrip(t *testing.T) {
	msgs := []domain.OutboundEmailMessage{
		{Recipient: "a@x.com", Subject: "S", Body: "B", CorrelationID: "c-1"},
		{Recipient: "b@x.com", Subject: "", Body: "<p>hi &amp; bye</p>", CorrelationID: "c-2", AttemptCount: 4},
		{Recipient: "ünï@example.org", Subject: "Grüße\r\n", Body: "line1\nline2", CorrelationID: "c-3", AttemptCount: 1},
	}

	for _, want := range msgs {
		payload, err := want.Encode()
		if err != nil {
			t.Fatalf("encode %q: %v", want.CorrelationID, err)
		}
		got, err := domain.DecodeMessage(payload)
		if err != nil {
			t.Fatalf("decode %q: %v", want.CorrelationID, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
		}
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `hello`},
		{"empty", ``},
		{"array", `[1,2,3]`},
		{"unknown field", `{"recipient":"a@x.com","correlation_id":"c","priority":"high"}`},
		{"missing recipient", `{"subject":"S","correlation_id":"c"}`},
		{"blank recipient", `{"recipient":"   ","correlation_id":"c"}`},
		{"missing correlation id", `{"recipient":"a@x.com"}`},
		{"negative attempts", `{"recipient":"a@x.com","correlation_id":"c","attempt_count":-1}`},
		{"wrong type", `{"recipient":"a@x.com","correlation_id":"c","attempt_count":"two"}`},
		{"trailing data", `{"recipient":"a@x.com","correlation_id":"c"}{}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := domain.DecodeMessage([]byte(tc.payload))
			if !errors.Is(err, domain.ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestOutboundEmailMessage_NextAttempt(t *testing.T) {
	m := domain.OutboundEmailMessage{Recipient: "a@x.com", CorrelationID: "c", AttemptCount: 1}
	next := m.NextAttempt()

	if next.AttemptCount != 2 {
		t.Fatalf("expected attempt 2, got %d", next.AttemptCount)
	}
	if m.AttemptCount != 1 {
		t.Fatalf("receiver mutated: attempt %d", m.AttemptCount)
	}
	if next.CorrelationID != m.CorrelationID {
		t.Fatal("correlation id must survive a retry")
	}
}

func TestDeadLetter_Replay(t *testing.T) {
	t.Run("message keeps correlation id and resets attempts", func(t *testing.T) {
		d := domain.DeadLetter{
			CorrelationID: "c-9", Recipient: "a@x.com", Subject: "S", Body: "B",
			AttemptCount: 6, Reason: domain.ReasonRetriesExhausted,
		}
		m := d.Message()
		if m.CorrelationID != "c-9" || m.AttemptCount != 0 {
			t.Fatalf("unexpected replay message %+v", m)
		}
		if !d.Replayable() {
			t.Fatal("expected record to be replayable")
		}
	})

	t.Run("malformed records are not replayable", func(t *testing.T) {
		d := domain.DeadLetter{CorrelationID: "c", Reason: domain.ReasonMalformed}
		if d.Replayable() {
			t.Fatal("malformed record must not be replayable")
		}
	})
}

func TestDeliveryOutcome_String(t *testing.T) {
	cases := map[domain.DeliveryOutcome]string{
		domain.OutcomeSuccess:          "success",
		domain.OutcomeTransientFailure: "transient_failure",
		domain.OutcomePermanentFailure: "permanent_failure",
		domain.DeliveryOutcome(42):     "unknown",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Fatalf("%d: expected %q, got %q", int(o), want, got)
		}
	}
}

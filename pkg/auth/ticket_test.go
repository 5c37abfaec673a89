package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTicketIssueAndValidate(t *testing.T) {
	now := testNow
	tv := TicketValidator{Secret: []byte("ticket-secret"), BindIP: true, Now: func() time.Time { return now }}
	ticket, err := tv.Issue("203.0.113.7")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := tv.Validate(ticket, "203.0.113.7"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := tv.Validate(ticket, "198.51.100.1"); !errors.Is(err, ErrTicketIPBinding) {
		t.Fatalf("ip binding: %v", err)
	}
	unbound := tv
	unbound.BindIP = false
	if err := unbound.Validate(ticket, "198.51.100.1"); err != nil {
		t.Fatalf("unbound validator: %v", err)
	}

	other := TicketValidator{Secret: []byte("ticket-secret"), Subject: "admin_console", Now: tv.Now}
	if err := other.Validate(ticket, "203.0.113.7"); !errors.Is(err, ErrTicketPurpose) {
		t.Fatalf("purpose: %v", err)
	}
	forged := TicketValidator{Secret: []byte("other-secret"), Now: tv.Now}
	if err := forged.Validate(ticket, "203.0.113.7"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("wrong secret: %v", err)
	}

	now = now.Add(DefaultTicketTTL + time.Minute)
	if err := tv.Validate(ticket, "203.0.113.7"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expired ticket: %v", err)
	}
	if err := tv.Validate("  ", ""); !errors.Is(err, ErrTicketMissing) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := (TicketValidator{}).Issue("x"); err == nil {
		t.Fatal("issue without secret must fail")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	key := DeriveTicketKey("some.ticket.value")
	for _, plain := range []string{"", "a", strings.Repeat("x", 16), `{"url":"https://example.com/v/1"}`} {
		data, iv, err := EncryptPayload(key, []byte(plain))
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecryptPayload(key, data, iv)
		if err != nil || string(got) != plain {
			t.Fatalf("round trip %q: got %q err=%v", plain, got, err)
		}
	}
}

func TestDecryptPayloadRejectsMalformed(t *testing.T) {
	key := DeriveTicketKey("t")
	data, iv, _ := EncryptPayload(key, []byte("hello"))
	cases := map[string][2]string{
		"bad iv base64":   {data, "%%"},
		"short iv":        {data, "AAAA"},
		"bad data base64": {"%%", iv},
		"partial block":   {"AAAA", iv},
		"empty data":      {"", iv},
	}
	for name, in := range cases {
		if _, err := DecryptPayload(key, in[0], in[1]); !errors.Is(err, ErrPayloadFormat) {
			t.Fatalf("%s: expected ErrPayloadFormat, got %v", name, err)
		}
	}
	if got, err := DecryptPayload(DeriveTicketKey("other"), data, iv); err == nil && string(got) == "hello" {
		t.Fatal("wrong key must not recover the plaintext")
	}
}

func TestTicketOpen(t *testing.T) {
	tv := TicketValidator{Secret: []byte("ticket-secret"), BindIP: true, Now: fixedClock}
	ticket, _ := tv.Issue("10.0.0.1")
	data, iv, _ := EncryptPayload(DeriveTicketKey(ticket), []byte(`{"q":"cats"}`))
	plain, err := tv.Open(ticket, "10.0.0.1", data, iv)
	if err != nil || string(plain) != `{"q":"cats"}` {
		t.Fatalf("open: %q %v", plain, err)
	}
	if _, err := tv.Open(ticket, "10.0.0.2", data, iv); !errors.Is(err, ErrTicketIPBinding) {
		t.Fatalf("open with other ip: %v", err)
	}
}

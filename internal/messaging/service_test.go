package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+33 6 12 34 56 78", "+33612345678", false},
		{"whatsapp:+15551234567", "+15551234567", false},
		{"33612345678@s.whatsapp.net", "+33612345678", false},
		{"33612345678:12@s.whatsapp.net", "+33612345678", false},
		{"0033612345678", "+33612345678", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRecipient) {
				t.Errorf("CanonicalizePhone(%q) error = %v, want ErrInvalidRecipient", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender()
	id, err := s.Send(context.Background(), "+33 612345678", "Bonjour")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !strings.HasPrefix(id, "log-") {
		t.Errorf("unexpected id %q", id)
	}
	sent := s.Sent()
	if len(sent) != 1 || sent[0].To != "+33612345678" || sent[0].Body != "Bonjour" {
		t.Errorf("unexpected captured messages: %+v", sent)
	}

	if _, err := s.Send(context.Background(), "nope", "x"); err == nil {
		t.Error("expected error for invalid recipient")
	}
}

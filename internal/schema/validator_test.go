package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validEvent() *Event {
	return &Event{
		EventID:   uuid.New(),
		EventType: "brute_force",
		SourceIP:  "10.0.0.5",
		Timestamp: time.Now().UTC(),
		Severity:  SeverityMedium,
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "valid event", mutate: func(e *Event) {}, wantErr: false},
		{name: "missing event type", mutate: func(e *Event) { e.EventType = "" }, wantErr: true},
		{name: "bad event type format", mutate: func(e *Event) { e.EventType = "Brute Force!" }, wantErr: true},
		{name: "missing source ip", mutate: func(e *Event) { e.SourceIP = "" }, wantErr: true},
		{name: "malformed source ip", mutate: func(e *Event) { e.SourceIP = "not-an-ip" }, wantErr: true},
		{name: "malformed dest ip", mutate: func(e *Event) { e.DestIP = "999.1.1.1" }, wantErr: true},
		{name: "empty dest ip ok", mutate: func(e *Event) { e.DestIP = "" }, wantErr: false},
		{name: "ipv6 source ok", mutate: func(e *Event) { e.SourceIP = "2001:db8::1" }, wantErr: false},
		{name: "zero timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, wantErr: true},
		{name: "too old", mutate: func(e *Event) { e.Timestamp = time.Now().Add(-30 * 24 * time.Hour) }, wantErr: true},
		{name: "too far in future", mutate: func(e *Event) { e.Timestamp = time.Now().Add(time.Hour) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent()
			tt.mutate(event)

			err := v.Validate(event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("error type = %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestValidateEventType(t *testing.T) {
	valid := []string{"brute_force", "ids.alert", "fail2ban.ban", "port_scan"}
	invalid := []string{"", "Brute", "1scan", "ids..alert", "ids.Alert"}

	for _, s := range valid {
		if !ValidateEventType(s) {
			t.Errorf("ValidateEventType(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if ValidateEventType(s) {
			t.Errorf("ValidateEventType(%q) = true, want false", s)
		}
	}
}

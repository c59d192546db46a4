package model

import "testing"

func TestIsSessionTerminal(t *testing.T) {
	if IsSessionTerminal(SessionWaiting) {
		t.Error("waiting must not be terminal")
	}
	if !IsSessionTerminal(SessionDelivered) {
		t.Error("delivered must be terminal")
	}
}

func TestValidateSessionTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		valid    bool
	}{
		{SessionWaiting, SessionDelivered, true},
		{SessionDelivered, SessionWaiting, false},
		{SessionDelivered, SessionDelivered, false},
		{SessionWaiting, SessionWaiting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateSessionTransition(tt.from, tt.to)
			if (err == nil) != tt.valid {
				t.Errorf("ValidateSessionTransition(%s, %s) err = %v, valid want %v", tt.from, tt.to, err, tt.valid)
			}
		})
	}
}

func TestParseMessageSource(t *testing.T) {
	for _, s := range []string{"", "agent", "admin"} {
		if _, err := ParseMessageSource(s); err != nil {
			t.Errorf("ParseMessageSource(%q) returned error: %v", s, err)
		}
	}
	if _, err := ParseMessageSource("robot"); err == nil {
		t.Error("expected error for unknown source")
	}
}

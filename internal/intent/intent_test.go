package intent

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		reply   string
		booking bool
		optOut  bool
	}{
		{"booking in user message", "Can I BOOK a consult?", "Sure!", true, false},
		{"booking in reply", "hi", "Would you like to schedule a visit?", true, false},
		{"booking word form", "I'd like to get booked", "", true, false},
		{"multi word booking", "When can I come in?", "", true, false},
		{"opt out", "STOP", "", false, true},
		{"opt out phrase", "I'm not interested, thanks", "Understood.", false, true},
		{"opt out punctuation", "please... remove me!", "", false, true},
		{"both", "stop texting me, I already have an appointment", "", true, true},
		{"neither", "What are your prices?", "Our facials start at $99.", false, false},
		{"inside a word does not match", "my facebook page", "", false, false},
		{"empty", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.user, tt.reply)
			if got.Booking != tt.booking || got.OptOut != tt.optOut {
				t.Errorf("Detect(%q, %q) = %+v, want booking=%v optOut=%v", tt.user, tt.reply, got, tt.booking, tt.optOut)
			}
			if HasBookingIntent(tt.user, tt.reply) != tt.booking {
				t.Errorf("HasBookingIntent mismatch")
			}
			if HasOptOutIntent(tt.user, tt.reply) != tt.optOut {
				t.Errorf("HasOptOutIntent mismatch")
			}
			if got.Any() != (tt.booking || tt.optOut) {
				t.Errorf("Any mismatch")
			}
		})
	}
}

func TestDetect_ConcatenationBoundary(t *testing.T) {
	// "when" ends the message and "can" starts the reply.
	if !HasBookingIntent("when", "can we help?") {
		t.Error("expected a match across the message/reply boundary")
	}
}

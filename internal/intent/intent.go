// Package intent scans an exchange for booking and opt-out signals.
//
// Detection is a keyword heuristic over the contact's message and the generated reply.
// False positives and negatives are expected; callers treat the result as a trigger hint.
package intent

import (
	"strings"
	"unicode"
)

// BookingKeywords match at the start of a word, so "book" also matches "booking".
var BookingKeywords = []string{
	"book",
	"schedule",
	"appointment",
	"calendar",
	"available",
	"availability",
	"meeting",
	"when can",
	"reschedule",
	"confirm",
	"consultation",
}

// OptOutKeywords match at the start of a word.
var OptOutKeywords = []string{
	"stop",
	"unsubscribe",
	"not interested",
	"remove me",
	"opt out",
	"do not contact",
	"don't contact",
	"leave me alone",
}

// Intents holds the two independent predicates. Both may be true.
type Intents struct {
	Booking bool `json:"booking"`
	OptOut  bool `json:"opt_out"`
}

// Any reports whether any intent was detected.
func (i Intents) Any() bool {
	return i.Booking || i.OptOut
}

// Detect scans the concatenation of the contact's message and the reply.
func Detect(userMessage, reply string) Intents {
	text := prepare(userMessage + " " + reply)
	return Intents{
		Booking: containsAny(text, BookingKeywords),
		OptOut:  containsAny(text, OptOutKeywords),
	}
}

// HasBookingIntent reports whether the exchange mentions booking or scheduling.
func HasBookingIntent(userMessage, reply string) bool {
	return containsAny(prepare(userMessage+" "+reply), BookingKeywords)
}

// HasOptOutIntent reports whether the exchange asks to stop contact.
func HasOptOutIntent(userMessage, reply string) bool {
	return containsAny(prepare(userMessage+" "+reply), OptOutKeywords)
}

// prepare lowercases s and collapses every run of punctuation or space into one
// space, with a leading space so word-start matches need no special case.
func prepare(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return b.String()
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, " "+kw) {
			return true
		}
	}
	return false
}

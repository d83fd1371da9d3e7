package models

import "errors"

// Engine error taxonomy. Callers match with errors.Is; producers wrap with
// fmt.Errorf("%w: ...") to attach detail.
var (
	// ErrNormalization means an inbound payload had no message body or no contact id.
	ErrNormalization = errors.New("inbound payload could not be normalized")
	// ErrNoStrategyFound means the account has no strategies at all.
	ErrNoStrategyFound = errors.New("no strategy found for account")
	// ErrGeneration means every provider and the canned fallback were exhausted.
	ErrGeneration = errors.New("reply generation failed")
	// ErrDelivery means the outbound send to the platform failed.
	ErrDelivery = errors.New("outbound delivery failed")
	// ErrNotConnected means the account has no platform credentials.
	ErrNotConnected = errors.New("account is not connected to the platform")
	// ErrActionStep marks a single failed chain step.
	ErrActionStep = errors.New("action step failed")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidStepParams    = errors.New("invalid step parameters")
)

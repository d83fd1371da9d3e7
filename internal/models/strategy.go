package models

import (
	"errors"
	"time"
)

// DefaultTemperature is used when a strategy leaves temperature unset.
const DefaultTemperature = 0.7

// FAQ is a question/answer pair the bot may draw on.
type FAQ struct {
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// FollowUp is a message sent after a period of contact silence.
type FollowUp struct {
	Message      string `json:"message"`
	DelayMinutes int    `json:"delay_minutes"`
}

// Strategy is the persona, prompt and rules configuration for one kind of conversation.
type Strategy struct {
	ID                     string     `json:"id"`
	AccountID              string     `json:"account_id"`
	Name                   string     `json:"name"`
	Tag                    string     `json:"tag,omitempty"`
	Role                   string     `json:"role,omitempty"`
	Objective              string     `json:"objective,omitempty"`
	CompanyName            string     `json:"company_name,omitempty"`
	Tone                   string     `json:"tone,omitempty"`
	InitialMessage         string     `json:"initial_message,omitempty"`
	BookingURL             string     `json:"booking_url,omitempty"`
	QualificationQuestions []string   `json:"qualification_questions,omitempty"`
	FAQs                   []FAQ      `json:"faqs,omitempty"`
	FollowUps              []FollowUp `json:"follow_ups,omitempty"`
	Temperature            *float64   `json:"temperature,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

var (
	ErrEmptyStrategyAccount = errors.New("strategy account id is required")
	ErrInvalidTemperature   = errors.New("temperature must be between 0 and 1")
	ErrInvalidFollowUpDelay = errors.New("follow-up delay must be positive")
)

// EffectiveTemperature returns the sampling temperature, defaulted and clamped to [0,1].
func (s *Strategy) EffectiveTemperature() float64 {
	if s == nil || s.Temperature == nil {
		return DefaultTemperature
	}
	t := *s.Temperature
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// Validate checks a strategy before it is stored.
func (s *Strategy) Validate() error {
	if s.AccountID == "" {
		return ErrEmptyStrategyAccount
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 1) {
		return ErrInvalidTemperature
	}
	for _, f := range s.FollowUps {
		if f.DelayMinutes <= 0 {
			return ErrInvalidFollowUpDelay
		}
	}
	return nil
}

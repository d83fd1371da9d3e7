package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEffectiveTemperature(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		s    *Strategy
		want float64
	}{
		{"nil strategy", nil, DefaultTemperature},
		{"unset", &Strategy{}, DefaultTemperature},
		{"explicit zero", &Strategy{Temperature: f(0)}, 0},
		{"in range", &Strategy{Temperature: f(0.3)}, 0.3},
		{"clamped high", &Strategy{Temperature: f(1.7)}, 1},
		{"clamped low", &Strategy{Temperature: f(-2)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.EffectiveTemperature(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStrategyValidate(t *testing.T) {
	bad := 1.5
	if err := (&Strategy{}).Validate(); !errors.Is(err, ErrEmptyStrategyAccount) {
		t.Errorf("expected ErrEmptyStrategyAccount, got %v", err)
	}
	if err := (&Strategy{AccountID: "a", Temperature: &bad}).Validate(); !errors.Is(err, ErrInvalidTemperature) {
		t.Errorf("expected ErrInvalidTemperature, got %v", err)
	}
	if err := (&Strategy{AccountID: "a", FollowUps: []FollowUp{{Message: "hi", DelayMinutes: 0}}}).Validate(); !errors.Is(err, ErrInvalidFollowUpDelay) {
		t.Errorf("expected ErrInvalidFollowUpDelay, got %v", err)
	}
	if err := (&Strategy{AccountID: "a"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		function string
		params   string
		wantKind StepKind
		wantErr  bool
	}{
		{"mark_booked", "", StepMarkBooked, false},
		{"MARK_COMPLETED", "null", StepMarkCompleted, false},
		{"disable_automation", "{}", StepDisableAutomation, false},
		{"clear_followups", "", StepClearFollowUps, false},
		{"add_tags", `{"tags":["hot"," booked "]}`, StepAddTags, false},
		{"add_tags", `{"tags":[" "]}`, "", true},
		{"add_tags", `{"tags":"hot"}`, "", true},
		{"set_lead_score", `{"score":80}`, StepSetLeadScore, false},
		{"set_lead_score", `{"score":101}`, "", true},
		{"notify_owner", `{"to":"+15550001111","message":"Booked: {{contact_name}}"}`, StepNotifyOwner, false},
		{"notify_owner", `{"message":"x"}`, "", true},
		{"send_message", `{"message":"See you then!"}`, StepSendMessage, false},
		{"send_message", `{}`, "", true},
		{"launch_rockets", `{"count":3}`, StepUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.function+tt.params, func(t *testing.T) {
			spec, err := ParseStep(tt.function, json.RawMessage(tt.params))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStepParams) {
					t.Fatalf("expected ErrInvalidStepParams, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if spec.Kind() != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, spec.Kind())
			}
		})
	}
}

func TestParseStep_AddTagsTrimmed(t *testing.T) {
	spec, err := ParseStep("add_tags", json.RawMessage(`{"tags":[" hot ","","booked"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := spec.(AddTagsStep).Tags
	if len(tags) != 2 || tags[0] != "hot" || tags[1] != "booked" {
		t.Errorf("unexpected tags: %v", tags)
	}
}

func TestCredentialsExpiresWithin(t *testing.T) {
	now := time.Now()
	c := Credentials{ExpiresAt: now.Add(4 * time.Minute)}
	if !c.ExpiresWithin(now, 5*time.Minute) {
		t.Error("expected token expiring in 4m to be within a 5m window")
	}
	c.ExpiresAt = now.Add(time.Hour)
	if c.ExpiresWithin(now, 5*time.Minute) {
		t.Error("expected token expiring in 1h to be outside a 5m window")
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
	if r := SuccessWithMessage("received", nil); r.Status != string(APIStatusOK) || r.Message != "received" {
		t.Errorf("unexpected success response: %+v", r)
	}
}

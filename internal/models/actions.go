package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known action names the engine triggers on detected intents.
const (
	ActionBooking = "booking"
	ActionOptOut  = "opt_out"
)

// CustomAction is a named trigger with a human-readable rule condition.
type CustomAction struct {
	ID            string        `json:"id"`
	StrategyID    string        `json:"strategy_id"`
	Name          string        `json:"name"`
	RuleCondition string        `json:"rule_condition,omitempty"`
	Chains        []ActionChain `json:"chains,omitempty"`
}

// ActionChain is an ordered list of steps inside an action.
type ActionChain struct {
	ID         string      `json:"id"`
	ActionID   string      `json:"action_id"`
	Name       string      `json:"name,omitempty"`
	ChainOrder int         `json:"chain_order"`
	Steps      []ChainStep `json:"steps,omitempty"`
}

// ChainStep names a step function and its raw JSON parameters.
type ChainStep struct {
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id"`
	StepOrder int             `json:"step_order"`
	Function  string          `json:"function"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// StepKind is the closed set of step functions.
type StepKind string

const (
	StepMarkBooked        StepKind = "mark_booked"
	StepMarkCompleted     StepKind = "mark_completed"
	StepDisableAutomation StepKind = "disable_automation"
	StepClearFollowUps    StepKind = "clear_followups"
	StepAddTags           StepKind = "add_tags"
	StepSetLeadScore      StepKind = "set_lead_score"
	StepNotifyOwner       StepKind = "notify_owner"
	StepSendMessage       StepKind = "send_message"
	StepUnknown           StepKind = "unknown"
)

// StepSpec is a parsed, validated step. Each kind has its own parameter type.
type StepSpec interface {
	Kind() StepKind
}

type MarkBookedStep struct{}
type MarkCompletedStep struct{}
type DisableAutomationStep struct{}
type ClearFollowUpsStep struct{}

type AddTagsStep struct {
	Tags []string `json:"tags"`
}

type SetLeadScoreStep struct {
	Score int `json:"score"`
}

type NotifyOwnerStep struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type SendMessageStep struct {
	Message string `json:"message"`
}

// UnknownStep is any function name outside the closed set. It is skipped at run time.
type UnknownStep struct {
	Function string
}

func (MarkBookedStep) Kind() StepKind        { return StepMarkBooked }
func (MarkCompletedStep) Kind() StepKind     { return StepMarkCompleted }
func (DisableAutomationStep) Kind() StepKind { return StepDisableAutomation }
func (ClearFollowUpsStep) Kind() StepKind    { return StepClearFollowUps }
func (AddTagsStep) Kind() StepKind           { return StepAddTags }
func (SetLeadScoreStep) Kind() StepKind      { return StepSetLeadScore }
func (NotifyOwnerStep) Kind() StepKind       { return StepNotifyOwner }
func (SendMessageStep) Kind() StepKind       { return StepSendMessage }
func (UnknownStep) Kind() StepKind           { return StepUnknown }

// ParseStep decodes and validates a step's parameters for its function.
// Unknown function names parse to UnknownStep without error.
func ParseStep(function string, params json.RawMessage) (StepSpec, error) {
	kind := StepKind(strings.ToLower(strings.TrimSpace(function)))
	switch kind {
	case StepMarkBooked:
		return MarkBookedStep{}, nil
	case StepMarkCompleted:
		return MarkCompletedStep{}, nil
	case StepDisableAutomation:
		return DisableAutomationStep{}, nil
	case StepClearFollowUps:
		return ClearFollowUpsStep{}, nil
	case StepAddTags:
		var p AddTagsStep
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		var tags []string
		for _, t := range p.Tags {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		if len(tags) == 0 {
			return nil, fmt.Errorf("%w: add_tags requires at least one tag", ErrInvalidStepParams)
		}
		p.Tags = tags
		return p, nil
	case StepSetLeadScore:
		var p SetLeadScoreStep
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Score < MinLeadScore || p.Score > MaxLeadScore {
			return nil, fmt.Errorf("%w: score %d out of range", ErrInvalidStepParams, p.Score)
		}
		return p, nil
	case StepNotifyOwner:
		var p NotifyOwnerStep
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.To) == "" || strings.TrimSpace(p.Message) == "" {
			return nil, fmt.Errorf("%w: notify_owner requires to and message", ErrInvalidStepParams)
		}
		return p, nil
	case StepSendMessage:
		var p SendMessageStep
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Message) == "" {
			return nil, fmt.Errorf("%w: send_message requires message", ErrInvalidStepParams)
		}
		return p, nil
	default:
		return UnknownStep{Function: function}, nil
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStepParams, err)
	}
	return nil
}

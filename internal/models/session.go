package models

import "time"

// FlowStep is a position in the reservation form.
type FlowStep string

const (
	StepPartySize FlowStep = "party_size"
	StepDate      FlowStep = "date"
	StepTime      FlowStep = "time"
	StepDuration  FlowStep = "duration"
	StepComplete  FlowStep = "complete"
)

// flowOrder is the only legal progression of a reservation flow.
var flowOrder = []FlowStep{StepPartySize, StepDate, StepTime, StepDuration, StepComplete}

// Next returns the step that follows s. StepComplete is terminal and returns itself.
func (s FlowStep) Next() FlowStep {
	for i, step := range flowOrder {
		if step == s && i+1 < len(flowOrder) {
			return flowOrder[i+1]
		}
	}
	return StepComplete
}

// Index returns the position of s in the flow order, or -1 when unknown.
func (s FlowStep) Index() int {
	for i, step := range flowOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// ReservationData holds the answers collected so far. Zero values mean "not yet answered".
type ReservationData struct {
	PartySize int    `json:"party_size,omitempty"`
	Date      string `json:"date,omitempty"`     // YYYY-MM-DD
	Time      string `json:"time,omitempty"`     // HH:MM, 24h
	Duration  int    `json:"duration,omitempty"` // minutes
}

// ReservationFlow is the per-user reservation sub-state.
type ReservationFlow struct {
	Active    bool            `json:"active"`
	Step      FlowStep        `json:"step"`
	Data      ReservationData `json:"data"`
	Reprompts int             `json:"reprompts"` // consecutive invalid answers at the current step
}

// Session is the ephemeral per-user record kept between turns.
type Session struct {
	UserID          string           `json:"user_id"`
	IsFirstTime     bool             `json:"is_first_time"`
	LastIntent      string           `json:"last_intent,omitempty"`
	LastMessageTime time.Time        `json:"last_message_time"`
	MessageCount    int              `json:"message_count"`
	ReservationFlow *ReservationFlow `json:"reservation_flow,omitempty"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (s Session) Clone() Session {
	out := s
	if s.ReservationFlow != nil {
		rf := *s.ReservationFlow
		out.ReservationFlow = &rf
	}
	return out
}

// FlowActive reports whether the session has a reservation flow in progress.
func (s Session) FlowActive() bool {
	return s.ReservationFlow != nil && s.ReservationFlow.Active
}

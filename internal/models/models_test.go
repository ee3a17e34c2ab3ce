package models

import "testing"

func TestFlowStepNext(t *testing.T) {
	want := []FlowStep{StepDate, StepTime, StepDuration, StepComplete, StepComplete}
	steps := []FlowStep{StepPartySize, StepDate, StepTime, StepDuration, StepComplete}
	for i, s := range steps {
		if got := s.Next(); got != want[i] {
			t.Errorf("%s.Next() = %s, want %s", s, got, want[i])
		}
	}
	if FlowStep("bogus").Index() != -1 {
		t.Error("unknown step should have index -1")
	}
}

func TestSessionCloneDoesNotAliasFlow(t *testing.T) {
	s := Session{UserID: "+44", ReservationFlow: &ReservationFlow{Active: true, Step: StepDate}}
	c := s.Clone()
	c.ReservationFlow.Step = StepTime
	c.ReservationFlow.Data.PartySize = 4
	if s.ReservationFlow.Step != StepDate || s.ReservationFlow.Data.PartySize != 0 {
		t.Error("Clone shares the reservation flow with the original")
	}
	if !s.FlowActive() {
		t.Error("expected flow to be active")
	}
}

func TestInboundEventSupported(t *testing.T) {
	cases := []struct {
		name string
		evt  InboundEvent
		want bool
	}{
		{"text", InboundEvent{Kind: EventText, Text: "hi"}, true},
		{"empty text", InboundEvent{Kind: EventText}, false},
		{"button", InboundEvent{Kind: EventButtonReply, Selection: &Selection{ID: "menu_wine"}}, true},
		{"list without selection", InboundEvent{Kind: EventListReply}, false},
		{"audio", InboundEvent{Kind: EventAudio, Audio: &MediaRef{ID: "m1"}}, true},
		{"location", InboundEvent{Kind: EventLocation, Location: &Location{}}, true},
		{"sticker", InboundEvent{Kind: EventUnsupported}, false},
	}
	for _, tc := range cases {
		if got := tc.evt.Supported(); got != tc.want {
			t.Errorf("%s: Supported() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
	if r := Success(map[string]int{"n": 1}); r.Status != string(APIStatusOK) || r.Result == nil {
		t.Errorf("unexpected success response: %+v", r)
	}
}

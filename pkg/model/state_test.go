package model

import "testing"

func TestState_Letter(t *testing.T) {
	want := "UqhrdFTMC"
	for i, s := range AllStates {
		if got := s.Letter(); got != want[i] {
			t.Errorf("State(%q).Letter() = %c, want %c", s, got, want[i])
		}
		back, err := StateFromLetter(want[i])
		if err != nil || back != s {
			t.Errorf("StateFromLetter(%c) = %q, %v; want %q", want[i], back, err, s)
		}
	}
}

func TestState_Classes(t *testing.T) {
	tests := []struct {
		state State
		bad   bool
		alive bool
	}{
		{StateUndefined, false, false},
		{StateQueued, false, true},
		{StateHold, false, true},
		{StateRunning, false, true},
		{StateDone, false, false},
		{StateFailed, true, false},
		{StateTimeout, true, false},
		{StateMemory, true, false},
		{StateCanceled, true, false},
	}
	for _, tt := range tests {
		if got := tt.state.IsBad(); got != tt.bad {
			t.Errorf("State(%q).IsBad() = %v, want %v", tt.state, got, tt.bad)
		}
		if got := tt.state.IsAlive(); got != tt.alive {
			t.Errorf("State(%q).IsAlive() = %v, want %v", tt.state, got, tt.alive)
		}
	}
}

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		valid bool
	}{
		// Valid transitions
		{StateUndefined, StateQueued, true},
		{StateQueued, StateHold, true},
		{StateHold, StateQueued, true},
		{StateQueued, StateRunning, true},
		{StateQueued, StateCanceled, true},
		{StateRunning, StateDone, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateTimeout, true},
		{StateFailed, StateMemory, true},
		{StateFailed, StateTimeout, true},
		{StateTimeout, StateQueued, true},
		{StateMemory, StateQueued, true},

		// Invalid transitions
		{StateUndefined, StateRunning, false},
		{StateDone, StateQueued, false},
		{StateDone, StateFailed, false},
		{StateRunning, StateQueued, false},
		{StateRunning, StateHold, false},
		{StateCanceled, StateQueued, false},
		{StateFailed, StateQueued, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("State(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestParseStateSet(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"a", "qhr"},
		{"A", "FTMC"},
		{"dF", "dF"},
		{DefaultListStates, "qhrdFTMC"},
	}
	for _, tt := range tests {
		set, err := ParseStateSet(tt.in)
		if err != nil {
			t.Fatalf("ParseStateSet(%q): %v", tt.in, err)
		}
		if got := set.Letters(); got != tt.want {
			t.Errorf("ParseStateSet(%q).Letters() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStateSet_Unknown(t *testing.T) {
	_, err := ParseStateSet("qx")
	var ue *UserError
	if err == nil {
		t.Fatal("expected error for unknown letter")
	}
	if !asUserError(err, &ue) {
		t.Errorf("error %T is not a UserError", err)
	}
}

func TestParseState(t *testing.T) {
	for _, in := range []string{"queued", "q"} {
		s, err := ParseState(in)
		if err != nil || s != StateQueued {
			t.Errorf("ParseState(%q) = %q, %v", in, s, err)
		}
	}
	if s, err := ParseState("memory"); err != nil || s != StateMemory {
		t.Errorf("ParseState(memory) = %q, %v", s, err)
	}
}

package negotiate

import "testing"

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		legal    bool
	}{
		{StateNew, StateGathering, true},
		{StateGathering, StateChecking, true},
		{StateGathering, StateConnected, true},
		{StateChecking, StateConnected, true},
		{StateConnected, StateChecking, true},
		{StateConnected, StateFailed, true},
		{StateFailed, StateGathering, true},
		{StateFailed, StateClosed, true},
		{StateNew, StateClosed, true},

		{StateClosed, StateConnected, false},
		{StateClosed, StateGathering, false},
		{StateNew, StateConnected, false},
		{StateNew, StateChecking, false},
		{StateFailed, StateConnected, false},
		{StateConnected, StateGathering, false},
	}
	for _, tt := range tests {
		if got := tt.from.canTransition(tt.to); got != tt.legal {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.legal)
		}
	}
}

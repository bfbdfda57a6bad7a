package trdp

import (
	"testing"
)

// -------------------------------------------------------------------------
// TestMDFSMTransitionTable verifies every transition in the MD dialog
// FSM: both the initiator side (Idle -> ReqSent -> Done /
// AwaitConfirmSend -> Done) and the responder side (Idle -> ReqRecvd ->
// Done / AwaitConfirmRecv -> Done).
// -------------------------------------------------------------------------

func TestMDFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		state     State
		event     Event
		wantState State
		wantOK    bool
	}{
		// Initiator side.
		{"Idle+RequestSent->ReqSent", StateIdle, EventRequestSent, StateReqSent, true},
		{"ReqSent+MpArrived->Done", StateReqSent, EventMpArrived, StateDone, true},
		{"ReqSent+MqArrived->AwaitConfirmSend", StateReqSent, EventMqArrived, StateAwaitConfirmSend, true},
		{"ReqSent+ReplyTimeout->Done", StateReqSent, EventReplyTimeout, StateDone, true},
		{"AwaitConfirmSend+UserConfirm->Done", StateAwaitConfirmSend, EventUserConfirm, StateDone, true},
		{"AwaitConfirmSend+ConfirmTimeout->Done", StateAwaitConfirmSend, EventConfirmTimeout, StateDone, true},

		// Responder side.
		{"Idle+MrArrived->ReqRecvd", StateIdle, EventMrArrived, StateReqRecvd, true},
		{"ReqRecvd+UserReply->Done", StateReqRecvd, EventUserReply, StateDone, true},
		{"ReqRecvd+UserReplyQuery->AwaitConfirmRecv", StateReqRecvd, EventUserReplyQuery, StateAwaitConfirmRecv, true},
		{"AwaitConfirmRecv+McArrived->Done", StateAwaitConfirmRecv, EventMcArrived, StateDone, true},
		{"AwaitConfirmRecv+ReqConfirmTimeout->Done", StateAwaitConfirmRecv, EventReqConfirmTimeout, StateDone, true},

		// Illegal combinations must be rejected, not silently accepted.
		{"Idle+MpArrived illegal", StateIdle, EventMpArrived, State(0), false},
		{"Done+MpArrived illegal (already terminal)", StateDone, EventMpArrived, State(0), false},

		// Abort is legal from every non-terminal state.
		{"ReqSent+Abort->Done", StateReqSent, EventAbort, StateDone, true},
		{"ReqRecvd+Abort->Done", StateReqRecvd, EventAbort, StateDone, true},
		{"AwaitConfirmRecv+Abort->Done", StateAwaitConfirmRecv, EventAbort, StateDone, true},
		{"Done+Abort illegal (already terminal)", StateDone, EventAbort, State(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ApplyEvent(tt.state, tt.event)
			if ok != tt.wantOK {
				t.Fatalf("ApplyEvent(%v, %v) ok = %v, want %v", tt.state, tt.event, ok, tt.wantOK)
			}
			if ok && got.next != tt.wantState {
				t.Fatalf("ApplyEvent(%v, %v) next = %v, want %v", tt.state, tt.event, got.next, tt.wantState)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := map[State]string{
		StateIdle:             "Idle",
		StateReqSent:          "ReqSent",
		StateAwaitConfirmSend: "AwaitConfirmSend",
		StateReqRecvd:         "ReqRecvd",
		StateAwaitConfirmRecv: "AwaitConfirmRecv",
		StateDone:             "Done",
		State(255):            "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

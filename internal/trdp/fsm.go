package trdp

// State is an MD dialog state. The same State type is shared by
// the initiator and responder side FSMs; which transitions are legal from
// a given state depends on which side the MDSession is playing, enforced
// by which Events Dispatch ever raises for it.
type State uint8

// MD dialog states.
const (
	StateIdle             State = iota
	StateReqSent                // initiator: request sent, awaiting Mp/Mq
	StateAwaitConfirmSend       // initiator: Mq received, awaiting user confirm
	StateReqRecvd               // responder: Mr received, awaiting user reply/replyQuery
	StateAwaitConfirmRecv       // responder: replyQuery sent, awaiting Mc
	StateDone                   // terminal
)

// String renders a State for logging and admin-API JSON output.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReqSent:
		return "ReqSent"
	case StateAwaitConfirmSend:
		return "AwaitConfirmSend"
	case StateReqRecvd:
		return "ReqRecvd"
	case StateAwaitConfirmRecv:
		return "AwaitConfirmRecv"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Event drives an MD FSM transition.
type Event uint8

// MD FSM events.
const (
	EventRequestSent Event = iota
	EventMpArrived
	EventMqArrived
	EventUserConfirm
	EventReplyTimeout
	EventConfirmTimeout
	EventMrArrived
	EventUserReply
	EventUserReplyQuery
	EventMcArrived
	EventReqConfirmTimeout
	EventAbort
)

// Action is the side effect Dispatch tells the caller to perform after a
// transition: which callback (if any) to invoke, and with what result.
type Action uint8

// MD FSM actions.
const (
	ActionNone Action = iota
	ActionCallbackReply
	ActionCallbackReplyQuery
	ActionCallbackReplyTimeout
	ActionCallbackConfirmTimeout
	ActionCallbackRequest
	ActionCallbackConfirm
	ActionCallbackReqConfirmTimeout
	ActionCallbackAborted
)

// stateEvent is the FSM transition table's lookup key.
type stateEvent struct {
	state State
	event Event
}

// transition is the FSM table's value: the resulting state and the
// action the caller should perform.
type transition struct {
	next   State
	action Action
}

// fsmTable is the MD dialog transition table. It is a pure lookup:
// Dispatch never mutates it and never blocks. Terminal transitions all
// land on StateDone; MDSession removal from the session table is the
// caller's responsibility once Dispatch reports that state.
var fsmTable = map[stateEvent]transition{
	// Initiator side.
	{StateIdle, EventRequestSent}:                {StateReqSent, ActionNone},
	{StateReqSent, EventMpArrived}:               {StateDone, ActionCallbackReply},
	{StateReqSent, EventMqArrived}:               {StateAwaitConfirmSend, ActionCallbackReplyQuery},
	{StateReqSent, EventReplyTimeout}:            {StateDone, ActionCallbackReplyTimeout},
	{StateAwaitConfirmSend, EventUserConfirm}:    {StateDone, ActionNone},
	{StateAwaitConfirmSend, EventConfirmTimeout}: {StateDone, ActionCallbackConfirmTimeout},

	// Responder side.
	{StateIdle, EventMrArrived}:                     {StateReqRecvd, ActionCallbackRequest},
	{StateReqRecvd, EventUserReply}:                 {StateDone, ActionNone},
	{StateReqRecvd, EventUserReplyQuery}:            {StateAwaitConfirmRecv, ActionNone},
	{StateAwaitConfirmRecv, EventMcArrived}:         {StateDone, ActionCallbackConfirm},
	{StateAwaitConfirmRecv, EventReqConfirmTimeout}: {StateDone, ActionCallbackReqConfirmTimeout},
}

// ApplyEvent looks up the transition for (state, event). ok is false for
// an event that is not legal from state, most commonly a stray duplicate
// packet arriving after a dialog already reached StateDone, which callers
// should simply ignore rather than treat as an error.
func ApplyEvent(state State, event Event) (transition, bool) {
	// Abort is legal from every non-terminal state.
	if event == EventAbort && state != StateDone {
		return transition{StateDone, ActionCallbackAborted}, true
	}

	t, ok := fsmTable[stateEvent{state, event}]
	return t, ok
}

// msgTypeToEvent maps an arriving MD message type to the FSM event it
// raises on the appropriate side's session.
func msgTypeToEvent(m MsgType) (Event, bool) {
	switch m {
	case MsgMr:
		return EventMrArrived, true
	case MsgMp:
		return EventMpArrived, true
	case MsgMq:
		return EventMqArrived, true
	case MsgMc:
		return EventMcArrived, true
	default:
		return 0, false
	}
}

package sal

import (
	"github.com/looplab/fsm"
)

// CallState состояние операции вызова
type CallState string

const (
	CallStateIdle               CallState = "idle"
	CallStateOutgoingInit       CallState = "outgoing_init"
	CallStateOutgoingProceeding CallState = "outgoing_proceeding"
	CallStateOutgoingEarlyMedia CallState = "outgoing_early_media"
	CallStateCancelling         CallState = "cancelling"
	CallStateConnected          CallState = "connected"
	CallStateIncomingReceived   CallState = "incoming_received"
	CallStateIncomingEarlyMedia CallState = "incoming_early_media"
	CallStateAccepted           CallState = "accepted"
	CallStateActive             CallState = "active"
	CallStateUpdating           CallState = "updating"
	CallStatePaused             CallState = "paused"
	CallStateTerminated         CallState = "terminated"
	CallStateReleased           CallState = "released"
)

// IsTerminal Terminated и Released поглощающие состояния
func (s CallState) IsTerminal() bool {
	return s == CallStateTerminated || s == CallStateReleased
}

// IsOutgoingEarly исходящий вызов до финального ответа
func (s CallState) IsOutgoingEarly() bool {
	switch s {
	case CallStateOutgoingInit, CallStateOutgoingProceeding, CallStateOutgoingEarlyMedia:
		return true
	}
	return false
}

// IsIncomingEarly входящий вызов до ответа
func (s CallState) IsIncomingEarly() bool {
	return s == CallStateIncomingReceived || s == CallStateIncomingEarlyMedia
}

// IsEstablished диалог подтвержден с нашей стороны
func (s CallState) IsEstablished() bool {
	switch s {
	case CallStateConnected, CallStateAccepted, CallStateActive, CallStateUpdating, CallStatePaused:
		return true
	}
	return false
}

// события автомата вызова
const (
	callEventCall          = "call"
	callEventProceeding    = "proceeding"
	callEventEarlyMedia    = "early_media"
	callEventCancel        = "cancel"
	callEventConnected     = "connected"
	callEventIncoming      = "incoming"
	callEventIncomingEarly = "incoming_early"
	callEventAccept        = "accept"
	callEventActive        = "active"
	callEventPause         = "pause"
	callEventUpdate        = "update"
	callEventTerminate     = "terminate"
	callEventRelease       = "release"
)

func states(s ...CallState) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = string(v)
	}
	return out
}

// newCallFSM строит автомат вызова. Колбэки не используются:
// уведомления владельца делает CallOp.transition после Event.
func newCallFSM() *fsm.FSM {
	nonTerminal := states(
		CallStateIdle,
		CallStateOutgoingInit, CallStateOutgoingProceeding, CallStateOutgoingEarlyMedia, CallStateCancelling,
		CallStateConnected,
		CallStateIncomingReceived, CallStateIncomingEarlyMedia, CallStateAccepted,
		CallStateActive, CallStateUpdating, CallStatePaused,
	)

	return fsm.NewFSM(
		string(CallStateIdle),
		fsm.Events{
			// исходящий вызов
			{Name: callEventCall, Src: states(CallStateIdle), Dst: string(CallStateOutgoingInit)},
			{Name: callEventProceeding, Src: states(CallStateOutgoingInit), Dst: string(CallStateOutgoingProceeding)},
			{Name: callEventEarlyMedia, Src: states(CallStateOutgoingInit, CallStateOutgoingProceeding), Dst: string(CallStateOutgoingEarlyMedia)},
			{Name: callEventCancel, Src: states(CallStateOutgoingInit, CallStateOutgoingProceeding, CallStateOutgoingEarlyMedia), Dst: string(CallStateCancelling)},
			{Name: callEventConnected, Src: states(CallStateOutgoingInit, CallStateOutgoingProceeding, CallStateOutgoingEarlyMedia), Dst: string(CallStateConnected)},

			// входящий вызов
			{Name: callEventIncoming, Src: states(CallStateIdle), Dst: string(CallStateIncomingReceived)},
			{Name: callEventIncomingEarly, Src: states(CallStateIncomingReceived), Dst: string(CallStateIncomingEarlyMedia)},
			{Name: callEventAccept, Src: states(CallStateIncomingReceived, CallStateIncomingEarlyMedia), Dst: string(CallStateAccepted)},

			// установленный вызов
			{Name: callEventActive, Src: states(CallStateConnected, CallStateAccepted, CallStateUpdating, CallStatePaused), Dst: string(CallStateActive)},
			{Name: callEventPause, Src: states(CallStateConnected, CallStateAccepted, CallStateUpdating, CallStateActive), Dst: string(CallStatePaused)},
			{Name: callEventUpdate, Src: states(CallStateActive, CallStatePaused), Dst: string(CallStateUpdating)},

			{Name: callEventTerminate, Src: nonTerminal, Dst: string(CallStateTerminated)},
			{Name: callEventRelease, Src: append(nonTerminal, string(CallStateTerminated)), Dst: string(CallStateReleased)},
		},
		fsm.Callbacks{},
	)
}

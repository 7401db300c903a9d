package sal

import "github.com/looplab/fsm"

// ReferState состояние операции REFER
type ReferState string

const (
	ReferStateIdle         ReferState = "idle"
	ReferStateSent         ReferState = "sent"
	ReferStateCompleted    ReferState = "completed"
	ReferStateFailed       ReferState = "failed"
	ReferStateReceived     ReferState = "received"
	ReferStateRepliedOk    ReferState = "replied_ok"
	ReferStateRepliedError ReferState = "replied_error"
	ReferStateTerminated   ReferState = "terminated"
)

const (
	referEventSend      = "send"
	referEventComplete  = "complete"
	referEventFail      = "fail"
	referEventReceive   = "receive"
	referEventReplyOk   = "reply_ok"
	referEventReplyErr  = "reply_error"
	referEventTerminate = "terminate"
)

// newReferFSM автомат операции.
// Исходящая: idle -> sent -> completed|failed.
// Входящая: idle -> received -> replied_ok|replied_error.
// Любое состояние завершается terminated при освобождении.
func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(ReferStateIdle),
		fsm.Events{
			{Name: referEventSend, Src: []string{string(ReferStateIdle)}, Dst: string(ReferStateSent)},
			{Name: referEventComplete, Src: []string{string(ReferStateSent)}, Dst: string(ReferStateCompleted)},
			{Name: referEventFail, Src: []string{string(ReferStateSent)}, Dst: string(ReferStateFailed)},
			{Name: referEventReceive, Src: []string{string(ReferStateIdle)}, Dst: string(ReferStateReceived)},
			{Name: referEventReplyOk, Src: []string{string(ReferStateReceived)}, Dst: string(ReferStateRepliedOk)},
			{Name: referEventReplyErr, Src: []string{string(ReferStateReceived)}, Dst: string(ReferStateRepliedError)},
			{Name: referEventTerminate, Src: []string{
				string(ReferStateIdle), string(ReferStateSent), string(ReferStateCompleted), string(ReferStateFailed),
				string(ReferStateReceived), string(ReferStateRepliedOk), string(ReferStateRepliedError),
			}, Dst: string(ReferStateTerminated)},
		},
		fsm.Callbacks{},
	)
}

// Состояние подписки на ход перевода (RFC 3515 §2.4.4) со стороны
// отправителя NOTIFY.
// pending    REFER принят, NOTIFY еще не отправлялся;
// trying     отправлен NOTIFY с 100 Trying;
// proceeding отправлен NOTIFY с 1xx;
// completed  отправлен NOTIFY с финальным кодом < 300;
// failed     отправлен NOTIFY с финальным кодом >= 300;
// terminated подписка закрыта, NOTIFY больше не отправляются.
const (
	subscriptionPending    = "pending"
	subscriptionTrying     = "trying"
	subscriptionProceeding = "proceeding"
	subscriptionCompleted  = "completed"
	subscriptionFailed     = "failed"
	subscriptionTerminated = "terminated"
)

func newReferSubscriptionFSM() *fsm.FSM {
	return fsm.NewFSM(
		subscriptionPending,
		fsm.Events{
			{Name: "notify_100", Src: []string{subscriptionPending}, Dst: subscriptionTrying},
			{Name: "notify_1xx", Src: []string{subscriptionTrying, subscriptionPending}, Dst: subscriptionProceeding},
			{Name: "notify_success", Src: []string{subscriptionTrying, subscriptionProceeding, subscriptionPending}, Dst: subscriptionCompleted},
			{Name: "notify_failure", Src: []string{subscriptionTrying, subscriptionProceeding, subscriptionPending}, Dst: subscriptionFailed},
			{Name: "terminate", Src: []string{subscriptionCompleted, subscriptionFailed}, Dst: subscriptionTerminated},
		}, nil,
	)
}

// subscriptionEvent событие подписки по коду из sipfrag
func subscriptionEvent(code int) string {
	switch {
	case code == 100:
		return "notify_100"
	case code < 200:
		return "notify_1xx"
	case code < 300:
		return "notify_success"
	default:
		return "notify_failure"
	}
}

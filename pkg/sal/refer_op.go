package sal

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// ReferOp операция REFER (RFC 3515): отправляет или принимает ровно один REFER
type ReferOp struct {
	Op

	fsm *fsm.FSM

	referTo     string
	replaces    *ReplacesInfo
	referredBy  string
	autoResolve bool

	request *sip.Request
}

func (s *Stack) newReferOp(dir OpDirection) *ReferOp {
	op := &ReferOp{fsm: newReferFSM()}
	op.init(s, op, KindRefer)
	op.dir = dir
	s.register(op)
	return op
}

func (op *ReferOp) State() ReferState { return ReferState(op.fsm.Current()) }

// ReferTo цель перевода (Refer-To без угловых скобок)
func (op *ReferOp) ReferTo() string { return op.referTo }

// AutoResolve цель была без хоста и дополнена хостом удаленной стороны
func (op *ReferOp) AutoResolve() bool { return op.autoResolve }

// Replaces параметры attended transfer из Refer-To, может быть nil
func (op *ReferOp) Replaces() *ReplacesInfo { return op.replaces }

// ReferredBy значение Referred-By входящего REFER
func (op *ReferOp) ReferredBy() string { return op.referredBy }

func (op *ReferOp) event(name string) {
	from := op.State()
	if err := op.fsm.Event(op.ctx(), name); err != nil && !isNoTransition(err) {
		op.log.Warn(op.ctx(), "refer transition rejected", String("event", name), String("state", string(from)), Err(err))
		return
	}
	op.log.Debug(op.ctx(), "refer state changed", String("from", string(from)), String("to", string(op.State())))
}

// SendRefer отправляет REFER. Цель без хоста помечается AutoResolve
// и дополняется хостом удаленного адреса.
func (op *ReferOp) SendRefer(referTo string) error {
	if !op.fsm.Can(referEventSend) {
		return invalidState("send refer", string(op.State()))
	}
	target, replaces, err := parseReferTo(referTo)
	if err != nil {
		return err
	}

	value := referTo
	autoResolve := false
	if !hasHost(target) {
		if op.remoteURI == nil {
			return ErrIncompleteAddressing
		}
		user := strings.TrimPrefix(strings.TrimPrefix(target, "sip:"), "sips:")
		resolved := sip.Uri{Scheme: "sip", User: user, Host: op.remoteURI.Host, Port: op.remoteURI.Port}
		target = resolved.String()
		value = target
		if replaces != nil {
			value = referToWithReplaces(target, replaces)
		}
		autoResolve = true
	}

	req, err := op.BuildRequest(sip.REFER)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", wrapURI(value)))
	if op.localURI != nil {
		req.AppendHeader(sip.NewHeader("Referred-By", wrapURI(op.localURI.String())))
	}
	req.AppendHeader(sip.NewHeader("Event", "refer"))

	op.referTo, op.replaces, op.autoResolve = target, replaces, autoResolve
	op.request = req
	op.event(referEventSend)
	if _, err := op.SendRequest(req); err != nil {
		return err
	}
	return nil
}

// hasHost проверяет, что цель содержит хост. "carol" и "sip:carol"
// считаются голым именем пользователя.
func hasHost(target string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(target, "sips:"), "sip:")
	if !strings.Contains(rest, "@") && !strings.ContainsAny(rest, ".:[") {
		return false
	}
	if rest == target {
		target = "sip:" + target
	}
	var uri sip.Uri
	return sip.ParseUri(target, &uri) == nil && uri.Host != ""
}

// Reply отвечает на полученный REFER. ReasonNone означает 202 Accepted.
// Допускается ровно один вызов.
func (op *ReferOp) Reply(reason Reason) error {
	if op.pendingServerTx == nil || op.request == nil {
		op.log.Warn(op.ctx(), "reply without pending REFER transaction", String("state", string(op.State())))
		return ErrNoPendingTransaction
	}

	code, phrase := sip.StatusAccepted, "Accepted"
	if reason != ReasonNone {
		code, phrase = reason.Status()
	}
	if code < 300 {
		// ответ 2xx создает диалог подписки для NOTIFY
		d, err := newUASDialog(op.request, op.localTag)
		if err != nil {
			op.log.Warn(op.ctx(), "cannot create REFER subscription dialog", Err(err))
		} else {
			d.confirm()
			op.attachDialog(d)
		}
	}

	if err := op.reply(op.pendingServerTx, op.request, code, phrase); err != nil {
		return err
	}
	op.clearPendingServerTx()
	if code < 300 {
		op.event(referEventReplyOk)
	} else {
		op.setError(NewErrorInfo(reason, ""))
		op.event(referEventReplyErr)
	}
	return nil
}

// NotifyReferState сообщает переводящей стороне состояние нового вызова.
// После финального NOTIFY подписка и ее диалог закрываются.
func (op *ReferOp) NotifyReferState(newCall *CallOp) error {
	code, _ := referStatusOf(newCall)
	if err := op.notifyReferState(newCall); err != nil {
		return err
	}
	if code >= 200 {
		op.detachDialog()
	}
	return nil
}

func (op *ReferOp) processRequest(ev RequestEvent) {
	req := ev.Request
	switch {
	case req.Method == sip.REFER && op.State() == ReferStateIdle:
		op.handleIncomingRefer(ev)
	case req.Method == sip.NOTIFY:
		op.handleNotify(ev)
	default:
		_ = op.reply(ev.Tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
	}
}

func (op *ReferOp) handleIncomingRefer(ev RequestEvent) {
	req := ev.Request
	op.dir = DirectionIncoming
	op.callID = req.CallID().Value()
	op.localTag = newTag()
	op.remoteTag, _ = req.From().Params.Get("tag")
	from, to := req.From().Address, req.To().Address
	op.remoteURI, op.localURI = &from, &to

	h := req.GetHeader("Refer-To")
	if h == nil {
		// некорректный REFER отклоняется без уведомления владельца
		op.log.Info(op.ctx(), "REFER without Refer-To rejected")
		_ = op.reply(ev.Tx, req, sip.StatusBadRequest, "Missing Refer-To")
		op.Release()
		return
	}
	target, replaces, err := parseReferTo(h.Value())
	if err != nil {
		op.log.Info(op.ctx(), "REFER with invalid Refer-To rejected", Err(err))
		_ = op.reply(ev.Tx, req, sip.StatusBadRequest, "Bad Refer-To")
		op.Release()
		return
	}

	op.referTo, op.replaces = target, replaces
	if rb := req.GetHeader("Referred-By"); rb != nil {
		op.referredBy = rb.Value()
	}
	op.request = req
	op.setPendingServerTx(ev.Tx)
	op.event(referEventReceive)
	op.announced = true
	op.stack.callbacks.ReferReceived(op, target)
}

func (op *ReferOp) handleNotify(ev RequestEvent) {
	req := ev.Request
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	if !isReferEvent(event) {
		_ = op.reply(ev.Tx, req, 489, "Bad Event")
		return
	}
	if op.dialog != nil && !op.dialog.acceptRemoteCSeq(req.CSeq().SeqNo) {
		_ = op.reply(ev.Tx, req, sip.StatusInternalServerError, "CSeq Out Of Order")
		return
	}
	_ = op.reply(ev.Tx, req, sip.StatusOK, "OK")
	op.stack.callbacks.ReferProgress(op, parseSipfragStatusCode(req.Body()))

	if h := req.GetHeader("Subscription-State"); h != nil && strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value())), "terminated") {
		op.detachDialog()
	}
}

func (op *ReferOp) processResponse(ev ResponseEvent) {
	res := ev.Response
	if res.CSeq() == nil || res.CSeq().MethodName != sip.REFER {
		if code := int(res.StatusCode); code >= 300 {
			op.log.Warn(op.ctx(), "request rejected", Int("status", code))
		}
		return
	}
	code := int(res.StatusCode)
	if code < 200 || op.State() != ReferStateSent {
		return
	}

	if code < 300 {
		// отдельный REFER открывает диалог подписки, NOTIFY приходят в него
		if op.dialog == nil {
			if d, err := newUACDialog(op.request, res); err == nil {
				op.attachDialog(d)
			}
		}
		op.event(referEventComplete)
		op.stack.callbacks.ReferCompleted(op, nil)
		return
	}

	info := ErrorInfoFromResponse(res)
	op.setError(info)
	op.event(referEventFail)
	op.stack.callbacks.ReferCompleted(op, info.Clone())
}

func (op *ReferOp) processTimeout(req *sip.Request) {
	op.failRefer(req, timeoutErrorInfo())
}

func (op *ReferOp) processIOError(req *sip.Request, err error) {
	op.failRefer(req, ioErrorInfo(err))
}

// failRefer таймаут или ошибка транспорта завершают REFER без повторов
func (op *ReferOp) failRefer(req *sip.Request, info *ErrorInfo) {
	if req.Method != sip.REFER || op.State() != ReferStateSent {
		op.log.Warn(op.ctx(), "request failed", String("method", string(req.Method)), String("reason", info.Reason.String()))
		return
	}
	op.setError(info)
	op.event(referEventFail)
	op.stack.callbacks.ReferCompleted(op, info.Clone())
}

func (op *ReferOp) processTransactionTerminated(tx ClientTransaction) {}

func (op *ReferOp) processDialogTerminated() {
	op.detachDialog()
}

func (op *ReferOp) processReleased() {
	op.event(referEventTerminate)
}

// referStatusOf код и фраза sipfrag по состоянию нового вызова
func referStatusOf(newCall *CallOp) (int, string) {
	if newCall == nil {
		return sip.StatusTrying, "Trying"
	}
	state := newCall.State()
	switch {
	case newCall.everConnected:
		return sip.StatusOK, "OK"
	case state == CallStateOutgoingProceeding || state == CallStateOutgoingEarlyMedia || state == CallStateCancelling:
		return sip.StatusRinging, "Ringing"
	case state.IsTerminal():
		if info := newCall.errorInfo; info.IsSet() && info.Status >= 300 {
			return info.Status, info.Phrase
		}
		return sip.StatusRequestTerminated, "Request Terminated"
	default:
		return sip.StatusTrying, "Trying"
	}
}

// notifyReferState отправляет NOTIFY с sipfrag в диалоге операции
func (o *Op) notifyReferState(newCall *CallOp) error {
	if o.dialog == nil || o.dialog.State() == DialogStateTerminated {
		return fmt.Errorf("notify refer state: %w", ErrNoDialog)
	}
	if o.referSub == nil {
		o.referSub = newReferSubscriptionFSM()
	}
	if o.referSub.Current() == subscriptionTerminated {
		return invalidState("notify refer state", subscriptionTerminated)
	}

	code, phrase := referStatusOf(newCall)
	req, err := o.BuildRequest(sip.NOTIFY)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	if code >= 200 {
		req.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	} else {
		req.AppendHeader(sip.NewHeader("Subscription-State", "active;expires=60"))
	}
	setBody(req, NewBody(contentTypeSipfrag, buildSipfrag(code, phrase)))

	if _, err := o.SendRequest(req); err != nil {
		return err
	}
	if ev := subscriptionEvent(code); o.referSub.Can(ev) {
		_ = o.referSub.Event(o.ctx(), ev)
	}
	if code >= 200 {
		_ = o.referSub.Event(o.ctx(), "terminate")
	}
	return nil
}

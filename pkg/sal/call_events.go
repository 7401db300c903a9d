package sal

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sal/pkg/media_sdp"
)

// Обработка событий транспорта для CallOp

func (op *CallOp) processResponse(ev ResponseEvent) {
	res := ev.Response
	cseq := res.CSeq()
	if cseq == nil {
		return
	}
	code := int(res.StatusCode)

	switch cseq.MethodName {
	case sip.INVITE:
		switch {
		case op.updateReq != nil && sameTx(ev.Tx, op.updateTx):
			op.handleUpdateResponse(res)
		case op.invite != nil && !op.inviteDone && cseq.SeqNo == op.invite.CSeq().SeqNo:
			op.handleInviteResponse(res)
		case code >= 200 && code < 300 && op.lastAck != nil:
			// ретрансляция 2xx: ACK повторяется, транзакция уже завершена
			op.log.Debug(op.ctx(), "2xx retransmission, resending ACK")
			if err := op.stack.transport.SendAck(op.lastAck); err != nil {
				op.log.LogError(op.ctx(), err, "failed to resend ACK")
			}
		}
	case sip.UPDATE:
		if op.updateReq != nil && sameTx(ev.Tx, op.updateTx) {
			op.handleUpdateResponse(res)
		}
	default:
		if code >= 300 {
			op.log.Warn(op.ctx(), "request rejected",
				String("method", string(cseq.MethodName)), Int("status", code), String("reason", res.Reason))
		}
	}
}

func sameTx(a, b ClientTransaction) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}

func (op *CallOp) handleInviteResponse(res *sip.Response) {
	code := int(res.StatusCode)
	state := op.State()

	switch {
	case code == 100:
		return
	case code < 200:
		if state == CallStateCancelling || state.IsTerminal() {
			return
		}
		if tag, _ := res.To().Params.Get("tag"); tag != "" && (op.dialog == nil || op.dialog.RemoteTag() != tag) {
			if d, err := newUACDialog(op.invite, res); err == nil {
				op.attachDialog(d)
			}
		}
		if op.announced {
			op.stack.callbacks.CallRinging(op, code)
		}
		if body := bodyOf(res); body.IsSDP() && op.sdpOffering && op.local != nil {
			op.handleEarlyAnswer(body)
		}
	case code < 300:
		op.inviteDone = true
		op.handleInvite2xx(res)
	default:
		op.inviteDone = true
		if state == CallStateCancelling {
			// отмена инициирована владельцем, 487 не является ошибкой
			op.terminate(op.cancelInfo)
			return
		}
		op.fail(ErrorInfoFromResponse(res))
	}
}

func (op *CallOp) handleEarlyAnswer(body *Body) {
	remote, err := op.parseSDP(body)
	if err != nil {
		op.log.Warn(op.ctx(), "invalid early media SDP", Err(err))
		return
	}
	final, err := media_sdp.Negotiate(op.local, remote, true)
	if err != nil {
		op.stack.metrics.negotiationFailed()
		op.log.Warn(op.ctx(), "early media negotiation failed", Err(err))
		return
	}
	op.remote, op.final = remote, final
	if op.State() != CallStateOutgoingEarlyMedia {
		op.transition(callEventEarlyMedia, nil)
	}
}

func (op *CallOp) handleInvite2xx(res *sip.Response) {
	toTag, _ := res.To().Params.Get("tag")
	if op.dialog == nil || op.dialog.RemoteTag() != toTag || op.dialog.State() == DialogStateTerminated {
		d, err := newUACDialog(op.invite, res)
		if err != nil {
			op.log.LogError(op.ctx(), err, "cannot establish dialog from 2xx")
			op.fail(NewErrorInfoFromStatus(int(res.StatusCode), "invalid 2xx: "+err.Error()))
			return
		}
		op.attachDialog(d)
	}
	op.dialog.refreshTarget(res)
	op.dialog.confirm()

	if state := op.State(); state == CallStateCancelling || state.IsTerminal() {
		// CANCEL опоздал: диалог подтверждается и сразу закрывается
		op.sendAck(op.invite, nil)
		op.sendBye(op.cancelInfo)
		if state.IsTerminal() {
			op.detachDialog()
		} else {
			op.terminate(op.cancelInfo)
		}
		return
	}

	remote, err := op.parseSDP(bodyOf(res))
	var final *media_sdp.MediaDescription
	var ackBody *Body
	if err == nil {
		if op.sdpOffering {
			final, err = media_sdp.Negotiate(op.local, remote, true)
		} else if op.local == nil {
			err = ErrNoMediaDescription
		} else {
			// delayed offer: предложение в 2xx, ответ в ACK
			final, err = media_sdp.Negotiate(op.local, remote, false)
			if err == nil {
				ackBody, err = op.sdpBody(final)
			}
		}
	}
	if err == nil && !hasActiveStream(final) {
		err = media_sdp.NewSDPError(media_sdp.ErrorCodeIncompatibleCodec, "no stream could be negotiated")
	}
	if err != nil {
		op.stack.metrics.negotiationFailed()
		info := negotiationErrorInfo(err)
		op.sendAck(op.invite, nil)
		op.sendBye(info)
		op.fail(info)
		return
	}

	op.remote, op.final = remote, final
	op.transition(callEventConnected, nil)
	op.sendAck(op.invite, ackBody)
	op.settle(nil)
}

func (op *CallOp) handleUpdateResponse(res *sip.Response) {
	code := int(res.StatusCode)
	if code < 200 {
		return
	}
	req := op.updateReq
	op.updateReq, op.updateTx = nil, nil

	if code < 300 {
		if req.Method == sip.INVITE {
			op.sendAck(req, nil)
		}
		op.dialog.refreshTarget(res)
		remote, err := op.parseSDP(bodyOf(res))
		var final *media_sdp.MediaDescription
		if err == nil {
			final, err = media_sdp.Negotiate(op.local, remote, true)
		}
		if err != nil {
			op.stack.metrics.negotiationFailed()
			op.rejectUpdate(negotiationErrorInfo(err))
			return
		}
		op.remote, op.final = remote, final
		op.settle(nil)
		return
	}

	info := ErrorInfoFromResponse(res)
	switch code {
	case sip.StatusRequestTimeout:
		op.sendBye(info)
		op.fail(info)
	case sip.StatusCallTransactionDoesNotExists:
		// диалога на той стороне больше нет, BYE бессмыслен
		op.fail(info)
	default:
		op.rejectUpdate(info)
	}
}

// rejectUpdate оставляет прежнее согласованное описание и возвращает
// состояние до пересогласования. Локальное описание не откатывается.
func (op *CallOp) rejectUpdate(info *ErrorInfo) {
	op.setError(info)
	op.stack.metrics.callFailure(info.Reason)
	op.log.Warn(op.ctx(), "media update rejected", Int("status", info.Status), String("reason", info.Reason.String()))
	if op.announced {
		op.stack.callbacks.CallFailure(op, info.Clone())
	}
	if op.prevState == CallStatePaused {
		op.transition(callEventPause, info)
	} else {
		op.transition(callEventActive, info)
	}
}

func (op *CallOp) processTimeout(req *sip.Request) {
	op.handleTxFailure(req, timeoutErrorInfo())
}

func (op *CallOp) processIOError(req *sip.Request, err error) {
	op.handleTxFailure(req, ioErrorInfo(err))
}

func (op *CallOp) handleTxFailure(req *sip.Request, info *ErrorInfo) {
	switch {
	case req == op.invite && !op.inviteDone:
		op.inviteDone = true
		if op.State() == CallStateCancelling {
			op.terminate(op.cancelInfo)
			return
		}
		op.fail(info)
	case req == op.updateReq && req != nil:
		op.updateReq, op.updateTx = nil, nil
		if info.Category == CategoryTimeout {
			op.sendBye(info)
		}
		op.fail(info)
	default:
		op.log.Warn(op.ctx(), "request failed", String("method", string(req.Method)), String("reason", info.Reason.String()))
	}
}

func (op *CallOp) processTransactionTerminated(tx ClientTransaction) {
	op.log.Trace(op.ctx(), "client transaction terminated", String("tx", tx.ID()))
}

func (op *CallOp) processDialogTerminated() {
	op.terminate(nil)
}

func (op *CallOp) processReleased() {
	op.transition(callEventRelease, nil)
}

func (op *CallOp) processRequest(ev RequestEvent) {
	req := ev.Request
	if req.Method == sip.INVITE && op.State() == CallStateIdle {
		op.handleIncomingInvite(ev)
		return
	}

	switch req.Method {
	case sip.ACK:
		op.handleAck(req)
		return
	case sip.CANCEL:
		op.handleCancel(ev)
		return
	}

	if op.dialog != nil && !op.dialog.acceptRemoteCSeq(req.CSeq().SeqNo) {
		op.log.Warn(op.ctx(), "out of order request", String("method", string(req.Method)))
		_ = op.reply(ev.Tx, req, sip.StatusInternalServerError, "CSeq Out Of Order")
		return
	}
	if op.State().IsTerminal() {
		_ = op.reply(ev.Tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	switch req.Method {
	case sip.INVITE, sip.UPDATE:
		op.handleIncomingOffer(ev)
	case sip.BYE:
		op.handleBye(ev)
	case sip.INFO:
		op.handleInfo(ev)
	case sip.REFER:
		op.handleRefer(ev)
	case sip.NOTIFY:
		op.handleNotify(ev)
	case sip.OPTIONS:
		res := op.newResponse(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		_ = op.respond(ev.Tx, res)
	default:
		_ = op.reply(ev.Tx, req, sip.StatusNotImplemented, "Not Implemented")
	}
}

func (op *CallOp) handleIncomingInvite(ev RequestEvent) {
	req := ev.Request
	op.dir = DirectionIncoming
	op.inviteReq = req
	op.localTag = newTag()
	op.setPendingServerTx(ev.Tx)

	from, to := req.From().Address, req.To().Address
	op.remoteURI, op.localURI = &from, &to

	reject := func(code int, phrase string) {
		_ = op.reply(ev.Tx, req, code, phrase)
		op.clearPendingServerTx()
		op.Release()
	}

	d, err := newUASDialog(req, op.localTag)
	if err != nil {
		op.log.Warn(op.ctx(), "invalid INVITE", Err(err))
		reject(sip.StatusBadRequest, "Bad Request")
		return
	}
	op.attachDialog(d)
	op.pendingKey = inviteKey(d.CallID(), d.RemoteTag())
	op.stack.pendingInvites[op.pendingKey] = op

	if h := req.GetHeader("Replaces"); h != nil {
		info, err := ParseReplaces(h.Value())
		if err != nil {
			op.detachDialog()
			op.clearPendingInvite()
			reject(sip.StatusBadRequest, "Bad Replaces Header")
			return
		}
		op.replaces = info
	}
	if h := req.GetHeader("Referred-By"); h != nil {
		op.referredBy = h.Value()
	}
	if h := req.GetHeader("Subject"); h != nil {
		op.subject = h.Value()
	}
	for _, h := range req.GetHeaders("Call-Info") {
		if strings.Contains(strings.ToLower(h.Value()), "answer-after=") {
			op.autoAnswerAsked = true
		}
	}

	if body := bodyOf(req); body != nil {
		if !body.IsSDP() {
			res := op.newResponse(req, 415, "Unsupported Media Type", nil)
			res.AppendHeader(sip.NewHeader("Accept", contentTypeSDP))
			_ = op.respond(ev.Tx, res)
			op.clearPendingServerTx()
			op.clearPendingInvite()
			op.detachDialog()
			op.Release()
			return
		}
		remote, err := op.parseSDP(body)
		if err != nil {
			op.stack.metrics.negotiationFailed()
			op.log.Warn(op.ctx(), "invalid SDP offer", Err(err))
			op.detachDialog()
			op.clearPendingInvite()
			reject(sip.StatusNotAcceptableHere, "Not Acceptable Here")
			return
		}
		op.remote = remote
	}
	op.isOfferer = op.remote == nil

	// CallReceived заменяет уведомление о переходе в IncomingReceived
	if err := op.fsm.Event(op.ctx(), callEventIncoming); err != nil {
		op.log.LogError(op.ctx(), err, "incoming transition failed")
		return
	}
	op.stack.metrics.callTransition(CallStateIdle, CallStateIncomingReceived)
	op.announced = true
	op.log.Info(op.ctx(), "incoming call", String("from", op.RemoteURI()))
	op.stack.callbacks.CallReceived(op)
}

func (op *CallOp) handleAck(req *sip.Request) {
	if op.dialog != nil {
		op.dialog.confirm()
	}
	state := op.State()
	if state.IsTerminal() {
		return
	}

	if op.expectAnswerInAck {
		op.expectAnswerInAck = false
		remote, err := op.parseSDP(bodyOf(req))
		var final *media_sdp.MediaDescription
		if err == nil {
			final, err = media_sdp.Negotiate(op.local, remote, true)
		}
		if err == nil && !hasActiveStream(final) {
			err = media_sdp.NewSDPError(media_sdp.ErrorCodeIncompatibleCodec, "no stream could be negotiated")
		}
		if err != nil {
			op.stack.metrics.negotiationFailed()
			info := negotiationErrorInfo(err)
			op.sendBye(info)
			op.fail(info)
			return
		}
		op.remote, op.final = remote, final
		op.settle(nil)
		return
	}

	if state == CallStateAccepted {
		op.settle(nil)
	}
}

func (op *CallOp) handleCancel(ev RequestEvent) {
	req := ev.Request
	if ev.Tx != nil {
		_ = op.respond(ev.Tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
	if !op.State().IsIncomingEarly() || op.pendingServerTx == nil {
		return
	}

	var info *ErrorInfo
	if h := req.GetHeader("Reason"); h != nil {
		info, _ = ParseReasonHeader(h.Value())
	}
	op.setError(info)
	// terminate отвечает 487 на INVITE
	op.terminate(info)
}

func (op *CallOp) handleIncomingOffer(ev RequestEvent) {
	req := ev.Request
	state := op.State()
	if state != CallStateActive && state != CallStatePaused {
		res := op.newResponse(req, 491, "Request Pending", nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "1"))
		_ = op.respond(ev.Tx, res)
		return
	}
	op.dialog.refreshTarget(req)

	body := bodyOf(req)
	if body == nil {
		if req.Method == sip.UPDATE || op.local == nil {
			// UPDATE без тела обновляет только сессию/target
			_ = op.reply(ev.Tx, req, sip.StatusOK, "OK")
			return
		}
		offer, err := op.sdpBody(op.local)
		if err != nil {
			_ = op.reply(ev.Tx, req, sip.StatusInternalServerError, "Internal Server Error")
			return
		}
		if op.respond(ev.Tx, op.newResponse(req, sip.StatusOK, "OK", offer)) == nil {
			op.expectAnswerInAck = true
		}
		return
	}

	if op.local == nil {
		_ = op.reply(ev.Tx, req, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	remote, err := op.parseSDP(body)
	var final *media_sdp.MediaDescription
	if err == nil {
		final, err = media_sdp.Negotiate(op.local, remote, false)
	}
	if err == nil && !hasActiveStream(final) {
		err = media_sdp.NewSDPError(media_sdp.ErrorCodeIncompatibleCodec, "no stream could be negotiated")
	}
	if err != nil {
		// отказ в пересогласовании не меняет состояния вызова
		op.stack.metrics.negotiationFailed()
		op.log.Warn(op.ctx(), "incoming offer rejected", Err(err))
		_ = op.reply(ev.Tx, req, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	answer, err := op.sdpBody(final)
	if err != nil {
		_ = op.reply(ev.Tx, req, sip.StatusInternalServerError, "Internal Server Error")
		return
	}
	if err := op.respond(ev.Tx, op.newResponse(req, sip.StatusOK, "OK", answer)); err != nil {
		return
	}
	op.remote, op.final = remote, final
	op.settle(nil)
}

func (op *CallOp) handleBye(ev RequestEvent) {
	_ = op.reply(ev.Tx, ev.Request, sip.StatusOK, "OK")
	var info *ErrorInfo
	if h := ev.Request.GetHeader("Reason"); h != nil {
		info, _ = ParseReasonHeader(h.Value())
	}
	op.terminate(info)
}

func (op *CallOp) handleInfo(ev RequestEvent) {
	req := ev.Request
	body := bodyOf(req)
	if body == nil || !(hasContentType(body.ContentType, contentTypeDtmfRelay) || hasContentType(body.ContentType, contentTypeDtmf)) {
		res := op.newResponse(req, 415, "Unsupported Media Type", nil)
		res.AppendHeader(sip.NewHeader("Accept", contentTypeDtmfRelay+", "+contentTypeDtmf))
		_ = op.respond(ev.Tx, res)
		return
	}
	digit, err := parseDtmfBody(body.ContentType, body.Content)
	if err != nil {
		op.log.Warn(op.ctx(), "invalid dtmf INFO", Err(err))
		_ = op.reply(ev.Tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}
	_ = op.reply(ev.Tx, req, sip.StatusOK, "OK")
	op.stack.callbacks.DtmfReceived(op, digit)
}

func (op *CallOp) handleRefer(ev RequestEvent) {
	req := ev.Request
	h := req.GetHeader("Refer-To")
	if h == nil {
		_ = op.reply(ev.Tx, req, sip.StatusBadRequest, "Missing Refer-To")
		return
	}
	target, replaces, err := parseReferTo(h.Value())
	if err != nil {
		op.log.Warn(op.ctx(), "invalid Refer-To", Err(err))
		_ = op.reply(ev.Tx, req, sip.StatusBadRequest, "Bad Refer-To")
		return
	}
	if err := op.reply(ev.Tx, req, sip.StatusAccepted, "Accepted"); err != nil {
		return
	}
	op.referTarget, op.referReplaces = target, replaces
	op.referReferrer = ""
	if rb := req.GetHeader("Referred-By"); rb != nil {
		op.referReferrer = rb.Value()
	}
	op.stack.callbacks.CallReferReceived(op, target)
}

// ReferTarget цель последнего REFER, полученного внутри вызова
func (op *CallOp) ReferTarget() string { return op.referTarget }

func (op *CallOp) handleNotify(ev RequestEvent) {
	req := ev.Request
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	if !isReferEvent(event) {
		_ = op.reply(ev.Tx, req, 489, "Bad Event")
		return
	}
	_ = op.reply(ev.Tx, req, sip.StatusOK, "OK")
	op.stack.callbacks.ReferProgress(op, parseSipfragStatusCode(req.Body()))
}

func isReferEvent(value string) bool {
	name, _, _ := strings.Cut(value, ";")
	return strings.EqualFold(strings.TrimSpace(name), "refer")
}

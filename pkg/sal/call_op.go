package sal

import (
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/sal/pkg/media_sdp"
)

// CallOp операция вызова: INVITE/ACK/BYE/CANCEL/UPDATE, offer/answer и перевод.
// Методы вызываются только из цикла событий стека (Stack.Do или колбэки).
type CallOp struct {
	Op

	fsm *fsm.FSM

	local  *media_sdp.MediaDescription
	remote *media_sdp.MediaDescription
	final  *media_sdp.MediaDescription

	isOfferer   bool
	sdpOffering bool
	sdpHandling media_sdp.SdpHandling
	sdpSession  uint64
	sdpVersion  uint64

	customBody      *Body
	autoAnswerAsked bool
	subject         string

	// исходящий INVITE
	invite     *sip.Request
	inviteTx   ClientTransaction
	inviteDone bool
	lastAck    *sip.Request
	cancelInfo *ErrorInfo

	// входящий INVITE
	inviteReq  *sip.Request
	pendingKey string

	// re-INVITE/UPDATE, отправленный нами
	updateReq *sip.Request
	updateTx  ClientTransaction
	prevState CallState

	// ответ на наше предложение ожидается в ACK
	expectAnswerInAck bool

	everConnected bool

	// перевод
	replaces       *ReplacesInfo
	referredBy     string
	referer        Operation
	referTarget    string
	referReplaces  *ReplacesInfo
	referReferrer  string
}

func (s *Stack) newCallOp(dir OpDirection) *CallOp {
	op := &CallOp{
		fsm:         newCallFSM(),
		sdpOffering: true,
		sdpHandling: s.sdpHandling,
	}
	op.init(s, op, KindCall)
	op.dir = dir
	s.register(op)
	return op
}

// State текущее состояние вызова
func (op *CallOp) State() CallState {
	return CallState(op.fsm.Current())
}

// SetLocalMediaDescription задает локальное описание для следующего обмена
func (op *CallOp) SetLocalMediaDescription(md *media_sdp.MediaDescription) {
	op.local = md.Clone()
}

func (op *CallOp) LocalMediaDescription() *media_sdp.MediaDescription  { return op.local.Clone() }
func (op *CallOp) RemoteMediaDescription() *media_sdp.MediaDescription { return op.remote.Clone() }

// FinalMediaDescription согласованное описание, которым настраивается медиа
func (op *CallOp) FinalMediaDescription() *media_sdp.MediaDescription { return op.final.Clone() }

// IsOfferer сторона, сделавшая первое предложение в диалоге
func (op *CallOp) IsOfferer() bool { return op.isOfferer }

func (op *CallOp) SetSdpHandling(h media_sdp.SdpHandling) { op.sdpHandling = h }
func (op *CallOp) SdpHandling() media_sdp.SdpHandling      { return op.sdpHandling }

// SetSdpOffering false включает delayed offer: INVITE без SDP, ответ в ACK
func (op *CallOp) SetSdpOffering(v bool) { op.sdpOffering = v }

// SetCustomBody задает тело для следующего запроса или ответа без SDP
func (op *CallOp) SetCustomBody(b *Body) { op.customBody = b.Copy() }

func (op *CallOp) SetAutoAnswerAsked(v bool) { op.autoAnswerAsked = v }
func (op *CallOp) AutoAnswerAsked() bool     { return op.autoAnswerAsked }
func (op *CallOp) Subject() string           { return op.subject }

// Replaces заголовок Replaces входящего INVITE, nil если его не было
func (op *CallOp) Replaces() *ReplacesInfo { return op.replaces }

// ReferredBy значение Referred-By входящего INVITE
func (op *CallOp) ReferredBy() string { return op.referredBy }

// Referer операция, по REFER которой выполняется этот вызов
func (op *CallOp) Referer() Operation { return op.referer }

// SetReferer связывает вызов с операцией, получившей REFER.
// Replaces и Referred-By этой операции добавляются в INVITE.
func (op *CallOp) SetReferer(referer Operation) {
	op.referer = referer
}

// Call отправляет INVITE. Допустим только из Idle.
func (op *CallOp) Call(from, to, subject string) error {
	if !op.fsm.Can(callEventCall) {
		return invalidState("call", string(op.State()))
	}
	fromURI, fromName, err := parseNameAddr(from)
	if err != nil {
		return fmt.Errorf("invalid from %q: %w", from, err)
	}
	toURI, _, err := parseNameAddr(to)
	if err != nil {
		return fmt.Errorf("invalid to %q: %w", to, err)
	}
	if op.sdpOffering && op.local == nil {
		return ErrNoMediaDescription
	}

	op.localURI, op.localName, op.remoteURI = &fromURI, fromName, &toURI
	req, err := op.BuildRequest(sip.INVITE)
	if err != nil {
		return err
	}
	op.dir = DirectionOutgoing
	op.subject = subject
	if subject != "" {
		req.AppendHeader(sip.NewHeader("Subject", subject))
	}
	if op.autoAnswerAsked && op.contact != nil {
		req.AppendHeader(sip.NewHeader("Call-Info", "<"+op.contact.String()+">;answer-after=0"))
	}
	op.addReferHeaders(req)

	if op.sdpOffering {
		body, err := op.sdpBody(op.local)
		if err != nil {
			return fmt.Errorf("build offer: %w", err)
		}
		setBody(req, body)
	} else if op.customBody != nil {
		setBody(req, op.customBody)
		op.customBody = nil
	}

	op.isOfferer = op.sdpOffering
	op.invite = req
	op.transition(callEventCall, nil)

	tx, err := op.SendRequest(req)
	if err != nil {
		return err
	}
	op.inviteTx = tx
	op.transition(callEventProceeding, nil)
	return nil
}

func (op *CallOp) addReferHeaders(req *sip.Request) {
	var replaces *ReplacesInfo
	referredBy := ""
	switch r := op.referer.(type) {
	case *CallOp:
		replaces, referredBy = r.referReplaces, r.referReferrer
		if referredBy == "" {
			referredBy = r.RemoteURI()
		}
	case *ReferOp:
		replaces, referredBy = r.replaces, r.referredBy
		if referredBy == "" {
			referredBy = r.RemoteURI()
		}
	default:
		return
	}
	if replaces != nil {
		req.AppendHeader(sip.NewHeader("Replaces", replaces.String()))
	}
	if referredBy != "" {
		req.AppendHeader(sip.NewHeader("Referred-By", wrapURI(referredBy)))
	}
}

// Accept отвечает 200 OK на входящий INVITE
func (op *CallOp) Accept() error {
	if !op.fsm.Can(callEventAccept) || op.pendingServerTx == nil {
		return invalidState("accept", string(op.State()))
	}
	if op.local == nil {
		return ErrNoMediaDescription
	}

	var final *media_sdp.MediaDescription
	var body *Body
	var err error
	if op.remote != nil {
		final, err = media_sdp.Negotiate(op.local, op.remote, false)
		if err == nil && !hasActiveStream(final) {
			err = media_sdp.NewSDPError(media_sdp.ErrorCodeIncompatibleCodec, "no stream could be negotiated")
		}
		if err != nil {
			op.stack.metrics.negotiationFailed()
			info := negotiationErrorInfo(err)
			_ = op.respond(op.pendingServerTx, op.newResponse(op.inviteReq, info.Status, info.Phrase, nil))
			op.clearPendingServerTx()
			op.fail(info)
			return fmt.Errorf("accept: %w", err)
		}
		body, err = op.sdpBody(final)
	} else {
		// INVITE без предложения: мы предлагаем в 200, ответ придет в ACK
		body, err = op.sdpBody(op.local)
		op.expectAnswerInAck = true
	}
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	if err := op.respond(op.pendingServerTx, op.newResponse(op.inviteReq, sip.StatusOK, "OK", body)); err != nil {
		return err
	}
	op.clearPendingServerTx()
	op.clearPendingInvite()
	if final != nil {
		op.final = final
	}
	op.dialog.confirm()
	op.transition(callEventAccept, nil)
	return nil
}

// Decline отклоняет входящий вызов. redirection используется как Contact для 3xx.
func (op *CallOp) Decline(reason Reason, redirection string) error {
	if reason == ReasonNone {
		reason = ReasonDeclined
	}
	return op.DeclineWithErrorInfo(NewErrorInfo(reason, ""), redirection)
}

// DeclineWithErrorInfo отклоняет входящий вызов с явным кодом и фразой
func (op *CallOp) DeclineWithErrorInfo(info *ErrorInfo, redirection string) error {
	if !op.State().IsIncomingEarly() || op.pendingServerTx == nil {
		return invalidState("decline", string(op.State()))
	}
	if info == nil || info.Status < 300 {
		info = NewErrorInfo(ReasonDeclined, "")
	}

	res := op.newResponse(op.inviteReq, info.Status, info.Phrase, nil)
	if redirection != "" && info.Status >= 300 && info.Status < 400 {
		res.AppendHeader(sip.NewHeader("Contact", wrapURI(redirection)))
	}
	if info.Warning != "" {
		res.AppendHeader(sip.NewHeader("Warning", info.Warning))
	}
	if err := op.respond(op.pendingServerTx, res); err != nil {
		return err
	}
	op.clearPendingServerTx()
	op.setError(info)
	op.terminate(info)
	return nil
}

// NotifyRinging отправляет 180 или 183 с ранним ответом SDP
func (op *CallOp) NotifyRinging(earlyMedia bool) error {
	if op.State() != CallStateIncomingReceived || op.pendingServerTx == nil {
		return invalidState("notify ringing", string(op.State()))
	}
	if !earlyMedia || op.remote == nil || op.local == nil {
		var body *Body
		if op.customBody != nil {
			body, op.customBody = op.customBody, nil
		}
		return op.respond(op.pendingServerTx, op.newResponse(op.inviteReq, sip.StatusRinging, "Ringing", body))
	}

	final, err := media_sdp.Negotiate(op.local, op.remote, false)
	if err == nil && !hasActiveStream(final) {
		err = media_sdp.NewSDPError(media_sdp.ErrorCodeIncompatibleCodec, "no stream could be negotiated")
	}
	if err != nil {
		// ничего не отправлено, владелец может ответить 180 или отклонить вызов
		op.stack.metrics.negotiationFailed()
		return fmt.Errorf("early media: %w", err)
	}
	body, err := op.sdpBody(final)
	if err != nil {
		return fmt.Errorf("early media: %w", err)
	}
	if err := op.respond(op.pendingServerTx, op.newResponse(op.inviteReq, sip.StatusSessionInProgress, "Session Progress", body)); err != nil {
		return err
	}
	op.final = final
	op.transition(callEventIncomingEarly, nil)
	return nil
}

// Update пересогласует медиа: re-INVITE или UPDATE при noUserConsent
func (op *CallOp) Update(subject string, noUserConsent bool) error {
	if !op.fsm.Can(callEventUpdate) || op.updateReq != nil {
		return invalidState("update", string(op.State()))
	}
	if op.local == nil {
		return ErrNoMediaDescription
	}

	method := sip.INVITE
	if noUserConsent {
		method = sip.UPDATE
	}
	body, err := op.sdpBody(op.local)
	if err != nil {
		return fmt.Errorf("build offer: %w", err)
	}
	req, err := op.BuildRequest(method)
	if err != nil {
		return err
	}
	if subject != "" {
		req.AppendHeader(sip.NewHeader("Subject", subject))
	}
	setBody(req, body)

	op.prevState = op.State()
	op.updateReq = req
	op.transition(callEventUpdate, nil)

	tx, err := op.SendRequest(req)
	if err != nil {
		return err
	}
	op.updateTx = tx
	return nil
}

// CancelInviteWithInfo отменяет исходящий INVITE до финального ответа
func (op *CallOp) CancelInviteWithInfo(info *ErrorInfo) error {
	if !op.fsm.Can(callEventCancel) || op.invite == nil || op.inviteDone {
		return invalidState("cancel", string(op.State()))
	}

	inv := op.invite
	cancel := sip.NewRequest(sip.CANCEL, inv.Recipient)
	cancel.SipVersion = inv.SipVersion
	// CANCEL должен совпадать с INVITE по Via, From, To, Call-ID и номеру CSeq
	if via := inv.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", inv, cancel)
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	cancel.AppendHeader(sip.HeaderClone(inv.From()))
	cancel.AppendHeader(sip.HeaderClone(inv.To()))
	cancel.AppendHeader(sip.HeaderClone(inv.CallID()))
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.CANCEL})
	cancel.SetTransport(inv.Transport())
	cancel.SetDestination(inv.Destination())
	if info.IsSet() {
		cancel.AppendHeader(sip.NewHeader("Reason", info.ReasonHeader()))
	}

	op.cancelInfo = info
	op.transition(callEventCancel, info)
	if _, err := op.SendRequest(cancel); err != nil {
		return err
	}
	return nil
}

// Terminate завершает вызов без указания причины
func (op *CallOp) Terminate() error {
	return op.TerminateWithError(nil)
}

// TerminateWithError завершает вызов: BYE в диалоге, CANCEL до ответа,
// отказ для входящего вызова до принятия.
func (op *CallOp) TerminateWithError(info *ErrorInfo) error {
	state := op.State()
	switch {
	case state.IsTerminal():
		return invalidState("terminate", string(state))
	case state == CallStateCancelling:
		return nil
	case state.IsOutgoingEarly():
		if !op.inviteDone && op.invite != nil {
			return op.CancelInviteWithInfo(info)
		}
		op.terminate(info)
	case state.IsIncomingEarly():
		declineInfo := info
		if !declineInfo.IsSet() || declineInfo.Status < 300 {
			declineInfo = NewErrorInfo(ReasonDeclined, "")
		}
		return op.DeclineWithErrorInfo(declineInfo, "")
	case state.IsEstablished():
		op.sendBye(info)
		op.terminate(info)
	default:
		op.terminate(info)
	}
	return nil
}

// SendDtmf отправляет символ DTMF через INFO application/dtmf-relay
func (op *CallOp) SendDtmf(digit byte) error {
	if op.State() != CallStateActive {
		return invalidState("send dtmf", string(op.State()))
	}
	d, err := normalizeDtmf(digit)
	if err != nil {
		return err
	}
	req, err := op.BuildRequest(sip.INFO)
	if err != nil {
		return err
	}
	setBody(req, NewBody(contentTypeDtmfRelay, buildDtmfRelay(d)))
	_, err = op.SendRequest(req)
	return err
}

// Refer отправляет REFER внутри диалога вызова. Возвращенная операция
// использует диалог вызова и должна быть освобождена владельцем.
func (op *CallOp) Refer(referTo string) (*ReferOp, error) {
	if op.State().IsTerminal() || op.dialog == nil || op.dialog.State() != DialogStateConfirmed {
		return nil, fmt.Errorf("refer in state %s: %w", op.State(), ErrNoDialog)
	}
	r := op.stack.newReferOp(DirectionOutgoing)
	r.announced = true
	r.callID = op.callID
	r.localTag = op.localTag
	r.remoteTag = op.remoteTag
	r.localURI = op.localURI
	r.remoteURI = op.remoteURI
	r.shareDialog(op.dialog)
	if err := r.SendRefer(referTo); err != nil {
		r.Release()
		return nil, err
	}
	return r, nil
}

// ReferWithReplaces attended transfer: удаленная сторона этого вызова
// должна позвонить участнику other с заменой диалога other.
func (op *CallOp) ReferWithReplaces(other *CallOp) (*ReferOp, error) {
	if other == nil || other.dialog == nil {
		return nil, fmt.Errorf("refer with replaces: %w", ErrNoDialog)
	}
	replaces := &ReplacesInfo{
		CallID:  other.dialog.CallID(),
		ToTag:   other.dialog.RemoteTag(),
		FromTag: other.dialog.LocalTag(),
	}
	return op.Refer(referToWithReplaces(other.RemoteURI(), replaces))
}

// NotifyReferState сообщает переводящей стороне состояние нового вызова
func (op *CallOp) NotifyReferState(newCall *CallOp) error {
	return op.notifyReferState(newCall)
}

// sdpBody сериализует описание с постоянным id сессии и растущей версией
func (op *CallOp) sdpBody(md *media_sdp.MediaDescription) (*Body, error) {
	c := md.Clone()
	if op.sdpSession == 0 {
		op.sdpSession = c.SessionID
		if op.sdpSession == 0 {
			op.sdpSession = uint64(time.Now().Unix())
		}
	}
	c.SessionID = op.sdpSession
	c.SessionVersion += op.sdpVersion
	op.sdpVersion++
	content, err := media_sdp.Marshal(c)
	if err != nil {
		return nil, err
	}
	return NewBody(contentTypeSDP, content), nil
}

func (op *CallOp) parseSDP(body *Body) (*media_sdp.MediaDescription, error) {
	if !body.IsSDP() {
		return nil, media_sdp.NewSDPError(media_sdp.ErrorCodeNoOffer, "message carries no SDP")
	}
	return media_sdp.Unmarshal(body.Content, op.sdpHandling)
}

func hasActiveStream(md *media_sdp.MediaDescription) bool {
	if md == nil {
		return false
	}
	for i := range md.Streams {
		if md.Streams[i].IsActive() {
			return true
		}
	}
	return false
}

// transition выполняет событие автомата и уведомляет владельца
func (op *CallOp) transition(event string, info *ErrorInfo) {
	from := op.State()
	if err := op.fsm.Event(op.ctx(), event); err != nil {
		if !isNoTransition(err) {
			op.log.Warn(op.ctx(), "call transition rejected",
				String("event", event), String("state", string(from)), Err(err))
		}
		return
	}
	op.notifyState(from, op.State(), info)
}

func (op *CallOp) notifyState(from, to CallState, info *ErrorInfo) {
	if to == CallStateConnected || to == CallStateActive || to == CallStateAccepted {
		op.everConnected = true
	}
	op.stack.metrics.callTransition(from, to)
	op.log.Info(op.ctx(), "call state changed", String("from", string(from)), String("to", string(to)))
	if op.announced {
		op.stack.callbacks.CallStateChanged(op, StateChange{
			From:  from,
			To:    to,
			Media: op.final.Clone(),
			Info:  info.Clone(),
		})
	}
}

func isNoTransition(err error) bool {
	var v fsm.NoTransitionError
	var p *fsm.NoTransitionError
	return errors.As(err, &v) || errors.As(err, &p)
}

// settle переводит вызов в Active или Paused по согласованному описанию.
// Если состояние не меняется, владелец получает уведомление об обновлении.
func (op *CallOp) settle(info *ErrorInfo) {
	target, event := CallStateActive, callEventActive
	if op.final != nil && op.final.IsOnHold() {
		target, event = CallStatePaused, callEventPause
	}
	if cur := op.State(); cur == target {
		op.notifyState(cur, cur, info)
		return
	}
	op.transition(event, info)
}

// fail сообщает об ошибке ровно один раз и завершает вызов
func (op *CallOp) fail(info *ErrorInfo) {
	if op.State().IsTerminal() {
		return
	}
	op.setError(info)
	op.stack.metrics.callFailure(info.Reason)
	op.log.Warn(op.ctx(), "call failed", String("reason", info.Reason.String()), Int("status", info.Status))
	if op.announced {
		op.stack.callbacks.CallFailure(op, info.Clone())
	}
	op.terminate(info)
}

// terminate переводит вызов в Terminated и освобождает диалог
func (op *CallOp) terminate(info *ErrorInfo) {
	if op.State().IsTerminal() {
		return
	}
	if op.pendingServerTx != nil && op.inviteReq != nil {
		_ = op.reply(op.pendingServerTx, op.inviteReq, sip.StatusRequestTerminated, "Request Terminated")
		op.clearPendingServerTx()
	}
	op.clearPendingInvite()
	op.transition(callEventTerminate, info)
	op.detachDialog()
}

func (op *CallOp) clearPendingInvite() {
	if op.pendingKey == "" {
		return
	}
	if cur, ok := op.stack.pendingInvites[op.pendingKey]; ok && cur == op {
		delete(op.stack.pendingInvites, op.pendingKey)
	}
	op.pendingKey = ""
}

func (op *CallOp) sendAck(invite *sip.Request, body *Body) {
	if op.dialog == nil {
		return
	}
	ack := op.dialog.newRequest(sip.ACK, invite.CSeq().SeqNo)
	if ua := op.stack.userAgent; ua != "" {
		ack.AppendHeader(sip.NewHeader("User-Agent", ua))
	}
	setBody(ack, body)
	op.lastAck = ack
	if err := op.stack.transport.SendAck(ack); err != nil {
		op.log.LogError(op.ctx(), err, "failed to send ACK")
	}
}

func (op *CallOp) sendBye(info *ErrorInfo) {
	req, err := op.BuildRequest(sip.BYE)
	if err != nil {
		op.log.LogError(op.ctx(), err, "failed to build BYE")
		return
	}
	if info.IsSet() {
		req.AppendHeader(sip.NewHeader("Reason", info.ReasonHeader()))
	}
	_, _ = op.SendRequest(req)
}

func wrapURI(uri string) string {
	if len(uri) > 0 && uri[0] == '<' {
		return uri
	}
	return "<" + uri + ">"
}

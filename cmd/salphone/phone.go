package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/sal/pkg/media_sdp"
	"github.com/arzzra/sal/pkg/sal"
)

// answerMode поведение при входящем вызове
type answerMode string

const (
	answerAccept  answerMode = "accept"
	answerDecline answerMode = "decline"
	answerBusy    answerMode = "busy"
	answerRing    answerMode = "ring"
)

func parseAnswerMode(s string) (answerMode, error) {
	switch m := answerMode(strings.ToLower(s)); m {
	case answerAccept, answerDecline, answerBusy, answerRing:
		return m, nil
	}
	return "", fmt.Errorf("unknown answer mode %q (accept, decline, busy, ring)", s)
}

// phone реализует sal.Callbacks. Все методы выполняются в цикле стека.
type phone struct {
	sal.NopCallbacks

	stack *sal.Stack
	media *media_sdp.MediaDescription
	log   sal.StructuredLogger

	answer      answerMode
	answerDelay time.Duration
	// hangupAfter завершает активный вызов по таймеру, 0 = не завершать
	hangupAfter time.Duration
	// transferTo цель слепого перевода после соединения
	transferTo string
	// followRefer исполнять полученные REFER новым вызовом
	followRefer bool

	// done закрывается, когда исходящий вызов, за которым следит call, завершен
	done    chan struct{}
	watched *sal.CallOp
	result  *sal.ErrorInfo
}

func newPhone() *phone {
	return &phone{answer: answerAccept, followRefer: true, done: make(chan struct{})}
}

func (p *phone) ctx(op sal.Operation) context.Context {
	return sal.ContextWithCallID(context.Background(), op.Base().CallID())
}

// later выполняет fn в цикле стека через d
func (p *phone) later(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { p.stack.Do(fn) })
}

// dial начинает исходящий вызов. Вызывается в цикле стека.
func (p *phone) dial(from, to, subject string, referer sal.Operation) (*sal.CallOp, error) {
	op := p.stack.NewCallOp()
	op.SetLocalMediaDescription(p.media)
	if referer != nil {
		op.SetReferer(referer)
	}
	if err := op.Call(from, to, subject); err != nil {
		op.Release()
		return nil, err
	}
	p.log.Info(p.ctx(op), "calling", sal.String("to", to), sal.Any("op", op.ID()))
	return op, nil
}

func (p *phone) CallReceived(op *sal.CallOp) {
	ctx := p.ctx(op)
	p.log.Info(ctx, "incoming call",
		sal.String("from", op.RemoteURI()), sal.String("subject", op.Subject()),
		sal.String("mode", string(p.answer)))

	op.SetLocalMediaDescription(p.media)
	switch p.answer {
	case answerDecline:
		p.check(ctx, op.Decline(sal.ReasonDeclined, ""), "decline")
		return
	case answerBusy:
		p.check(ctx, op.Decline(sal.ReasonBusy, ""), "decline")
		return
	}

	p.check(ctx, op.NotifyRinging(false), "ringing")
	if p.answer == answerRing {
		return
	}
	id := op.ID()
	p.later(p.answerDelay, func() {
		// вызов мог быть отменен, пока звонил
		if _, err := p.stack.Lookup(id); err != nil {
			return
		}
		if op.State() == sal.CallStateIncomingReceived || op.State() == sal.CallStateIncomingEarlyMedia {
			p.check(ctx, op.Accept(), "accept")
		}
	})
}

func (p *phone) CallRinging(op *sal.CallOp, status int) {
	p.log.Info(p.ctx(op), "remote ringing", sal.Int("status", status))
}

func (p *phone) CallStateChanged(op *sal.CallOp, change sal.StateChange) {
	ctx := p.ctx(op)
	p.log.Info(ctx, "call state changed",
		sal.String("from", string(change.From)), sal.String("to", string(change.To)))

	if change.To == sal.CallStateActive || change.To == sal.CallStateTerminated {
		p.notifyReferer(ctx, op)
	}

	switch change.To {
	case sal.CallStateActive:
		if change.From == sal.CallStateUpdating {
			return
		}
		if change.Media != nil && len(change.Media.Streams) > 0 && len(change.Media.Streams[0].Codecs) > 0 {
			p.log.Info(ctx, "media negotiated", sal.String("codec", change.Media.Streams[0].Codecs[0].Name))
		}
		if p.transferTo != "" && op == p.watched {
			if _, err := op.Refer(p.transferTo); err != nil {
				p.log.LogError(ctx, err, "transfer failed")
			}
		}
		if p.hangupAfter > 0 {
			id := op.ID()
			p.later(p.hangupAfter, func() {
				if _, err := p.stack.Lookup(id); err == nil && op.State() == sal.CallStateActive {
					p.check(ctx, op.Terminate(), "hangup")
				}
			})
		}
	case sal.CallStateTerminated:
		if change.Info != nil {
			p.log.Info(ctx, "call ended", sal.String("reason", change.Info.Reason.String()), sal.Int("status", change.Info.Status))
		}
		if op == p.watched {
			p.result = change.Info
			p.watched = nil
			close(p.done)
		}
		op.Release()
	}
}

// referNotifier операции, сообщающие переводящей стороне ход нового вызова
type referNotifier interface {
	sal.Operation
	NotifyReferState(newCall *sal.CallOp) error
}

func (p *phone) notifyReferer(ctx context.Context, op *sal.CallOp) {
	r, ok := op.Referer().(referNotifier)
	if !ok {
		return
	}
	if _, err := p.stack.Lookup(r.ID()); err != nil {
		return
	}
	p.check(ctx, r.NotifyReferState(op), "notify refer state")
}

func (p *phone) CallFailure(op *sal.CallOp, info *sal.ErrorInfo) {
	p.log.LogError(p.ctx(op), info, "call failure")
}

func (p *phone) CallReferReceived(op *sal.CallOp, referTo string) {
	ctx := p.ctx(op)
	p.log.Info(ctx, "transfer requested", sal.String("refer_to", referTo))
	if !p.followRefer {
		return
	}
	newCall, err := p.dial(op.LocalURI(), referTo, "", op)
	if err != nil {
		p.log.LogError(ctx, err, "cannot follow transfer")
		return
	}
	p.check(ctx, op.NotifyReferState(newCall), "notify refer state")
	if p.watched == op {
		p.watched = newCall
	}
}

func (p *phone) ReferProgress(op sal.Operation, status int) {
	p.log.Info(p.ctx(op), "transfer progress", sal.Int("status", status))
}

func (p *phone) DtmfReceived(op *sal.CallOp, digit byte) {
	p.log.Info(p.ctx(op), "dtmf received", sal.String("digit", string(digit)))
}

func (p *phone) ReferReceived(op *sal.ReferOp, referTo string) {
	ctx := p.ctx(op)
	p.log.Info(ctx, "out-of-dialog refer", sal.String("refer_to", referTo))
	if !p.followRefer {
		p.check(ctx, op.Reply(sal.ReasonDeclined), "refer reply")
		op.Release()
		return
	}
	p.check(ctx, op.Reply(sal.ReasonNone), "refer reply")
	newCall, err := p.dial(op.LocalURI(), referTo, "", op)
	if err != nil {
		p.log.LogError(ctx, err, "cannot follow refer")
	} else {
		p.check(ctx, op.NotifyReferState(newCall), "notify refer state")
	}
	op.Release()
}

func (p *phone) ReferCompleted(op *sal.ReferOp, info *sal.ErrorInfo) {
	if info != nil {
		p.log.LogError(p.ctx(op), info, "refer rejected")
	} else {
		p.log.Info(p.ctx(op), "refer accepted")
	}
	op.Release()
}

func (p *phone) OpReleased(op sal.Operation) {
	p.log.Debug(p.ctx(op), "operation released", sal.Any("op", op.ID()), sal.String("kind", op.Kind().String()))
}

func (p *phone) check(ctx context.Context, err error, action string) {
	if err != nil {
		p.log.LogError(ctx, err, action+" failed")
	}
}

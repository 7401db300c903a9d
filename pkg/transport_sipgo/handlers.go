package transport_sipgo

import (
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sal/pkg/sal"
)

func (t *Transport) onRequests() {
	t.server.OnInvite(t.handleRequest)
	t.server.OnAck(t.handleAck)
	t.server.OnCancel(t.handleRequest)
	t.server.OnBye(t.handleRequest)
	t.server.OnUpdate(t.handleRequest)
	t.server.OnInfo(t.handleRequest)
	t.server.OnRefer(t.handleRequest)
	t.server.OnNotify(t.handleRequest)
	t.server.OnOptions(t.handleRequest)
	t.server.OnMessage(t.handleRequest)
	t.server.OnSubscribe(t.handleRequest)
	t.server.OnPublish(t.handleRequest)
}

// handleRequest передает запрос в стек и держит серверную транзакцию,
// пока стек не ответит на нее или транспорт не закроется
func (t *Transport) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	if req.CallID() == nil || req.From() == nil || req.To() == nil || req.CSeq() == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Mandatory Header", nil)
		if err := tx.Respond(res); err != nil {
			t.log.Warn(t.ctx, "failed to reject malformed request", sal.Err(err))
		}
		return
	}

	st := &serverTx{id: t.nextID("s"), req: req, tx: tx}
	t.poster.Post(sal.RequestEvent{Request: req, Tx: st})

	select {
	case <-tx.Done():
	case <-t.ctx.Done():
	}
}

func (t *Transport) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if req.CallID() == nil {
		return
	}
	t.poster.Post(sal.RequestEvent{Request: req})
}

// serverTx серверная транзакция sipgo
type serverTx struct {
	id  string
	req *sip.Request
	tx  sip.ServerTransaction
}

func (s *serverTx) ID() string            { return s.id }
func (s *serverTx) Request() *sip.Request { return s.req }

func (s *serverTx) Respond(res *sip.Response) error {
	return errors.Wrapf(s.tx.Respond(res), "failed to respond %d", res.StatusCode)
}

package sal

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sal/pkg/media_sdp"
)

const defaultQueueSize = 256

// allowedMethods значение заголовка Allow для ответов 405 и OPTIONS
const allowedMethods = "INVITE, ACK, CANCEL, BYE, UPDATE, INFO, REFER, NOTIFY, OPTIONS"

// ErrUnknownOp идентификатор никогда не выдавался стеком
var ErrUnknownOp = errors.New("unknown operation id")

// StackConfig параметры стека операций
type StackConfig struct {
	// UserAgent значение User-Agent/Server
	UserAgent string
	// Contact адрес, подставляемый в Contact исходящих запросов и ответов
	Contact string
	// OutboundProxy маршрут для запросов вне диалога
	OutboundProxy string
	// SdpHandling политика разбора SDP по умолчанию для новых вызовов
	SdpHandling media_sdp.SdpHandling
	// QueueSize емкость очереди событий
	QueueSize int

	Logger     StructuredLogger
	Registerer prometheus.Registerer
}

// Stack владеет операциями, транспортом и циклом событий.
// Все обработчики операций и уведомления владельца выполняются в одном
// цикле, поэтому состояние операций не требует блокировок.
// Из других горутин безопасны только Post и Do.
type Stack struct {
	transport Transport
	callbacks Callbacks
	log       StructuredLogger
	metrics   *Metrics

	userAgent   string
	contact     *sip.Uri
	route       *sip.Uri
	sdpHandling media_sdp.SdpHandling

	events chan Event
	ctx    context.Context

	// арена операций
	lastID         OpID
	ops            map[OpID]Operation
	txOps          map[string]Operation
	dialogs        map[DialogKey]Operation
	pendingInvites map[string]*CallOp
}

// NewStack создает стек. Транспорт задается отдельно через SetTransport,
// так как транспорт обычно получает ссылку на стек для Post.
func NewStack(cfg StackConfig, cb Callbacks) (*Stack, error) {
	if cb == nil {
		cb = NopCallbacks{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = NoOpLogger{}
	}

	s := &Stack{
		callbacks:      cb,
		log:            log.WithComponent("sal"),
		metrics:        NewMetrics(cfg.Registerer),
		userAgent:      cfg.UserAgent,
		sdpHandling:    cfg.SdpHandling,
		events:         make(chan Event, cfg.QueueSize),
		ctx:            context.Background(),
		ops:            make(map[OpID]Operation),
		txOps:          make(map[string]Operation),
		dialogs:        make(map[DialogKey]Operation),
		pendingInvites: make(map[string]*CallOp),
	}

	if cfg.Contact != "" {
		uri, ok := extractURI(cfg.Contact)
		if !ok {
			return nil, fmt.Errorf("invalid contact %q", cfg.Contact)
		}
		s.contact = &uri
	}
	if cfg.OutboundProxy != "" {
		uri, ok := extractURI(cfg.OutboundProxy)
		if !ok {
			return nil, fmt.Errorf("invalid outbound proxy %q", cfg.OutboundProxy)
		}
		if uri.UriParams == nil {
			uri.UriParams = sip.NewParams()
		}
		uri.UriParams = uri.UriParams.Add("lr", "")
		s.route = &uri
	}
	return s, nil
}

// SetTransport задает транспорт. Вызывается до первой операции.
func (s *Stack) SetTransport(t Transport) {
	s.transport = t
}

// Metrics метрики стека
func (s *Stack) Metrics() *Metrics { return s.metrics }

// Post ставит событие в очередь цикла. Блокируется при заполненной очереди.
func (s *Stack) Post(ev Event) {
	s.events <- ev
}

// Do выполняет fn в цикле событий стека
func (s *Stack) Do(fn func()) {
	s.Post(funcEvent{fn: fn})
}

// Iterate обрабатывает все события, уже находящиеся в очереди,
// и возвращает их количество. Не блокируется.
func (s *Stack) Iterate() int {
	n := 0
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
			n++
		default:
			return n
		}
	}
}

// Run обрабатывает события до отмены ctx
func (s *Stack) Run(ctx context.Context) error {
	s.ctx = ctx
	s.log.Info(ctx, "event loop started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info(context.Background(), "event loop stopped")
			return ctx.Err()
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// Lookup возвращает живую операцию по идентификатору.
// Для освобожденной операции возвращается ErrOpReleased.
func (s *Stack) Lookup(id OpID) (Operation, error) {
	if op, ok := s.ops[id]; ok {
		return op, nil
	}
	if id != 0 && id <= s.lastID {
		return nil, fmt.Errorf("op %d: %w", id, ErrOpReleased)
	}
	return nil, fmt.Errorf("op %d: %w", id, ErrUnknownOp)
}

// Len количество живых операций
func (s *Stack) Len() int { return len(s.ops) }

// NewCallOp создает исходящую операцию вызова
func (s *Stack) NewCallOp() *CallOp {
	op := s.newCallOp(DirectionOutgoing)
	op.announced = true
	return op
}

// NewReferOp создает операцию REFER вне диалога
func (s *Stack) NewReferOp() *ReferOp {
	op := s.newReferOp(DirectionOutgoing)
	op.announced = true
	return op
}

func (s *Stack) register(op Operation) {
	s.lastID++
	b := op.Base()
	b.id = s.lastID
	s.ops[b.id] = op
	s.metrics.opCreated(b.kind)
	s.log.Debug(s.ctx, "operation created", Uint64("op_id", uint64(b.id)), String("kind", b.kind.String()))
}

// destroy удаляет операцию из арены после снятия последней ссылки
func (s *Stack) destroy(op Operation) {
	b := op.Base()
	if b.released {
		return
	}
	b.released = true

	for id := range b.pendingClientTx {
		delete(s.txOps, id)
	}
	b.pendingClientTx = map[string]ClientTransaction{}
	if b.dialog != nil && b.ownsDialog {
		s.unregisterDialog(b.dialog.Key(), op)
	}
	for key, pending := range s.pendingInvites {
		if Operation(pending) == op {
			delete(s.pendingInvites, key)
		}
	}
	delete(s.ops, b.id)

	op.processReleased()
	s.metrics.opReleased(b.kind)
	s.log.Debug(b.ctx(), "operation released", String("kind", b.kind.String()))
	if b.announced {
		s.callbacks.OpReleased(op)
	}
}

// forceRelease освобождает операцию независимо от числа ссылок
func (s *Stack) forceRelease(op Operation) {
	b := op.Base()
	b.refs = 0
	s.destroy(op)
}

func (s *Stack) trackClientTx(tx ClientTransaction, op Operation) {
	s.txOps[tx.ID()] = op
}

func (s *Stack) clientTxDone(tx ClientTransaction) {
	op, ok := s.txOps[tx.ID()]
	if !ok {
		return
	}
	delete(s.txOps, tx.ID())
	op.Base().clientTxDone(tx.ID())
}

func (s *Stack) registerDialog(key DialogKey, op Operation) {
	s.dialogs[key] = op
}

func (s *Stack) unregisterDialog(key DialogKey, op Operation) {
	if cur, ok := s.dialogs[key]; ok && cur == op {
		delete(s.dialogs, key)
	}
}

func inviteKey(callID, fromTag string) string {
	return callID + "|" + fromTag
}

// FindCallByReplaces ищет вызов по параметрам заголовка Replaces (RFC 3891).
// to-tag соответствует нашему локальному тегу, from-tag удаленному.
func (s *Stack) FindCallByReplaces(info *ReplacesInfo) (*CallOp, bool) {
	if info == nil {
		return nil, false
	}
	op, ok := s.dialogs[DialogKey{CallID: info.CallID, LocalTag: info.ToTag, RemoteTag: info.FromTag}]
	if !ok {
		return nil, false
	}
	call, ok := op.(*CallOp)
	return call, ok
}

func (s *Stack) dispatch(ev Event) {
	switch e := ev.(type) {
	case RequestEvent:
		s.handleRequest(e)
	case ResponseEvent:
		s.handleResponse(e)
	case TimeoutEvent:
		if op, ok := s.txOps[e.Tx.ID()]; ok {
			op.Base().setError(timeoutErrorInfo())
			op.processTimeout(e.Tx.Request())
			s.clientTxDone(e.Tx)
		}
	case IOErrorEvent:
		if op, ok := s.txOps[e.Tx.ID()]; ok {
			op.Base().setError(ioErrorInfo(e.Err))
			op.processIOError(e.Tx.Request(), e.Err)
			s.clientTxDone(e.Tx)
		}
	case TransactionTerminatedEvent:
		if op, ok := s.txOps[e.Tx.ID()]; ok {
			op.processTransactionTerminated(e.Tx)
			s.clientTxDone(e.Tx)
		}
	case DialogTerminatedEvent:
		if op, ok := s.dialogs[e.Key]; ok {
			s.log.Info(s.ctx, "dialog terminated by transport", String("dialog", e.Key.String()))
			op.processDialogTerminated()
			s.forceRelease(op)
		}
	case funcEvent:
		e.fn()
	default:
		s.log.Warn(s.ctx, "unknown event", String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *Stack) handleResponse(e ResponseEvent) {
	res := e.Response
	code := int(res.StatusCode)
	method := ""
	if cseq := res.CSeq(); cseq != nil {
		method = string(cseq.MethodName)
	}
	s.metrics.responseReceived(method, code)

	op, ok := s.txOps[e.Tx.ID()]
	if !ok {
		// ретрансляция 2xx на INVITE после завершения транзакции
		if code >= 200 && code < 300 && method == string(sip.INVITE) {
			if op, ok = s.dialogs[responseDialogKey(res)]; ok {
				op.processResponse(e)
				return
			}
		}
		s.log.Debug(s.ctx, "response for unknown transaction dropped", Int("status", code), String("method", method))
		return
	}

	op.processResponse(e)
	if code >= 200 {
		s.clientTxDone(e.Tx)
	}
}

func responseDialogKey(res *sip.Response) DialogKey {
	fromTag, _ := res.From().Params.Get("tag")
	toTag, _ := res.To().Params.Get("tag")
	return DialogKey{CallID: res.CallID().Value(), LocalTag: fromTag, RemoteTag: toTag}
}

func requestDialogKey(req *sip.Request) DialogKey {
	fromTag, _ := req.From().Params.Get("tag")
	toTag, _ := req.To().Params.Get("tag")
	return DialogKey{CallID: req.CallID().Value(), LocalTag: toTag, RemoteTag: fromTag}
}

func (s *Stack) handleRequest(e RequestEvent) {
	req := e.Request
	s.metrics.requestReceived(string(req.Method))
	ctx := ContextWithCallID(s.ctx, req.CallID().Value())

	key := requestDialogKey(req)
	switch {
	case req.Method == sip.ACK:
		if op, ok := s.dialogs[key]; ok {
			op.processRequest(e)
			return
		}
		s.log.Debug(ctx, "ACK outside of dialog ignored")
		return
	case req.Method == sip.CANCEL:
		if op, ok := s.pendingInvites[inviteKey(key.CallID, key.RemoteTag)]; ok {
			op.processRequest(e)
			return
		}
		s.replyStateless(e, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	case key.LocalTag != "":
		if op, ok := s.dialogs[key]; ok {
			op.processRequest(e)
			return
		}
		s.log.Info(ctx, "request for unknown dialog", String("method", string(req.Method)))
		s.replyStateless(e, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	kind, ok := kindForMethod(req.Method)
	if !ok {
		switch req.Method {
		case sip.OPTIONS:
			res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
			res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
			s.respond(e, res)
		case sip.BYE, sip.NOTIFY, sip.INFO, sip.UPDATE, sip.PRACK:
			s.replyStateless(e, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		default:
			s.log.Info(ctx, "unsupported method", String("method", string(req.Method)))
			s.replyStateless(e, sip.StatusNotImplemented, "Not Implemented")
		}
		return
	}

	switch kind {
	case KindCall:
		if _, dup := s.pendingInvites[inviteKey(key.CallID, key.RemoteTag)]; dup {
			s.log.Debug(ctx, "INVITE retransmission ignored")
			return
		}
		op := s.newCallOp(DirectionIncoming)
		op.processRequest(e)
	case KindRefer:
		op := s.newReferOp(DirectionIncoming)
		op.processRequest(e)
	case KindMessage, KindPublish, KindSubscribe:
		s.log.Info(ctx, "operation kind not supported", String("kind", kind.String()))
		res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		s.respond(e, res)
	}
}

func (s *Stack) replyStateless(e RequestEvent, code int, phrase string) {
	s.respond(e, sip.NewResponseFromRequest(e.Request, code, phrase, nil))
}

func (s *Stack) respond(e RequestEvent, res *sip.Response) {
	if e.Tx == nil {
		return
	}
	if err := e.Tx.Respond(res); err != nil {
		s.log.LogError(s.ctx, err, "failed to send response", Int("status", int(res.StatusCode)))
	}
}

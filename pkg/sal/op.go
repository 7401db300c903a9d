package sal

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// Kind тип операции. Набор закрыт: новые виды добавляются только здесь.
type Kind int

const (
	KindCall Kind = iota
	KindRefer
	KindMessage
	KindPublish
	KindSubscribe
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindRefer:
		return "refer"
	case KindMessage:
		return "message"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	}
	return "unknown"
}

// kindForMethod определяет вид операции, которую открывает запрос вне диалога
func kindForMethod(method sip.RequestMethod) (Kind, bool) {
	switch method {
	case sip.INVITE:
		return KindCall, true
	case sip.REFER:
		return KindRefer, true
	case sip.MESSAGE:
		return KindMessage, true
	case sip.PUBLISH:
		return KindPublish, true
	case sip.SUBSCRIBE:
		return KindSubscribe, true
	}
	return 0, false
}

// OpDirection направление операции
type OpDirection int

const (
	DirectionOutgoing OpDirection = iota
	DirectionIncoming
)

func (d OpDirection) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// OpID стабильный идентификатор операции в арене стека
type OpID uint64

// Operation общий интерфейс операций. Обработчики событий транспорта
// не экспортируются: реализации существуют только в этом пакете.
type Operation interface {
	ID() OpID
	Kind() Kind
	Base() *Op

	processRequest(ev RequestEvent)
	processResponse(ev ResponseEvent)
	processTimeout(req *sip.Request)
	processIOError(req *sip.Request, err error)
	processTransactionTerminated(tx ClientTransaction)
	processDialogTerminated()
	processReleased()
}

// Op общая часть операций: идентичность, диалог, транзакции и счетчик ссылок
type Op struct {
	id    OpID
	kind  Kind
	stack *Stack
	self  Operation
	log   StructuredLogger

	dir       OpDirection
	callID    string
	localURI  *sip.Uri
	remoteURI *sip.Uri
	localName string
	localTag  string
	remoteTag string
	route     *sip.Uri
	contact   *sip.Uri
	localSeq  uint32

	userData  interface{}
	errorInfo *ErrorInfo

	dialog          *Dialog
	ownsDialog      bool
	pendingClientTx map[string]ClientTransaction
	pendingServerTx ServerTransaction

	// referSub подписка на ход перевода, по которой отправляются NOTIFY
	referSub *fsm.FSM

	refs     int
	ownerRef bool
	released bool
	// announced владелец знает об операции и получит OpReleased
	announced bool
}

func (o *Op) init(s *Stack, self Operation, kind Kind) {
	o.stack = s
	o.self = self
	o.kind = kind
	o.pendingClientTx = make(map[string]ClientTransaction)
	o.refs = 1
	o.ownerRef = true
	o.log = s.log.WithComponent(kind.String())
	if s.contact != nil {
		c := *s.contact
		o.contact = &c
	}
	if s.route != nil {
		r := *s.route
		o.route = &r
	}
}

func (o *Op) ID() OpID     { return o.id }
func (o *Op) Kind() Kind   { return o.kind }
func (o *Op) Base() *Op    { return o }
func (o *Op) Stack() *Stack { return o.stack }

func (o *Op) Direction() OpDirection { return o.dir }
func (o *Op) CallID() string         { return o.callID }
func (o *Op) LocalTag() string       { return o.localTag }
func (o *Op) RemoteTag() string      { return o.remoteTag }
func (o *Op) IsReleased() bool       { return o.released }

// Dialog возвращает диалог операции или nil
func (o *Op) Dialog() *Dialog { return o.dialog }

// ErrorInfo последняя ошибка операции
func (o *Op) ErrorInfo() *ErrorInfo { return o.errorInfo }

func (o *Op) UserData() interface{}     { return o.userData }
func (o *Op) SetUserData(v interface{}) { o.userData = v }

// LocalURI адрес локальной стороны (From для исходящих)
func (o *Op) LocalURI() string {
	if o.localURI == nil {
		return ""
	}
	return o.localURI.String()
}

// RemoteURI адрес удаленной стороны
func (o *Op) RemoteURI() string {
	if o.remoteURI == nil {
		return ""
	}
	return o.remoteURI.String()
}

// SetFrom задает локальный адрес. Допускается форма `"Name" <sip:user@host>`.
func (o *Op) SetFrom(from string) error {
	uri, name, err := parseNameAddr(from)
	if err != nil {
		return fmt.Errorf("invalid from %q: %w", from, err)
	}
	o.localURI = &uri
	o.localName = name
	return nil
}

// SetTo задает удаленный адрес
func (o *Op) SetTo(to string) error {
	uri, _, err := parseNameAddr(to)
	if err != nil {
		return fmt.Errorf("invalid to %q: %w", to, err)
	}
	o.remoteURI = &uri
	return nil
}

// SetRoute задает outbound proxy для запросов вне диалога
func (o *Op) SetRoute(route string) error {
	if route == "" {
		o.route = nil
		return nil
	}
	uri, ok := extractURI(route)
	if !ok {
		return fmt.Errorf("invalid route %q", route)
	}
	o.route = &uri
	return nil
}

// SetContact переопределяет Contact стека для этой операции
func (o *Op) SetContact(contact string) error {
	uri, ok := extractURI(contact)
	if !ok {
		return fmt.Errorf("invalid contact %q", contact)
	}
	o.contact = &uri
	return nil
}

// Release освобождает ссылку владельца. Повторный вызов игнорируется.
func (o *Op) Release() {
	if !o.ownerRef {
		return
	}
	o.ownerRef = false
	o.unref()
}

func (o *Op) ref() {
	o.refs++
}

func (o *Op) unref() {
	if o.released {
		return
	}
	o.refs--
	if o.refs <= 0 {
		o.stack.destroy(o.self)
	}
}

func (o *Op) ctx() context.Context {
	ctx := context.WithValue(o.stack.ctx, ctxKeyOpID, o.id)
	if o.callID != "" {
		ctx = ContextWithCallID(ctx, o.callID)
	}
	return ctx
}

func (o *Op) setError(info *ErrorInfo) {
	o.errorInfo = info
}

// attachDialog связывает операцию с диалогом, диалог держит ссылку
func (o *Op) attachDialog(d *Dialog) {
	if o.dialog == d {
		return
	}
	if o.dialog != nil && o.ownsDialog {
		// ранний диалог другой ветки заменяется, ссылка переходит новому
		o.stack.unregisterDialog(o.dialog.Key(), o.self)
	} else {
		o.ref()
	}
	o.dialog = d
	o.ownsDialog = true
	o.callID = d.callID
	o.localTag = d.localTag
	o.remoteTag = d.remoteTag
	o.stack.registerDialog(d.Key(), o.self)
}

// shareDialog использует диалог другой операции без регистрации в стеке
func (o *Op) shareDialog(d *Dialog) {
	o.dialog = d
	o.ownsDialog = false
}

// detachDialog завершает диалог и освобождает его ссылку
func (o *Op) detachDialog() {
	if o.dialog == nil || !o.ownsDialog {
		return
	}
	o.dialog.terminate()
	o.stack.unregisterDialog(o.dialog.Key(), o.self)
	o.ownsDialog = false
	o.unref()
}

func (o *Op) setPendingServerTx(tx ServerTransaction) {
	if o.pendingServerTx == nil {
		o.ref()
	}
	o.pendingServerTx = tx
}

func (o *Op) clearPendingServerTx() {
	if o.pendingServerTx == nil {
		return
	}
	o.pendingServerTx = nil
	o.unref()
}

// BuildRequest создает запрос внутри диалога, если он есть,
// иначе новый запрос по локальному/удаленному адресу и route.
func (o *Op) BuildRequest(method sip.RequestMethod) (*sip.Request, error) {
	if o.released {
		return nil, ErrOpReleased
	}

	var req *sip.Request
	if o.dialog != nil && o.dialog.State() != DialogStateTerminated {
		req = o.dialog.newRequest(method, o.nextDialogCSeq(method))
	} else {
		if o.localURI == nil || o.remoteURI == nil {
			return nil, ErrIncompleteAddressing
		}
		if o.callID == "" {
			o.callID = newCallID()
		}
		if o.localTag == "" {
			o.localTag = newTag()
		}
		o.localSeq++

		req = sip.NewRequest(method, *o.remoteURI)
		req.AppendHeader(&sip.FromHeader{
			DisplayName: o.localName,
			Address:     *o.localURI,
			Params:      sip.HeaderParams{"tag": o.localTag},
		})
		req.AppendHeader(&sip.ToHeader{Address: *o.remoteURI, Params: sip.HeaderParams{}})
		callID := sip.CallIDHeader(o.callID)
		req.AppendHeader(&callID)
		req.AppendHeader(&sip.CSeqHeader{SeqNo: o.localSeq, MethodName: method})
		maxForwards := sip.MaxForwardsHeader(70)
		req.AppendHeader(&maxForwards)
		if o.route != nil {
			req.AppendHeader(&sip.RouteHeader{Address: *o.route})
		}
	}

	if o.contact != nil && method != sip.ACK && method != sip.CANCEL {
		req.AppendHeader(&sip.ContactHeader{Address: *o.contact})
	}
	if ua := o.stack.userAgent; ua != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", ua))
	}
	return req, nil
}

// nextDialogCSeq ACK использует номер INVITE, остальные запросы увеличивают счетчик
func (o *Op) nextDialogCSeq(method sip.RequestMethod) uint32 {
	if method == sip.ACK {
		return o.dialog.localSeq
	}
	return o.dialog.nextCSeq()
}

// SendRequest передает запрос транспорту. Транзакция держит ссылку на операцию
// до финального ответа. При ошибке транспорта запускается путь IOError.
func (o *Op) SendRequest(req *sip.Request) (ClientTransaction, error) {
	if o.released {
		return nil, ErrOpReleased
	}
	tx, err := o.stack.transport.SendRequest(req)
	if err != nil {
		o.log.LogError(o.ctx(), err, "transport failed to send request", String("method", string(req.Method)))
		o.setError(ioErrorInfo(err))
		o.self.processIOError(req, err)
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	o.pendingClientTx[tx.ID()] = tx
	o.ref()
	o.stack.trackClientTx(tx, o.self)
	o.stack.metrics.requestSent(string(req.Method))
	o.log.Debug(o.ctx(), "request sent", String("method", string(req.Method)), String("tx", tx.ID()))
	return tx, nil
}

// clientTxDone снимает ссылку транзакции после финального исхода
func (o *Op) clientTxDone(id string) {
	if _, ok := o.pendingClientTx[id]; !ok {
		return
	}
	delete(o.pendingClientTx, id)
	o.unref()
}

// newResponse создает ответ на входящий запрос с локальным To тегом
func (o *Op) newResponse(req *sip.Request, code int, phrase string, body *Body) *sip.Response {
	var content []byte
	if body != nil {
		content = body.Content
	}
	res := sip.NewResponseFromRequest(req, code, phrase, content)
	// sipgo сам ставит случайный To тег, если его нет в запросе.
	// Диалог зарегистрирован под localTag, поэтому тег заменяется.
	if code > 100 && o.localTag != "" && requestToTag(req) == "" {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.HeaderParams{}
			}
			to.Params["tag"] = o.localTag
		}
	}
	if o.contact != nil && code > 100 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: *o.contact})
	}
	if body != nil && len(body.Content) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", body.ContentType))
	}
	if ua := o.stack.userAgent; ua != "" {
		res.AppendHeader(sip.NewHeader("Server", ua))
	}
	return res
}

func requestToTag(req *sip.Request) string {
	to := req.To()
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

// respond отправляет ответ и логирует ошибку транспорта
func (o *Op) respond(tx ServerTransaction, res *sip.Response) error {
	if tx == nil {
		return ErrNoPendingTransaction
	}
	if err := tx.Respond(res); err != nil {
		o.log.LogError(o.ctx(), err, "failed to send response", Int("status", int(res.StatusCode)))
		return fmt.Errorf("respond %d: %w", res.StatusCode, err)
	}
	return nil
}

// reply короткая форма ответа без тела
func (o *Op) reply(tx ServerTransaction, req *sip.Request, code int, phrase string) error {
	return o.respond(tx, o.newResponse(req, code, phrase, nil))
}

// parseNameAddr разбирает `"Name" <uri>` или голый URI
func parseNameAddr(value string) (sip.Uri, string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return sip.Uri{}, "", fmt.Errorf("empty address")
	}
	name := ""
	if i := strings.IndexByte(value, '<'); i > 0 {
		name = strings.Trim(strings.TrimSpace(value[:i]), `"`)
	}
	uri, ok := extractURI(value)
	if !ok {
		return sip.Uri{}, "", fmt.Errorf("cannot parse URI")
	}
	return uri, name, nil
}

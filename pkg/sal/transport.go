package sal

import (
	"github.com/emiago/sipgo/sip"
)

// ClientTransaction исходящая транзакция транспортного уровня.
// Ретрансляции и таймеры RFC 3261 остаются на стороне транспорта.
type ClientTransaction interface {
	ID() string
	Request() *sip.Request
}

// ServerTransaction входящая транзакция, на которую отправляются ответы
type ServerTransaction interface {
	ID() string
	Request() *sip.Request
	Respond(res *sip.Response) error
}

// Transport внешний транспортный/транзакционный уровень.
// События о ходе транзакций доставляются через Stack.Post.
type Transport interface {
	// SendRequest создает клиентскую транзакцию и отправляет запрос
	SendRequest(req *sip.Request) (ClientTransaction, error)
	// SendAck отправляет ACK на 2xx вне транзакции
	SendAck(req *sip.Request) error
}

// Event событие транспортного уровня, обрабатываемое циклом Stack
type Event interface {
	event()
}

// RequestEvent входящий запрос. Для ACK Tx равен nil.
type RequestEvent struct {
	Request *sip.Request
	Tx      ServerTransaction
}

// ResponseEvent ответ на клиентскую транзакцию
type ResponseEvent struct {
	Response *sip.Response
	Tx       ClientTransaction
}

// TimeoutEvent клиентская транзакция не получила финального ответа
type TimeoutEvent struct {
	Tx ClientTransaction
}

// IOErrorEvent ошибка отправки на транспортном уровне
type IOErrorEvent struct {
	Tx  ClientTransaction
	Err error
}

// TransactionTerminatedEvent клиентская транзакция завершена транспортом
type TransactionTerminatedEvent struct {
	Tx ClientTransaction
}

// DialogTerminatedEvent транспорт сообщает об уничтожении диалога
type DialogTerminatedEvent struct {
	Key DialogKey
}

type funcEvent struct {
	fn func()
}

func (RequestEvent) event()               {}
func (ResponseEvent) event()              {}
func (TimeoutEvent) event()               {}
func (IOErrorEvent) event()               {}
func (TransactionTerminatedEvent) event() {}
func (DialogTerminatedEvent) event()      {}
func (funcEvent) event()                  {}

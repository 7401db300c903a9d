// Package transport_sipgo реализует транспорт операций sal поверх emiago/sipgo.
//
// sipgo отвечает за транзакции RFC 3261 (ретрансляции, таймеры), а этот
// пакет переводит их ход в события sal.Stack. Каждая клиентская транзакция
// обслуживается отдельной горутиной, которая пересылает ответы, таймаут
// или ошибку транспорта в цикл событий стека через Post.
package transport_sipgo

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sal/pkg/sal"
)

type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "udp"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "tcp"
)

// Config параметры транспорта
type Config struct {
	// UserAgent значение User-Agent, которое sipgo ставит в запросы
	UserAgent string
	// Type сетевой протокол прослушивания и исходящих запросов
	Type TransportType
	// Host адрес в Via исходящих запросов
	Host string
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "sal/1.0"
	}
	if c.Type == "" {
		c.Type = TransportUDP
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	switch c.Type {
	case TransportUDP, TransportTCP, "":
	default:
		return fmt.Errorf("unsupported transport type %q", c.Type)
	}
	return nil
}

// Poster принимает события транспорта. *sal.Stack реализует этот интерфейс.
type Poster interface {
	Post(ev sal.Event)
}

// Transport реализует sal.Transport на sipgo UserAgent, Client и Server
type Transport struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	cfg    Config
	poster Poster
	log    sal.StructuredLogger

	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64
}

// New создает транспорт и регистрирует обработчики входящих запросов.
// Прослушивание начинается вызовом Listen.
func New(cfg Config, poster Poster, log sal.StructuredLogger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if poster == nil {
		return nil, errors.New("transport requires an event poster")
	}
	if log == nil {
		log = sal.NoOpLogger{}
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent), sipgo.WithUserAgentHostname(cfg.Host))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Host))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ua:     ua,
		server: srv,
		client: client,
		cfg:    cfg,
		poster: poster,
		log:    log.WithComponent("transport"),
		ctx:    ctx,
		cancel: cancel,
	}
	t.onRequests()
	return t, nil
}

// Listen принимает запросы на addr до отмены ctx
func (t *Transport) Listen(ctx context.Context, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.Wrapf(err, "invalid listen address %q", addr)
	}
	t.log.Info(ctx, "listening", sal.String("network", string(t.cfg.Type)), sal.String("addr", addr))
	if err := t.server.ListenAndServe(ctx, string(t.cfg.Type), addr); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "listen failed")
	}
	return nil
}

// Close завершает горутины транзакций и закрывает транспортный уровень sipgo
func (t *Transport) Close() error {
	t.cancel()
	return errors.Wrap(t.ua.Close(), "failed to close user agent")
}

// SendRequest создает клиентскую транзакцию sipgo. Ход транзакции
// доставляется событиями в Poster.
func (t *Transport) SendRequest(req *sip.Request) (sal.ClientTransaction, error) {
	tx, err := t.client.TransactionRequest(t.ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send %s", req.Method)
	}
	ct := &clientTx{id: t.nextID("c"), req: req, tx: tx}
	go t.pump(ct)
	return ct, nil
}

// SendAck отправляет ACK на 2xx вне транзакции
func (t *Transport) SendAck(req *sip.Request) error {
	if req.Via() == nil {
		if err := sipgo.ClientRequestAddVia(t.client, req); err != nil {
			return errors.Wrap(err, "failed to add Via to ACK")
		}
	}
	return errors.Wrap(t.client.WriteRequest(req), "failed to send ACK")
}

func (t *Transport) nextID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(atomic.AddUint64(&t.seq, 1), 10)
}

// pump пересылает ответы транзакции в стек до ее завершения
func (t *Transport) pump(ct *clientTx) {
	final := false
	for {
		select {
		case res, ok := <-ct.tx.Responses():
			if !ok {
				t.finish(ct, final)
				return
			}
			if res.StatusCode >= 200 {
				final = true
			}
			t.poster.Post(sal.ResponseEvent{Response: res, Tx: ct})
		case <-ct.tx.Done():
			t.finish(ct, final)
			return
		case <-t.ctx.Done():
			ct.tx.Terminate()
			return
		}
	}
}

// finish сообщает стеку причину завершения транзакции
func (t *Transport) finish(ct *clientTx, final bool) {
	err := ct.tx.Err()
	switch {
	case final || err == nil:
		t.poster.Post(sal.TransactionTerminatedEvent{Tx: ct})
	case isTimeout(err):
		t.log.Debug(t.ctx, "transaction timeout", sal.String("method", string(ct.req.Method)))
		t.poster.Post(sal.TimeoutEvent{Tx: ct})
	default:
		t.log.Warn(t.ctx, "transaction failed", sal.String("method", string(ct.req.Method)), sal.Err(err))
		t.poster.Post(sal.IOErrorEvent{Tx: ct, Err: errors.Wrap(err, "transaction failed")})
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, sip.ErrTransactionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// clientTx клиентская транзакция sipgo с идентификатором для стека
type clientTx struct {
	id  string
	req *sip.Request
	tx  sip.ClientTransaction
}

func (c *clientTx) ID() string            { return c.id }
func (c *clientTx) Request() *sip.Request { return c.req }

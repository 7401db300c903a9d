package transport_sipgo

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sal/pkg/sal"
)

// chanPoster собирает события транспорта в канал
type chanPoster struct {
	events chan sal.Event
}

func newChanPoster() *chanPoster {
	return &chanPoster{events: make(chan sal.Event, 16)}
}

func (p *chanPoster) Post(ev sal.Event) { p.events <- ev }

func (p *chanPoster) next(t *testing.T) sal.Event {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("событие транспорта не получено")
		return nil
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"таймаут транзакции sipgo", sip.ErrTransactionTimeout, true},
		{"обернутый таймаут", errors.Join(errors.New("invite"), sip.ErrTransactionTimeout), true},
		{"deadline контекста", context.DeadlineExceeded, true},
		{"сетевой таймаут", timeoutErr{}, true},
		{"ошибка соединения", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTimeout(tt.err))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Type: TransportTCP}.Validate())
	assert.Error(t, Config{Type: "sctp"}.Validate())

	cfg := Config{}
	cfg.setDefaults()
	assert.Equal(t, TransportUDP, cfg.Type)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.NotEmpty(t, cfg.UserAgent)

	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}

// TestOptionsOverUDP запрос OPTIONS к стеку sal через реальный UDP
func TestOptionsOverUDP(t *testing.T) {
	if testing.Short() {
		t.Skip("сетевой тест")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// сторона B: стек sal отвечает на OPTIONS
	stack, err := sal.NewStack(sal.StackConfig{UserAgent: "sal-b", Registerer: prometheus.NewRegistry()}, nil)
	require.NoError(t, err)
	trB, err := New(Config{UserAgent: "sal-b"}, stack, nil)
	require.NoError(t, err)
	defer trB.Close()
	stack.SetTransport(trB)
	go stack.Run(ctx)
	go trB.Listen(ctx, "127.0.0.1:25061")

	// сторона A: события собираются в канал
	poster := newChanPoster()
	trA, err := New(Config{UserAgent: "sal-a"}, poster, nil)
	require.NoError(t, err)
	defer trA.Close()
	go trA.Listen(ctx, "127.0.0.1:25060")
	time.Sleep(100 * time.Millisecond)

	target := sip.Uri{Scheme: "sip", User: "b", Host: "127.0.0.1", Port: 25061}
	req := sip.NewRequest(sip.OPTIONS, target)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "a", Host: "127.0.0.1", Port: 25060},
		Params:  sip.HeaderParams{"tag": "a-tag"},
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader("options-over-udp")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})

	tx, err := trA.SendRequest(req)
	require.NoError(t, err)

	ev := poster.next(t)
	resEv, ok := ev.(sal.ResponseEvent)
	require.True(t, ok, "ожидался ответ, получено %T", ev)
	assert.Equal(t, tx.ID(), resEv.Tx.ID())
	assert.Equal(t, 200, int(resEv.Response.StatusCode))
	require.NotNil(t, resEv.Response.GetHeader("Allow"))
	// завершение UDP транзакции приходит только после таймера K, его не ждем
}

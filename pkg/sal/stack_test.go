package sal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sal/pkg/media_sdp"
)

// TestStackOutOfDialogRequests ответы стека на запросы без операции
func TestStackOutOfDialogRequests(t *testing.T) {
	tests := []struct {
		name   string
		method sip.RequestMethod
		toTag  string
		status int
		allow  bool
	}{
		{"OPTIONS", sip.OPTIONS, "", 200, true},
		{"MESSAGE не поддерживается", sip.MESSAGE, "", 405, true},
		{"SUBSCRIBE не поддерживается", sip.SUBSCRIBE, "", 405, true},
		{"BYE вне диалога", sip.BYE, "", 481, false},
		{"INFO вне диалога", sip.INFO, "", 481, false},
		{"BYE неизвестного диалога", sip.BYE, "unknown-tag", 481, false},
		{"REGISTER", sip.REGISTER, "", 501, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tx := h.incoming(remoteRequest(tt.method, "stack-"+string(tt.method), "bob-tag", tt.toTag, 1))

			require.Len(t, tx.responses, 1)
			assert.Equal(t, tt.status, int(tx.last().StatusCode))
			if tt.allow {
				require.NotNil(t, tx.last().GetHeader("Allow"))
				assert.Contains(t, tx.last().GetHeader("Allow").Value(), "REFER")
			}
			assert.Equal(t, 0, h.stack.Len())
			assert.Empty(t, h.cb.received)
		})
	}
}

// TestStackCancelWithoutInvite CANCEL без ожидающего INVITE
func TestStackCancelWithoutInvite(t *testing.T) {
	h := newHarness(t)
	tx := h.incoming(remoteRequest(sip.CANCEL, "no-invite", "bob-tag", "", 1))
	assert.Equal(t, 481, int(tx.last().StatusCode))

	// ACK вне диалога молча игнорируется
	h.deliver(RequestEvent{Request: remoteRequest(sip.ACK, "no-invite", "bob-tag", "x", 1)})
	assert.Equal(t, 0, h.stack.Len())
}

// TestStackInviteRetransmission повтор INVITE не создает второй вызов
func TestStackInviteRetransmission(t *testing.T) {
	h := newHarness(t)
	req := remoteRequest(sip.INVITE, "retrans", "bob-tag", "", 1)
	setBody(req, sdpBodyOf(t, audio("10.0.0.2", 5000, media_sdp.CodecPCMU)))

	h.incoming(req)
	h.incoming(req)

	assert.Len(t, h.cb.received, 1)
	assert.Equal(t, 1, h.stack.Len())
}

// TestStackLookup арена операций и освобождение
func TestStackLookup(t *testing.T) {
	h := newHarness(t)

	_, err := h.stack.Lookup(42)
	assert.ErrorIs(t, err, ErrUnknownOp)

	op := h.stack.NewReferOp()
	found, err := h.stack.Lookup(op.ID())
	require.NoError(t, err)
	assert.Same(t, op, found)
	assert.Equal(t, 1, h.stack.Len())

	op.Release()
	op.Release()
	_, err = h.stack.Lookup(op.ID())
	assert.ErrorIs(t, err, ErrOpReleased)
	assert.Equal(t, 0, h.stack.Len())
	require.Len(t, h.cb.released, 1)
	assert.Same(t, Operation(op), h.cb.released[0])

	second := h.stack.NewCallOp()
	assert.Greater(t, second.ID(), op.ID(), "идентификаторы не переиспользуются")
}

// TestStackReleaseWaitsForTransactions операция живет до завершения транзакций
func TestStackReleaseWaitsForTransactions(t *testing.T) {
	h := newHarness(t)
	op := h.stack.NewReferOp()
	require.NoError(t, op.SetFrom("sip:alice@10.0.0.1"))
	require.NoError(t, op.SetTo("sip:bob@10.0.0.2"))
	require.NoError(t, op.SendRefer("sip:carol@example.com"))

	op.Release()
	assert.False(t, op.IsReleased())
	_, err := h.stack.Lookup(op.ID())
	require.NoError(t, err)

	h.respond(h.tr.lastTx(), 603, "Decline", "", nil)
	assert.True(t, op.IsReleased())
	assert.Equal(t, ReferStateTerminated, op.State())
	require.Len(t, h.cb.referCompleted, 1)
	assert.Equal(t, ReasonDeclined, h.cb.referCompleted[0].Reason)
}

// TestStackDialogTerminatedEvent транспорт закрывает диалог принудительно
func TestStackDialogTerminatedEvent(t *testing.T) {
	h := newHarness(t)
	call, _ := h.establishOutgoing()
	key := call.Dialog().Key()

	h.deliver(DialogTerminatedEvent{Key: key})

	assert.True(t, call.IsReleased())
	assert.Equal(t, 0, h.stack.Len())
	require.Len(t, h.cb.released, 1)
	assert.Same(t, Operation(call), h.cb.released[0])
}

// TestStackStrayResponse ответ на неизвестную транзакцию отбрасывается
func TestStackStrayResponse(t *testing.T) {
	h := newHarness(t)
	req := remoteRequest(sip.INVITE, "stray", "alice-tag", "", 1)
	h.deliver(ResponseEvent{
		Response: responseFor(req, 200, "OK", "bob-tag", nil),
		Tx:       &fakeClientTx{id: "nobody", req: req},
	})
	assert.Equal(t, 0, h.stack.Len())
	assert.Empty(t, h.tr.acks)
}

// TestStackDo функция выполняется в цикле событий
func TestStackDo(t *testing.T) {
	h := newHarness(t)
	called := false
	h.stack.Do(func() { called = true })
	assert.False(t, called)
	assert.Equal(t, 1, h.stack.Iterate())
	assert.True(t, called)
	assert.Equal(t, 0, h.stack.Iterate())
}

// TestStackRun цикл событий работает до отмены контекста
func TestStackRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.stack.Run(ctx) }()

	var calls int32
	for i := 0; i < 10; i++ {
		h.stack.Do(func() { atomic.AddInt32(&calls, 1) })
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 10 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run не завершился после отмены контекста")
	}
}

// TestStackInvalidConfig некорректные адреса в конфигурации
func TestStackInvalidConfig(t *testing.T) {
	_, err := NewStack(StackConfig{Contact: "<>"}, nil)
	assert.Error(t, err)

	_, err = NewStack(StackConfig{OutboundProxy: "<>"}, nil)
	assert.Error(t, err)

	s, err := NewStack(StackConfig{OutboundProxy: "sip:proxy.example.com"}, nil)
	require.NoError(t, err)
	require.NotNil(t, s.route)
	assert.Equal(t, "proxy.example.com", s.route.Host)
}

// TestStackMetrics счетчики операций и запросов
func TestStackMetrics(t *testing.T) {
	h := newHarness(t)
	m := h.stack.Metrics()

	call, _ := h.establishOutgoing()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsCreated.WithLabelValues("call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opsActive.WithLabelValues("call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsSent.WithLabelValues("INVITE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responsesReceived.WithLabelValues("INVITE", "2xx")))

	require.NoError(t, call.Terminate())
	h.respond(h.tr.lastTx(), 200, "OK", "bob-tag", nil)
	call.Release()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.opsActive.WithLabelValues("call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsSent.WithLabelValues("BYE")))
}

package sal

import (
	"fmt"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sal/pkg/media_sdp"
)

// fakeClientTx клиентская транзакция без сети
type fakeClientTx struct {
	id  string
	req *sip.Request
}

func (t *fakeClientTx) ID() string            { return t.id }
func (t *fakeClientTx) Request() *sip.Request { return t.req }

// fakeServerTx записывает отправленные ответы
type fakeServerTx struct {
	id        string
	req       *sip.Request
	responses []*sip.Response
}

func (t *fakeServerTx) ID() string            { return t.id }
func (t *fakeServerTx) Request() *sip.Request { return t.req }

func (t *fakeServerTx) Respond(res *sip.Response) error {
	t.responses = append(t.responses, res)
	return nil
}

func (t *fakeServerTx) last() *sip.Response {
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

// fakeTransport записывает запросы вместо отправки в сеть
type fakeTransport struct {
	seq      int
	sent     []*fakeClientTx
	acks     []*sip.Request
	failNext error
}

func (f *fakeTransport) SendRequest(req *sip.Request) (ClientTransaction, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.seq++
	tx := &fakeClientTx{id: fmt.Sprintf("tx-%d", f.seq), req: req}
	f.sent = append(f.sent, tx)
	return tx, nil
}

func (f *fakeTransport) SendAck(req *sip.Request) error {
	f.acks = append(f.acks, req)
	return nil
}

func (f *fakeTransport) byMethod(method sip.RequestMethod) []*fakeClientTx {
	var out []*fakeClientTx
	for _, tx := range f.sent {
		if tx.req.Method == method {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fakeTransport) lastTx() *fakeClientTx {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// recorder запоминает уведомления владельца
type recorder struct {
	received       []*CallOp
	ringing        []int
	states         []StateChange
	failures       []*ErrorInfo
	callRefers     []string
	progress       []int
	dtmf           []byte
	refers         []*ReferOp
	referCompleted []*ErrorInfo
	released       []Operation
}

func (r *recorder) CallReceived(op *CallOp)                      { r.received = append(r.received, op) }
func (r *recorder) CallRinging(op *CallOp, status int)           { r.ringing = append(r.ringing, status) }
func (r *recorder) CallStateChanged(op *CallOp, c StateChange)   { r.states = append(r.states, c) }
func (r *recorder) CallFailure(op *CallOp, info *ErrorInfo)      { r.failures = append(r.failures, info) }
func (r *recorder) CallReferReceived(op *CallOp, referTo string) { r.callRefers = append(r.callRefers, referTo) }
func (r *recorder) ReferProgress(op Operation, status int)       { r.progress = append(r.progress, status) }
func (r *recorder) DtmfReceived(op *CallOp, digit byte)          { r.dtmf = append(r.dtmf, digit) }
func (r *recorder) ReferReceived(op *ReferOp, referTo string)    { r.refers = append(r.refers, op) }
func (r *recorder) ReferCompleted(op *ReferOp, info *ErrorInfo) {
	r.referCompleted = append(r.referCompleted, info)
}
func (r *recorder) OpReleased(op Operation) { r.released = append(r.released, op) }

func (r *recorder) stateSequence() []CallState {
	out := make([]CallState, 0, len(r.states))
	for _, c := range r.states {
		out = append(out, c.To)
	}
	return out
}

type harness struct {
	t     *testing.T
	stack *Stack
	tr    *fakeTransport
	cb    *recorder
	txSeq int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cb := &recorder{}
	s, err := NewStack(StackConfig{
		UserAgent:  "sal-test",
		Contact:    "sip:alice@10.0.0.1:5060",
		Registerer: prometheus.NewRegistry(),
	}, cb)
	require.NoError(t, err)
	tr := &fakeTransport{}
	s.SetTransport(tr)
	return &harness{t: t, stack: s, tr: tr, cb: cb}
}

// deliver ставит событие в очередь и сразу обрабатывает его
func (h *harness) deliver(ev Event) {
	h.stack.Post(ev)
	h.stack.Iterate()
}

// respond доставляет ответ на клиентскую транзакцию
func (h *harness) respond(tx *fakeClientTx, code int, phrase, toTag string, body *Body) *sip.Response {
	res := responseFor(tx.req, code, phrase, toTag, body)
	h.deliver(ResponseEvent{Response: res, Tx: tx})
	return res
}

// incoming доставляет входящий запрос через серверную транзакцию
func (h *harness) incoming(req *sip.Request) *fakeServerTx {
	h.txSeq++
	tx := &fakeServerTx{id: fmt.Sprintf("srv-%d", h.txSeq), req: req}
	h.deliver(RequestEvent{Request: req, Tx: tx})
	return tx
}

var (
	aliceURI = sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060}
	bobURI   = sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}
)

func responseFor(req *sip.Request, code int, phrase, toTag string, body *Body) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, phrase, nil)
	if toTag != "" {
		to := res.To()
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = toTag
	}
	if code > 100 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: bobURI})
	}
	setBody(res, body)
	return res
}

// remoteRequest запрос от Bob к Alice
func remoteRequest(method sip.RequestMethod, callID, fromTag, toTag string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, aliceURI)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            bobURI.Host,
		Port:            bobURI.Port,
		Params:          sip.NewParams().Add("branch", "z9hG4bK"+newTag()),
	})
	req.AppendHeader(&sip.FromHeader{Address: bobURI, Params: sip.HeaderParams{"tag": fromTag}})
	to := &sip.ToHeader{Address: aliceURI, Params: sip.HeaderParams{}}
	if toTag != "" {
		to.Params["tag"] = toTag
	}
	req.AppendHeader(to)
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: bobURI})
	return req
}

func audio(addr string, port int, codecs ...media_sdp.Codec) *media_sdp.MediaDescription {
	return &media_sdp.MediaDescription{
		Address:   addr,
		SessionID: 1000,
		Streams: []media_sdp.StreamDescription{{
			Type:      "audio",
			Proto:     "RTP/AVP",
			Address:   addr,
			Port:      port,
			Direction: media_sdp.DirectionSendRecv,
			Codecs:    codecs,
		}},
	}
}

func sdpBodyOf(t *testing.T, md *media_sdp.MediaDescription) *Body {
	t.Helper()
	content, err := media_sdp.Marshal(md)
	require.NoError(t, err)
	return NewBody(contentTypeSDP, content)
}

func codecNames(md *media_sdp.MediaDescription, stream int) []string {
	names := []string{}
	for _, c := range md.Streams[stream].Codecs {
		names = append(names, c.Name)
	}
	return names
}

// establishOutgoing доводит исходящий вызов до Active с ответом [PCMA]
func (h *harness) establishOutgoing() (*CallOp, *fakeClientTx) {
	h.t.Helper()
	op := h.stack.NewCallOp()
	op.SetLocalMediaDescription(audio("10.0.0.1", 4000, media_sdp.CodecPCMU, media_sdp.CodecPCMA))
	require.NoError(h.t, op.Call("sip:alice@10.0.0.1", "sip:bob@10.0.0.2", ""))
	invite := h.tr.lastTx()
	h.respond(invite, 200, "OK", "bob-tag", sdpBodyOf(h.t, audio("10.0.0.2", 5000, media_sdp.CodecPCMA)))
	require.Equal(h.t, CallStateActive, op.State())
	return op, invite
}

// establishIncoming принимает входящий вызов и подтверждает его ACK
func (h *harness) establishIncoming(callID string) (*CallOp, *fakeServerTx) {
	h.t.Helper()
	req := remoteRequest(sip.INVITE, callID, "bob-tag", "", 1)
	setBody(req, sdpBodyOf(h.t, audio("10.0.0.2", 5000, media_sdp.CodecPCMU, media_sdp.CodecPCMA)))
	tx := h.incoming(req)
	require.NotEmpty(h.t, h.cb.received)
	op := h.cb.received[len(h.cb.received)-1]
	op.SetLocalMediaDescription(audio("10.0.0.1", 4000, media_sdp.CodecPCMA))
	require.NoError(h.t, op.Accept())

	ack := remoteRequest(sip.ACK, callID, "bob-tag", op.LocalTag(), 1)
	h.deliver(RequestEvent{Request: ack})
	require.Equal(h.t, CallStateActive, op.State())
	return op, tx
}

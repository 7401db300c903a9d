package sal

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// DialogState состояние SIP диалога (RFC 3261 §12)
type DialogState string

const (
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// DialogKey идентификатор диалога с локальной точки зрения
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (k DialogKey) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", k.CallID, k.LocalTag, k.RemoteTag)
}

// Dialog состояние диалога, разделяемое операциями одного вызова.
// Теги неизменны после создания, кроме удаленного тега раннего диалога.
type Dialog struct {
	callID    string
	localTag  string
	remoteTag string

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	routeSet     []sip.Uri

	localSeq  uint32
	remoteSeq uint32

	isUAC bool
	fsm   *fsm.FSM
}

func newDialogFSM(initial DialogState) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: "confirm", Src: []string{string(DialogStateEarly)}, Dst: string(DialogStateConfirmed)},
			{Name: "terminate", Src: []string{string(DialogStateEarly), string(DialogStateConfirmed)}, Dst: string(DialogStateTerminated)},
		},
		fsm.Callbacks{},
	)
}

// newUACDialog создает диалог по нашему запросу и ответу с To тегом
func newUACDialog(req *sip.Request, res *sip.Response) (*Dialog, error) {
	toTag, _ := res.To().Params.Get("tag")
	if toTag == "" {
		return nil, fmt.Errorf("response %d has no To tag", res.StatusCode)
	}
	fromTag, _ := req.From().Params.Get("tag")

	d := &Dialog{
		callID:       req.CallID().Value(),
		localTag:     fromTag,
		remoteTag:    toTag,
		localURI:     req.From().Address,
		remoteURI:    req.To().Address,
		remoteTarget: req.Recipient,
		localSeq:     req.CSeq().SeqNo,
		isUAC:        true,
	}
	if uri, ok := contactURI(res); ok {
		d.remoteTarget = uri
	}

	// UAC использует Record-Route в обратном порядке
	routes := recordRoutes(res)
	for i := len(routes) - 1; i >= 0; i-- {
		d.routeSet = append(d.routeSet, routes[i])
	}

	initial := DialogStateEarly
	if code := int(res.StatusCode); code >= 200 && code < 300 {
		initial = DialogStateConfirmed
	}
	d.fsm = newDialogFSM(initial)
	return d, nil
}

// newUASDialog создает ранний диалог по входящему запросу
func newUASDialog(req *sip.Request, localTag string) (*Dialog, error) {
	remoteTag, _ := req.From().Params.Get("tag")
	if remoteTag == "" {
		return nil, fmt.Errorf("%s request has no From tag", req.Method)
	}

	d := &Dialog{
		callID:    req.CallID().Value(),
		localTag:  localTag,
		remoteTag: remoteTag,
		localURI:  req.To().Address,
		remoteURI: req.From().Address,
		remoteSeq: req.CSeq().SeqNo,
		routeSet:  recordRoutes(req),
		fsm:       newDialogFSM(DialogStateEarly),
	}
	uri, ok := contactURI(req)
	if !ok {
		return nil, fmt.Errorf("%s request has no valid Contact", req.Method)
	}
	d.remoteTarget = uri
	return d, nil
}

func (d *Dialog) Key() DialogKey {
	return DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

func (d *Dialog) CallID() string    { return d.callID }
func (d *Dialog) LocalTag() string  { return d.localTag }
func (d *Dialog) RemoteTag() string { return d.remoteTag }
func (d *Dialog) IsUAC() bool       { return d.isUAC }

// RemoteTarget текущий адрес удаленной стороны (Contact)
func (d *Dialog) RemoteTarget() sip.Uri { return d.remoteTarget }

// RouteSet возвращает копию маршрута диалога
func (d *Dialog) RouteSet() []sip.Uri {
	return append([]sip.Uri(nil), d.routeSet...)
}

func (d *Dialog) State() DialogState {
	return DialogState(d.fsm.Current())
}

func (d *Dialog) confirm() {
	if d.fsm.Can("confirm") {
		_ = d.fsm.Event(context.Background(), "confirm")
	}
}

func (d *Dialog) terminate() {
	if d.fsm.Can("terminate") {
		_ = d.fsm.Event(context.Background(), "terminate")
	}
}

// refreshTarget обновляет remote target по Contact (target refresh, RFC 3261 §12.2)
func (d *Dialog) refreshTarget(msg message) {
	if uri, ok := contactURI(msg); ok {
		d.remoteTarget = uri
	}
}

// acceptRemoteCSeq проверяет порядок входящих запросов внутри диалога
func (d *Dialog) acceptRemoteCSeq(seq uint32) bool {
	if d.remoteSeq != 0 && seq <= d.remoteSeq {
		return false
	}
	d.remoteSeq = seq
	return true
}

func (d *Dialog) nextCSeq() uint32 {
	d.localSeq++
	return d.localSeq
}

// newRequest строит запрос внутри диалога с указанным CSeq
func (d *Dialog) newRequest(method sip.RequestMethod, seq uint32) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget)

	req.AppendHeader(&sip.FromHeader{
		Address: d.localURI,
		Params:  sip.HeaderParams{"tag": d.localTag},
	})
	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.HeaderParams{}}
	if d.remoteTag != "" {
		to.Params["tag"] = d.remoteTag
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	for _, route := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

func contactURI(msg message) (sip.Uri, bool) {
	h := msg.GetHeader("Contact")
	if h == nil {
		return sip.Uri{}, false
	}
	return extractURI(h.Value())
}

// recordRoutes собирает Record-Route в порядке появления в сообщении
func recordRoutes(msg interface{ GetHeaders(string) []sip.Header }) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for _, v := range splitHeaderValues(h.Value()) {
			if uri, ok := extractURI(v); ok {
				routes = append(routes, uri)
			}
		}
	}
	return routes
}

// extractURI извлекает URI из значения вида `"Name" <sip:a@b>;param` или `sip:a@b`
func extractURI(value string) (sip.Uri, bool) {
	value = strings.TrimSpace(value)
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value[start:], '>'); end > 0 {
			value = value[start+1 : start+end]
		}
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		// без угловых скобок параметры относятся к заголовку
		value = value[:i]
	}

	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil || uri.Host == "" {
		return sip.Uri{}, false
	}
	return uri, true
}

// splitHeaderValues делит значение по запятым вне угловых скобок и кавычек
func splitHeaderValues(value string) []string {
	var out []string
	depth, quoted, start := 0, false, 0
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 && !quoted {
				out = append(out, strings.TrimSpace(value[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(value[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

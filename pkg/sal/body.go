package sal

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

const (
	contentTypeSDP       = "application/sdp"
	contentTypeSipfrag   = "message/sipfrag;version=2.0"
	contentTypeDtmfRelay = "application/dtmf-relay"
	contentTypeDtmf      = "application/dtmf"
)

// Body произвольное тело сообщения с типом содержимого
type Body struct {
	ContentType string
	Content     []byte
}

// NewBody создает тело
func NewBody(contentType string, content []byte) *Body {
	return &Body{ContentType: contentType, Content: content}
}

// Copy возвращает независимую копию тела
func (b *Body) Copy() *Body {
	if b == nil {
		return nil
	}
	content := make([]byte, len(b.Content))
	copy(content, b.Content)
	return &Body{ContentType: b.ContentType, Content: content}
}

// IsSDP проверяет тип содержимого
func (b *Body) IsSDP() bool {
	return b != nil && len(b.Content) > 0 && hasContentType(b.ContentType, contentTypeSDP)
}

// message общая часть *sip.Request и *sip.Response
type message interface {
	Body() []byte
	SetBody(body []byte)
	GetHeader(name string) sip.Header
	AppendHeader(header sip.Header)
}

// bodyOf извлекает тело сообщения вместе с Content-Type
func bodyOf(msg message) *Body {
	content := msg.Body()
	if len(content) == 0 {
		return nil
	}
	ct := ""
	if h := msg.GetHeader("Content-Type"); h != nil {
		ct = h.Value()
	}
	return &Body{ContentType: ct, Content: content}
}

func hasContentType(value, want string) bool {
	mediaType, _, _ := strings.Cut(value, ";")
	wantType, _, _ := strings.Cut(want, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), wantType)
}

func setBody(msg message, b *Body) {
	if b == nil || len(b.Content) == 0 {
		return
	}
	msg.AppendHeader(sip.NewHeader("Content-Type", b.ContentType))
	msg.SetBody(b.Content)
}

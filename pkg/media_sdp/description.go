package media_sdp

import (
	"fmt"
	"strings"
)

// Direction направление медиа потока (RFC 3264 §5.1)
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

// String возвращает имя SDP атрибута направления
func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// ParseDirection разбирает имя атрибута направления
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(s) {
	case "sendrecv":
		return DirectionSendRecv, true
	case "sendonly":
		return DirectionSendOnly, true
	case "recvonly":
		return DirectionRecvOnly, true
	case "inactive":
		return DirectionInactive, true
	}
	return DirectionSendRecv, false
}

// Reverse возвращает направление с точки зрения другой стороны
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

// CanSend сообщает, разрешена ли отправка
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanRecv сообщает, разрешен ли прием
func (d Direction) CanRecv() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

func directionFrom(send, recv bool) Direction {
	switch {
	case send && recv:
		return DirectionSendRecv
	case send:
		return DirectionSendOnly
	case recv:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}

// Attribute непрозрачный атрибут потока (ICE кандидаты, ptime и т.п.)
type Attribute struct {
	Key   string
	Value string
}

// StreamDescription описание одного медиа потока (одна m= строка)
type StreamDescription struct {
	// Type тип медиа: audio, video, ...
	Type  string
	Proto string

	Address string
	Port    int

	Direction Direction

	// Bandwidth ограничение полосы в kbps (b=AS), 0 если не задано
	Bandwidth int

	// Codecs упорядочены по предпочтению
	Codecs []Codec

	Attributes []Attribute

	// Rejected поток отклонен (порт 0)
	Rejected bool
}

// Clone возвращает глубокую копию потока
func (s StreamDescription) Clone() StreamDescription {
	c := s
	c.Codecs = append([]Codec(nil), s.Codecs...)
	c.Attributes = append([]Attribute(nil), s.Attributes...)
	return c
}

// HasCodec ищет кодек по (mime, clock rate, channels)
func (s *StreamDescription) HasCodec(codec Codec) bool {
	return s.findCodec(codec) >= 0
}

func (s *StreamDescription) findCodec(codec Codec) int {
	for i := range s.Codecs {
		if s.Codecs[i].Matches(codec) {
			return i
		}
	}
	return -1
}

// IsActive поток принят и имеет хотя бы один основной кодек
func (s *StreamDescription) IsActive() bool {
	if s.Rejected || s.Port == 0 {
		return false
	}
	for _, c := range s.Codecs {
		if !c.IsAuxiliary() {
			return true
		}
	}
	return false
}

// MediaDescription набор согласуемых медиа потоков.
// Порядок потоков значим: поток N ответа соответствует потоку N предложения.
type MediaDescription struct {
	Username       string
	SessionID      uint64
	SessionVersion uint64
	Address        string
	SessionName    string

	// Bandwidth ограничение на уровне сессии в kbps, 0 если не задано
	Bandwidth int

	Streams []StreamDescription
}

// Clone возвращает глубокую копию описания
func (m *MediaDescription) Clone() *MediaDescription {
	if m == nil {
		return nil
	}
	c := *m
	c.Streams = make([]StreamDescription, len(m.Streams))
	for i, s := range m.Streams {
		c.Streams[i] = s.Clone()
	}
	return &c
}

// Stream возвращает первый поток указанного типа
func (m *MediaDescription) Stream(mediaType string) (*StreamDescription, bool) {
	for i := range m.Streams {
		if m.Streams[i].Type == mediaType {
			return &m.Streams[i], true
		}
	}
	return nil, false
}

// IsOnHold все принятые потоки не принимают медиа от удаленной стороны (sendonly/inactive)
func (m *MediaDescription) IsOnHold() bool {
	held := false
	for _, s := range m.Streams {
		if s.Rejected {
			continue
		}
		if s.Direction.CanRecv() {
			return false
		}
		held = true
	}
	return held
}

// String краткое представление для логов
func (m *MediaDescription) String() string {
	if m == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("[")
	for i, s := range m.Streams {
		if i > 0 {
			b.WriteString(" ")
		}
		names := make([]string, 0, len(s.Codecs))
		for _, c := range s.Codecs {
			names = append(names, c.Name)
		}
		fmt.Fprintf(&b, "%s:%s{%s}", s.Type, s.Direction, strings.Join(names, ","))
		if s.Rejected {
			b.WriteString("(rejected)")
		}
	}
	b.WriteString("]")
	return b.String()
}

// Equivalent сравнивает описания по количеству, порядку и кодекам потоков
func Equivalent(a, b *MediaDescription) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Streams) != len(b.Streams) {
		return false
	}
	for i := range a.Streams {
		sa, sb := a.Streams[i], b.Streams[i]
		if sa.Type != sb.Type || sa.Direction != sb.Direction || sa.Rejected != sb.Rejected {
			return false
		}
		if len(sa.Codecs) != len(sb.Codecs) {
			return false
		}
		for j := range sa.Codecs {
			if !sa.Codecs[j].Matches(sb.Codecs[j]) || sa.Codecs[j].PayloadType != sb.Codecs[j].PayloadType {
				return false
			}
		}
	}
	return true
}

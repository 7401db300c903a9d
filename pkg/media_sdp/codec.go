package media_sdp

import (
	"fmt"
	"strconv"
	"strings"
)

// Codec описание payload type в потоке
type Codec struct {
	PayloadType uint8
	// Name MIME подтип (PCMU, opus, telephone-event)
	Name      string
	ClockRate uint32
	// Channels 0 означает значение по умолчанию (1)
	Channels uint16
	Fmtp     string
}

// Статические payload types из RFC 3551
var staticPayloadTypes = map[uint8]Codec{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	3:  {PayloadType: 3, Name: "GSM", ClockRate: 8000},
	4:  {PayloadType: 4, Name: "G723", ClockRate: 8000},
	5:  {PayloadType: 5, Name: "DVI4", ClockRate: 8000},
	6:  {PayloadType: 6, Name: "DVI4", ClockRate: 16000},
	7:  {PayloadType: 7, Name: "LPC", ClockRate: 8000},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000},
	10: {PayloadType: 10, Name: "L16", ClockRate: 44100, Channels: 2},
	11: {PayloadType: 11, Name: "L16", ClockRate: 44100},
	12: {PayloadType: 12, Name: "QCELP", ClockRate: 8000},
	13: {PayloadType: 13, Name: "CN", ClockRate: 8000},
	15: {PayloadType: 15, Name: "G728", ClockRate: 8000},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000},
	26: {PayloadType: 26, Name: "JPEG", ClockRate: 90000},
	31: {PayloadType: 31, Name: "H261", ClockRate: 90000},
	34: {PayloadType: 34, Name: "H263", ClockRate: 90000},
}

// Часто используемые кодеки
var (
	CodecPCMU           = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	CodecPCMA           = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
	CodecG722           = Codec{PayloadType: 9, Name: "G722", ClockRate: 8000}
	CodecG729           = Codec{PayloadType: 18, Name: "G729", ClockRate: 8000}
	CodecOpus           = Codec{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2}
	CodecTelephoneEvent = Codec{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-15"}
)

// StaticCodec возвращает кодек для статического payload type
func StaticCodec(pt uint8) (Codec, bool) {
	c, ok := staticPayloadTypes[pt]
	return c, ok
}

// LookupCodec находит кодек по имени вида "PCMU", "opus/48000/2" или "telephone-event"
func LookupCodec(spec string) (Codec, error) {
	parts := strings.Split(spec, "/")
	name := parts[0]
	for _, c := range []Codec{CodecPCMU, CodecPCMA, CodecG722, CodecG729, CodecOpus, CodecTelephoneEvent} {
		if strings.EqualFold(c.Name, name) && len(parts) == 1 {
			return c, nil
		}
	}
	if len(parts) < 2 {
		for pt := 0; pt < 35; pt++ {
			if c, ok := staticPayloadTypes[uint8(pt)]; ok && strings.EqualFold(c.Name, name) {
				return c, nil
			}
		}
		return Codec{}, fmt.Errorf("unknown codec %q", spec)
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate in %q: %w", spec, err)
	}
	c := Codec{Name: name, ClockRate: uint32(rate), PayloadType: 96}
	if len(parts) > 2 {
		ch, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return Codec{}, fmt.Errorf("invalid channels in %q: %w", spec, err)
		}
		c.Channels = uint16(ch)
	}
	return c, nil
}

func (c Codec) channels() uint16 {
	if c.Channels == 0 {
		return 1
	}
	return c.Channels
}

// Matches сравнивает кодеки по (mime, clock rate, channels), не по номеру payload type:
// стороны могут назначить разные динамические номера одному кодеку.
func (c Codec) Matches(other Codec) bool {
	return strings.EqualFold(c.Name, other.Name) &&
		c.ClockRate == other.ClockRate &&
		c.channels() == other.channels()
}

// IsAuxiliary кодек не несет медиа сам по себе (DTMF, comfort noise)
func (c Codec) IsAuxiliary() bool {
	return strings.EqualFold(c.Name, "telephone-event") || strings.EqualFold(c.Name, "CN")
}

// Rtpmap значение атрибута a=rtpmap
func (c Codec) Rtpmap() string {
	if c.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", c.PayloadType, c.Name, c.ClockRate, c.Channels)
	}
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// String для логов
func (c Codec) String() string {
	return fmt.Sprintf("%s/%d(%d)", c.Name, c.ClockRate, c.PayloadType)
}

// parseRtpmap разбирает "96 opus/48000/2"
func parseRtpmap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return Codec{}, fmt.Errorf("invalid rtpmap %q", value)
	}
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type in rtpmap %q: %w", value, err)
	}
	parts := strings.Split(strings.TrimSpace(enc), "/")
	if len(parts) < 2 || parts[0] == "" {
		return Codec{}, fmt.Errorf("invalid encoding in rtpmap %q", value)
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate in rtpmap %q: %w", value, err)
	}
	c := Codec{PayloadType: uint8(pt), Name: parts[0], ClockRate: uint32(rate)}
	if len(parts) > 2 {
		ch, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return Codec{}, fmt.Errorf("invalid channels in rtpmap %q: %w", value, err)
		}
		c.Channels = uint16(ch)
	}
	return c, nil
}

package media_sdp

import (
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// SdpHandling политика разбора входящего SDP
type SdpHandling int

const (
	// SdpHandlingStrict любое структурное нарушение отклоняет описание целиком
	SdpHandlingStrict SdpHandling = iota
	// SdpHandlingTolerant некорректные потоки помечаются отклоненными,
	// отсутствие c= строки допускается
	SdpHandlingTolerant
)

// String возвращает имя политики
func (h SdpHandling) String() string {
	if h == SdpHandlingTolerant {
		return "tolerant"
	}
	return "strict"
}

// ParseSdpHandling разбирает имя политики из конфигурации
func ParseSdpHandling(s string) (SdpHandling, bool) {
	switch strings.ToLower(s) {
	case "", "strict":
		return SdpHandlingStrict, true
	case "tolerant", "legacy":
		return SdpHandlingTolerant, true
	}
	return SdpHandlingStrict, false
}

const bandwidthAS = "AS"

// Marshal сериализует описание в SDP.
// Потоки выводятся 1:1 по позиции, кодеки в порядке локального предпочтения.
func Marshal(md *MediaDescription) ([]byte, error) {
	if md == nil {
		return nil, NewSDPError(ErrorCodeSDPGeneration, "media description is nil")
	}
	if len(md.Streams) == 0 {
		return nil, NewSDPError(ErrorCodeSDPGeneration, "media description has no streams")
	}

	sessionAddr := md.Address
	if sessionAddr == "" {
		for _, s := range md.Streams {
			if s.Address != "" {
				sessionAddr = s.Address
				break
			}
		}
	}

	username := md.Username
	if username == "" {
		username = "-"
	}
	sessionID := md.SessionID
	if sessionID == 0 {
		sessionID = uint64(time.Now().Unix())
	}
	sessionVersion := md.SessionVersion
	if sessionVersion == 0 {
		sessionVersion = sessionID
	}
	sessionName := md.SessionName
	if sessionName == "" {
		sessionName = "-"
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       username,
			SessionID:      sessionID,
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    addressType(sessionAddr),
			UnicastAddress: orDefault(sessionAddr, "0.0.0.0"),
		},
		SessionName: sdp.SessionName(sessionName),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	if sessionAddr != "" {
		sd.ConnectionInformation = connection(sessionAddr)
	}
	if md.Bandwidth > 0 {
		sd.Bandwidth = []sdp.Bandwidth{{Type: bandwidthAS, Bandwidth: uint64(md.Bandwidth)}}
	}

	for i, s := range md.Streams {
		if s.Type == "" {
			return nil, NewStreamError(ErrorCodeSDPGeneration, i, "stream has no media type")
		}
		if !s.Rejected && len(s.Codecs) == 0 {
			return nil, NewStreamError(ErrorCodeSDPGeneration, i, "active stream has no codecs")
		}
		if !s.Rejected && s.Address == "" && sessionAddr == "" {
			return nil, NewStreamError(ErrorCodeSDPGeneration, i, "stream has no connection address")
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, marshalStream(s, sessionAddr))
	}

	out, err := sd.Marshal()
	if err != nil {
		return nil, WrapSDPError(ErrorCodeSDPGeneration, err, "failed to marshal SDP")
	}
	return out, nil
}

func marshalStream(s StreamDescription, sessionAddr string) *sdp.MediaDescription {
	proto := s.Proto
	if proto == "" {
		proto = "RTP/AVP"
	}
	port := s.Port
	if s.Rejected {
		port = 0
	}

	formats := make([]string, 0, len(s.Codecs))
	for _, c := range s.Codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}
	if len(formats) == 0 {
		// m= строка обязана содержать хотя бы один формат
		formats = append(formats, "0")
	}

	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   s.Type,
			Port:    sdp.RangedPort{Value: port},
			Protos:  strings.Split(proto, "/"),
			Formats: formats,
		},
	}
	if s.Address != "" && s.Address != sessionAddr {
		m.ConnectionInformation = connection(s.Address)
	}
	if s.Bandwidth > 0 {
		m.Bandwidth = []sdp.Bandwidth{{Type: bandwidthAS, Bandwidth: uint64(s.Bandwidth)}}
	}

	for _, c := range s.Codecs {
		m.Attributes = append(m.Attributes, sdp.NewAttribute("rtpmap", c.Rtpmap()))
		if c.Fmtp != "" {
			m.Attributes = append(m.Attributes, sdp.NewAttribute("fmtp", strconv.Itoa(int(c.PayloadType))+" "+c.Fmtp))
		}
	}
	for _, a := range s.Attributes {
		if a.Value == "" {
			m.Attributes = append(m.Attributes, sdp.NewPropertyAttribute(a.Key))
		} else {
			m.Attributes = append(m.Attributes, sdp.NewAttribute(a.Key, a.Value))
		}
	}
	dir := s.Direction
	if s.Rejected {
		dir = DirectionInactive
	}
	m.Attributes = append(m.Attributes, sdp.NewPropertyAttribute(dir.String()))
	return m
}

// Unmarshal разбирает SDP тело в описание, сохраняя порядок потоков
func Unmarshal(body []byte, policy SdpHandling) (*MediaDescription, error) {
	if len(body) == 0 {
		return nil, NewSDPError(ErrorCodeSDPParsing, "empty SDP body")
	}

	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, WrapSDPError(ErrorCodeSDPParsing, err, "failed to parse SDP")
	}

	md := &MediaDescription{
		Username:       sd.Origin.Username,
		SessionID:      sd.Origin.SessionID,
		SessionVersion: sd.Origin.SessionVersion,
		SessionName:    string(sd.SessionName),
		Bandwidth:      asBandwidth(sd.Bandwidth),
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		md.Address = sd.ConnectionInformation.Address.Address
	}

	if len(sd.MediaDescriptions) == 0 && policy == SdpHandlingStrict {
		return nil, NewSDPError(ErrorCodeSDPStructure, "SDP has no media streams")
	}

	sessionDir := DirectionSendRecv
	for _, a := range sd.Attributes {
		if d, ok := ParseDirection(a.Key); ok {
			sessionDir = d
		}
	}

	for i, m := range sd.MediaDescriptions {
		s, err := unmarshalStream(i, m, md.Address, sessionDir)
		if err != nil {
			if policy == SdpHandlingStrict {
				return nil, err
			}
			// сохраняем позицию потока, но отклоняем его
			s = StreamDescription{
				Type:      m.MediaName.Media,
				Proto:     strings.Join(m.MediaName.Protos, "/"),
				Direction: DirectionInactive,
				Rejected:  true,
			}
		}
		md.Streams = append(md.Streams, s)
	}

	return md, nil
}

func unmarshalStream(idx int, m *sdp.MediaDescription, sessionAddr string, sessionDir Direction) (StreamDescription, error) {
	s := StreamDescription{
		Type:      m.MediaName.Media,
		Proto:     strings.Join(m.MediaName.Protos, "/"),
		Port:      m.MediaName.Port.Value,
		Direction: sessionDir,
		Bandwidth: asBandwidth(m.Bandwidth),
		Address:   sessionAddr,
	}
	s.Rejected = s.Port == 0
	if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
		s.Address = m.ConnectionInformation.Address.Address
	}
	if !s.Rejected && s.Address == "" {
		return s, NewStreamError(ErrorCodeSDPStructure, idx, "no connection address for %s stream", s.Type)
	}

	rtpmaps := make(map[uint8]Codec)
	fmtps := make(map[uint8]string)
	for _, a := range m.Attributes {
		switch a.Key {
		case "rtpmap":
			c, err := parseRtpmap(a.Value)
			if err != nil {
				return s, NewStreamError(ErrorCodeSDPParsing, idx, "%v", err)
			}
			rtpmaps[c.PayloadType] = c
		case "fmtp":
			ptStr, params, _ := strings.Cut(a.Value, " ")
			if pt, err := strconv.ParseUint(ptStr, 10, 8); err == nil {
				fmtps[uint8(pt)] = strings.TrimSpace(params)
			}
		default:
			if d, ok := ParseDirection(a.Key); ok {
				s.Direction = d
				continue
			}
			s.Attributes = append(s.Attributes, Attribute{Key: a.Key, Value: a.Value})
		}
	}

	isRTP := strings.Contains(s.Proto, "RTP")
	for _, f := range m.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			if isRTP {
				return s, NewStreamError(ErrorCodeSDPParsing, idx, "invalid payload type %q", f)
			}
			continue
		}
		c, ok := rtpmaps[uint8(pt)]
		if !ok {
			c, ok = StaticCodec(uint8(pt))
		}
		if !ok {
			return s, NewStreamError(ErrorCodeSDPStructure, idx, "dynamic payload type %d without rtpmap", pt)
		}
		c.Fmtp = fmtps[uint8(pt)]
		s.Codecs = append(s.Codecs, c)
	}
	if !s.Rejected && len(s.Codecs) == 0 && isRTP {
		return s, NewStreamError(ErrorCodeSDPStructure, idx, "no codecs in %s stream", s.Type)
	}
	if s.Rejected {
		s.Direction = DirectionInactive
	}
	return s, nil
}

func asBandwidth(bw []sdp.Bandwidth) int {
	for _, b := range bw {
		if strings.EqualFold(b.Type, bandwidthAS) {
			return int(b.Bandwidth)
		}
	}
	return 0
}

func connection(addr string) *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(addr),
		Address:     &sdp.Address{Address: addr},
	}
}

func addressType(addr string) string {
	if strings.Contains(addr, ":") {
		return "IP6"
	}
	return "IP4"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

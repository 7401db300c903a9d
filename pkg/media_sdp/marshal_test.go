package media_sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	opus := CodecOpus
	opus.Fmtp = "minptime=10;useinbandfec=1"

	md := &MediaDescription{
		Username:       "salphone",
		SessionID:      1234,
		SessionVersion: 1,
		Address:        "192.168.1.10",
		Streams: []StreamDescription{
			{
				Type:       "audio",
				Proto:      "RTP/AVP",
				Address:    "192.168.1.10",
				Port:       4000,
				Direction:  DirectionSendRecv,
				Bandwidth:  64,
				Codecs:     []Codec{CodecPCMU, CodecPCMA, opus, CodecTelephoneEvent},
				Attributes: []Attribute{{Key: "ptime", Value: "20"}},
			},
			{
				Type:      "video",
				Proto:     "RTP/AVP",
				Address:   "192.168.1.11",
				Port:      4002,
				Direction: DirectionRecvOnly,
				Codecs:    []Codec{{PayloadType: 34, Name: "H263", ClockRate: 90000}},
			},
		},
	}

	body, err := Marshal(md)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "m=audio 4000 RTP/AVP 0 8 111 101")
	assert.Contains(t, text, "a=rtpmap:111 opus/48000/2")
	assert.Contains(t, text, "a=fmtp:111 minptime=10;useinbandfec=1")
	assert.Contains(t, text, "b=AS:64")
	assert.Contains(t, text, "a=recvonly")
	assert.Contains(t, text, "c=IN IP4 192.168.1.11")

	parsed, err := Unmarshal(body, SdpHandlingStrict)
	require.NoError(t, err)
	assert.True(t, Equivalent(md, parsed), "round trip: %s != %s", md, parsed)

	assert.Equal(t, "192.168.1.10", parsed.Address)
	assert.Equal(t, 64, parsed.Streams[0].Bandwidth)
	assert.Equal(t, "192.168.1.11", parsed.Streams[1].Address)
	assert.Equal(t, []Attribute{{Key: "ptime", Value: "20"}}, parsed.Streams[0].Attributes)
	assert.Equal(t, "minptime=10;useinbandfec=1", parsed.Streams[0].Codecs[2].Fmtp)
}

func TestMarshalRejectedStream(t *testing.T) {
	md := audioDescription("10.0.0.1", 4000, CodecPCMU)
	md.Streams = append(md.Streams, StreamDescription{Type: "video", Proto: "RTP/AVP", Rejected: true})

	body, err := Marshal(md)
	require.NoError(t, err)
	assert.Contains(t, string(body), "m=video 0 RTP/AVP")

	parsed, err := Unmarshal(body, SdpHandlingStrict)
	require.NoError(t, err)
	require.Len(t, parsed.Streams, 2)
	assert.True(t, parsed.Streams[1].Rejected)
	assert.Equal(t, DirectionInactive, parsed.Streams[1].Direction)
}

func TestMarshalErrors(t *testing.T) {
	_, err := Marshal(nil)
	assert.True(t, IsSDPError(err, ErrorCodeSDPGeneration))

	_, err = Marshal(&MediaDescription{})
	assert.True(t, IsSDPError(err, ErrorCodeSDPGeneration))

	md := audioDescription("10.0.0.1", 4000)
	_, err = Marshal(md)
	assert.True(t, IsSDPError(err, ErrorCodeSDPGeneration), "активный поток без кодеков")
}

const offerWithoutConnection = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

const offerWithUnknownDynamicPT = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 4002 RTP/AVP 97\r\n"

func TestUnmarshalPolicy(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		policy     SdpHandling
		wantErr    bool
		wantCode   SDPErrorCode
		wantStream []bool
	}{
		{
			name:     "strict: нет адреса соединения",
			body:     offerWithoutConnection,
			policy:   SdpHandlingStrict,
			wantErr:  true,
			wantCode: ErrorCodeSDPStructure,
		},
		{
			name:       "tolerant: нет адреса соединения",
			body:       offerWithoutConnection,
			policy:     SdpHandlingTolerant,
			wantStream: []bool{true},
		},
		{
			name:     "strict: динамический тип без rtpmap",
			body:     offerWithUnknownDynamicPT,
			policy:   SdpHandlingStrict,
			wantErr:  true,
			wantCode: ErrorCodeSDPStructure,
		},
		{
			name:       "tolerant: некорректный поток сохраняет позицию",
			body:       offerWithUnknownDynamicPT,
			policy:     SdpHandlingTolerant,
			wantStream: []bool{false, true},
		},
		{
			name:     "мусор вместо SDP",
			body:     "hello world",
			policy:   SdpHandlingTolerant,
			wantErr:  true,
			wantCode: ErrorCodeSDPParsing,
		},
		{
			name:     "пустое тело",
			body:     "",
			policy:   SdpHandlingStrict,
			wantErr:  true,
			wantCode: ErrorCodeSDPParsing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := Unmarshal([]byte(tt.body), tt.policy)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsSDPError(err, tt.wantCode), "unexpected error %v", err)
				return
			}
			require.NoError(t, err)
			require.Len(t, md.Streams, len(tt.wantStream))
			for i, rejected := range tt.wantStream {
				assert.Equal(t, rejected, md.Streams[i].Rejected, "stream %d", i)
			}
		})
	}
}

func TestUnmarshalStaticPayloadTypes(t *testing.T) {
	body := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"a=sendonly",
		"m=audio 4000 RTP/AVP 8 9 18 13",
		"",
	}, "\r\n")

	md, err := Unmarshal([]byte(body), SdpHandlingStrict)
	require.NoError(t, err)
	require.Len(t, md.Streams, 1)

	s := md.Streams[0]
	assert.Equal(t, []string{"PCMA", "G722", "G729", "CN"}, codecNames(s))
	assert.Equal(t, DirectionSendOnly, s.Direction, "направление уровня сессии")
	assert.True(t, md.IsOnHold())
}

func TestParseSdpHandling(t *testing.T) {
	h, ok := ParseSdpHandling("Tolerant")
	assert.True(t, ok)
	assert.Equal(t, SdpHandlingTolerant, h)

	h, ok = ParseSdpHandling("")
	assert.True(t, ok)
	assert.Equal(t, SdpHandlingStrict, h)

	_, ok = ParseSdpHandling("lenient")
	assert.False(t, ok)
}

func TestLookupCodec(t *testing.T) {
	c, err := LookupCodec("pcma")
	require.NoError(t, err)
	assert.Equal(t, uint8(8), c.PayloadType)

	c, err = LookupCodec("GSM")
	require.NoError(t, err)
	assert.Equal(t, uint8(3), c.PayloadType)

	c, err = LookupCodec("speex/16000")
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), c.ClockRate)

	_, err = LookupCodec("nope")
	assert.Error(t, err)
}

package media_sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioDescription(addr string, port int, codecs ...Codec) *MediaDescription {
	return &MediaDescription{
		Address: addr,
		Streams: []StreamDescription{{
			Type:      "audio",
			Proto:     "RTP/AVP",
			Address:   addr,
			Port:      port,
			Direction: DirectionSendRecv,
			Codecs:    codecs,
		}},
	}
}

func codecNames(s StreamDescription) []string {
	names := make([]string, 0, len(s.Codecs))
	for _, c := range s.Codecs {
		names = append(names, c.Name)
	}
	return names
}

func TestNegotiateAnswererUsesOfferOrder(t *testing.T) {
	offer := audioDescription("10.0.0.1", 4000, CodecPCMU, CodecPCMA, CodecG722)
	local := audioDescription("10.0.0.2", 5000, CodecG722, CodecPCMU)

	final, err := Negotiate(local, offer, false)
	require.NoError(t, err)
	require.Len(t, final.Streams, 1)

	s := final.Streams[0]
	assert.Equal(t, []string{"PCMU", "G722"}, codecNames(s))
	assert.Equal(t, "10.0.0.2", s.Address)
	assert.Equal(t, 5000, s.Port)
	assert.False(t, s.Rejected)
}

func TestNegotiateOffererUsesLocalOrder(t *testing.T) {
	local := audioDescription("10.0.0.1", 4000, CodecPCMU, CodecPCMA)
	answer := audioDescription("10.0.0.2", 5000, CodecPCMA)

	final, err := Negotiate(local, answer, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"PCMA"}, codecNames(final.Streams[0]))

	local = audioDescription("10.0.0.1", 4000, CodecG722, CodecPCMU)
	answer = audioDescription("10.0.0.2", 5000, CodecPCMU, CodecG722)
	final, err = Negotiate(local, answer, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"G722", "PCMU"}, codecNames(final.Streams[0]))
}

func TestNegotiateMatchesByNameNotPayloadType(t *testing.T) {
	offerOpus := CodecOpus
	offerOpus.PayloadType = 96
	offerOpus.Fmtp = "useinbandfec=1"
	offer := audioDescription("10.0.0.1", 4000, offerOpus)
	local := audioDescription("10.0.0.2", 5000, CodecOpus)

	final, err := Negotiate(local, offer, false)
	require.NoError(t, err)
	require.Len(t, final.Streams[0].Codecs, 1)
	assert.Equal(t, uint8(96), final.Streams[0].Codecs[0].PayloadType, "номер берется у удаленной стороны")
	assert.Equal(t, "useinbandfec=1", final.Streams[0].Codecs[0].Fmtp)

	mono := Codec{PayloadType: 96, Name: "opus", ClockRate: 48000, Channels: 1}
	final, err = Negotiate(local, audioDescription("10.0.0.1", 4000, mono), false)
	require.NoError(t, err)
	assert.True(t, final.Streams[0].Rejected, "разное число каналов не совпадает")
}

func TestNegotiateDisjointCodecsRejectsStream(t *testing.T) {
	offer := &MediaDescription{
		Address: "10.0.0.1",
		Streams: []StreamDescription{
			{Type: "audio", Proto: "RTP/AVP", Port: 4000, Address: "10.0.0.1", Codecs: []Codec{CodecG729, CodecTelephoneEvent}},
			{Type: "video", Proto: "RTP/AVP", Port: 4002, Address: "10.0.0.1", Codecs: []Codec{{PayloadType: 34, Name: "H263", ClockRate: 90000}}},
		},
	}
	local := audioDescription("10.0.0.2", 5000, CodecPCMU, CodecTelephoneEvent)

	final, err := Negotiate(local, offer, false)
	require.NoError(t, err, "несовместимый поток не прерывает согласование")
	require.Len(t, final.Streams, 2, "по одному потоку на каждый предложенный")

	for i, s := range final.Streams {
		assert.True(t, s.Rejected, "stream %d", i)
		assert.Equal(t, 0, s.Port, "stream %d", i)
		assert.Equal(t, DirectionInactive, s.Direction, "stream %d", i)
	}
	assert.Equal(t, "video", final.Streams[1].Type)
}

func TestNegotiateBandwidth(t *testing.T) {
	tests := []struct {
		name   string
		local  int
		remote int
		want   int
	}{
		{name: "минимум из двух", local: 64, remote: 32, want: 32},
		{name: "локальный меньше", local: 24, remote: 80, want: 24},
		{name: "удаленный не указан", local: 64, remote: 0, want: 64},
		{name: "локальный не указан", local: 0, remote: 48, want: 48},
		{name: "оба не указаны", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := audioDescription("10.0.0.2", 5000, CodecPCMU)
			local.Streams[0].Bandwidth = tt.local
			offer := audioDescription("10.0.0.1", 4000, CodecPCMU)
			offer.Streams[0].Bandwidth = tt.remote

			final, err := Negotiate(local, offer, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, final.Streams[0].Bandwidth)
		})
	}
}

func TestNegotiateDirection(t *testing.T) {
	tests := []struct {
		name   string
		local  Direction
		remote Direction
		want   Direction
	}{
		{name: "sendrecv с обеих сторон", local: DirectionSendRecv, remote: DirectionSendRecv, want: DirectionSendRecv},
		{name: "удержание удаленной стороной", local: DirectionSendRecv, remote: DirectionSendOnly, want: DirectionRecvOnly},
		{name: "локальное удержание", local: DirectionSendOnly, remote: DirectionSendRecv, want: DirectionSendOnly},
		{name: "inactive", local: DirectionSendRecv, remote: DirectionInactive, want: DirectionInactive},
		{name: "recvonly против recvonly", local: DirectionRecvOnly, remote: DirectionRecvOnly, want: DirectionInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := audioDescription("10.0.0.2", 5000, CodecPCMU)
			local.Streams[0].Direction = tt.local
			offer := audioDescription("10.0.0.1", 4000, CodecPCMU)
			offer.Streams[0].Direction = tt.remote

			final, err := Negotiate(local, offer, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, final.Streams[0].Direction)
		})
	}
}

func TestNegotiateAnswerStreamCountMismatch(t *testing.T) {
	local := audioDescription("10.0.0.1", 4000, CodecPCMU)
	answer := audioDescription("10.0.0.2", 5000, CodecPCMU)
	answer.Streams = append(answer.Streams, answer.Streams[0])

	_, err := Negotiate(local, answer, true)
	require.Error(t, err)
	assert.True(t, IsSDPError(err, ErrorCodeStreamCountMismatch))
}

func TestNegotiateDoesNotMutateInputs(t *testing.T) {
	local := audioDescription("10.0.0.2", 5000, CodecG722, CodecPCMU)
	offer := audioDescription("10.0.0.1", 4000, CodecPCMU, CodecPCMA)
	localCopy := local.Clone()
	offerCopy := offer.Clone()

	_, err := Negotiate(local, offer, false)
	require.NoError(t, err)
	assert.Equal(t, localCopy, local)
	assert.Equal(t, offerCopy, offer)
}

func TestNegotiateRequiresDescriptions(t *testing.T) {
	_, err := Negotiate(nil, audioDescription("10.0.0.1", 4000, CodecPCMU), false)
	assert.True(t, IsSDPError(err, ErrorCodeNoOffer))

	_, err = Negotiate(audioDescription("10.0.0.1", 4000, CodecPCMU), nil, true)
	assert.True(t, IsSDPError(err, ErrorCodeNoOffer))
}

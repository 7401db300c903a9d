package sal

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplaces(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    *ReplacesInfo
		wantErr bool
	}{
		{
			name:  "полный",
			value: "abc@host;to-tag=t1;from-tag=f1",
			want:  &ReplacesInfo{CallID: "abc@host", ToTag: "t1", FromTag: "f1"},
		},
		{
			name:  "early-only",
			value: "abc;from-tag=f1;to-tag=t1;early-only",
			want:  &ReplacesInfo{CallID: "abc", ToTag: "t1", FromTag: "f1", EarlyOnly: true},
		},
		{name: "нет to-tag", value: "abc;from-tag=f1;x=y", wantErr: true},
		{name: "нет тегов", value: "abc", wantErr: true},
		{name: "пустой Call-ID", value: ";to-tag=t1;from-tag=f1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReplaces(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := ParseReplaces(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestParseReferTo(t *testing.T) {
	replaces := &ReplacesInfo{CallID: "c1@host", ToTag: "t1", FromTag: "f1"}

	target, info, err := parseReferTo(`"Carol" <sip:carol@example.com>`)
	require.NoError(t, err)
	assert.Equal(t, "sip:carol@example.com", target)
	assert.Nil(t, info)

	target, info, err = parseReferTo(referToWithReplaces("sip:carol@example.com", replaces))
	require.NoError(t, err)
	assert.Equal(t, "sip:carol@example.com", target)
	assert.Equal(t, replaces, info)

	target, info, err = parseReferTo("<sip:carol@example.com?Subject=hi>")
	require.NoError(t, err)
	assert.Equal(t, "sip:carol@example.com", target)
	assert.Nil(t, info)

	_, _, err = parseReferTo("<sip:carol@example.com?Replaces=broken>")
	assert.Error(t, err)
	_, _, err = parseReferTo("   ")
	assert.Error(t, err)
}

func TestHasHost(t *testing.T) {
	assert.False(t, hasHost("carol"))
	assert.False(t, hasHost("sip:carol"))
	assert.True(t, hasHost("sip:carol@example.com"))
	assert.True(t, hasHost("carol@example.com"))
	assert.True(t, hasHost("sip:example.com"))
	assert.True(t, hasHost("sip:10.0.0.3:5060"))
}

func TestParseSipfragStatusCode(t *testing.T) {
	tests := []struct {
		body string
		want int
	}{
		{"SIP/2.0 200 OK\r\n", 200},
		{"SIP/2.0 180 Ringing", 180},
		{"SIP/2.0 603 Declined\r\nContent-Length: 0\r\n", 603},
		{"", 0},
		{"HTTP/1.1 200 OK", 0},
		{"SIP/2.0 abc", 0},
		{"SIP/2.0", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseSipfragStatusCode([]byte(tt.body)), tt.body)
	}
	assert.Equal(t, 487, parseSipfragStatusCode(buildSipfrag(487, "Request Terminated")))
}

func TestParseDtmfBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        byte
		wantErr     bool
	}{
		{"dtmf-relay", contentTypeDtmfRelay, "Signal=5\r\nDuration=160\r\n", '5', false},
		{"dtmf-relay с пробелами", contentTypeDtmfRelay, "Signal= #\r\n", '#', false},
		{"строчная буква", contentTypeDtmfRelay, "signal=a\r\n", 'A', false},
		{"application/dtmf", contentTypeDtmf, "*", '*', false},
		{"нет Signal", contentTypeDtmfRelay, "Duration=160\r\n", 0, true},
		{"недопустимый символ", contentTypeDtmfRelay, "Signal=X\r\n", 0, true},
		{"два символа", contentTypeDtmf, "12", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDtmfBody(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	d, err := parseDtmfBody(contentTypeDtmfRelay, buildDtmfRelay('9'))
	require.NoError(t, err)
	assert.Equal(t, byte('9'), d)
}

func TestExtractURI(t *testing.T) {
	tests := []struct {
		value string
		host  string
		ok    bool
	}{
		{`"Bob" <sip:bob@10.0.0.2:5060;transport=udp>;tag=x`, "10.0.0.2", true},
		{"sip:bob@example.com;tag=1", "example.com", true},
		{"<sip:proxy.example.com;lr>", "proxy.example.com", true},
		{"<>", "", false},
	}
	for _, tt := range tests {
		uri, ok := extractURI(tt.value)
		assert.Equal(t, tt.ok, ok, tt.value)
		assert.Equal(t, tt.host, uri.Host, tt.value)
	}

	assert.Equal(t,
		[]string{`"Doe, John" <sip:a@b>`, "<sip:c@d;lr>"},
		splitHeaderValues(`"Doe, John" <sip:a@b>, <sip:c@d;lr>`),
	)
}

// TestDialogRouteSet UAC разворачивает Record-Route, UAS сохраняет порядок
func TestDialogRouteSet(t *testing.T) {
	req := remoteRequest(sip.INVITE, "routes", "bob-tag", "", 1)
	req.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.example.com;lr>, <sip:p2.example.com;lr>"))

	uas, err := newUASDialog(req, "alice-tag")
	require.NoError(t, err)
	require.Len(t, uas.RouteSet(), 2)
	assert.Equal(t, "p1.example.com", uas.RouteSet()[0].Host)
	assert.Equal(t, DialogStateEarly, uas.State())
	assert.Equal(t, uint32(1), uas.remoteSeq)

	// ответ получает Record-Route запроса
	res := responseFor(req, 200, "OK", "alice-tag", nil)
	require.Len(t, res.GetHeaders("Record-Route"), 1)
	uac, err := newUACDialog(req, res)
	require.NoError(t, err)
	require.Len(t, uac.RouteSet(), 2)
	assert.Equal(t, "p2.example.com", uac.RouteSet()[0].Host)
	assert.Equal(t, DialogStateConfirmed, uac.State())
	assert.True(t, uac.IsUAC())

	inDialog := uac.newRequest(sip.BYE, uac.nextCSeq())
	assert.Len(t, inDialog.GetHeaders("Route"), 2)
	assert.Equal(t, uint32(2), inDialog.CSeq().SeqNo)

	_, err = newUACDialog(req, responseFor(req, 180, "Ringing", "", nil))
	assert.Error(t, err, "ответ без To тега не создает диалог")
}

// TestDialogRemoteCSeq входящие запросы с устаревшим CSeq отклоняются
func TestDialogRemoteCSeq(t *testing.T) {
	d, err := newUASDialog(remoteRequest(sip.INVITE, "cseq", "bob-tag", "", 5), "alice-tag")
	require.NoError(t, err)

	assert.False(t, d.acceptRemoteCSeq(5))
	assert.False(t, d.acceptRemoteCSeq(4))
	assert.True(t, d.acceptRemoteCSeq(6))

	d.confirm()
	assert.Equal(t, DialogStateConfirmed, d.State())
	d.terminate()
	assert.Equal(t, DialogStateTerminated, d.State())
}

package sal

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

const dtmfDurationMs = 250

func validDtmf(digit byte) bool {
	switch {
	case digit >= '0' && digit <= '9':
		return true
	case digit >= 'A' && digit <= 'D':
		return true
	case digit == '*' || digit == '#':
		return true
	}
	return false
}

// buildDtmfRelay тело INFO application/dtmf-relay
func buildDtmfRelay(digit byte) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, dtmfDurationMs))
}

// parseDtmfBody извлекает символ из application/dtmf-relay или application/dtmf
func parseDtmfBody(contentType string, body []byte) (byte, error) {
	if hasContentType(contentType, contentTypeDtmf) {
		v := strings.TrimSpace(string(body))
		if len(v) != 1 {
			return 0, fmt.Errorf("invalid dtmf body %q", v)
		}
		return normalizeDtmf(v[0])
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Signal") {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) != 1 {
			return 0, fmt.Errorf("invalid dtmf signal %q", v)
		}
		return normalizeDtmf(v[0])
	}
	return 0, fmt.Errorf("dtmf-relay body has no Signal")
}

func normalizeDtmf(c byte) (byte, error) {
	if c >= 'a' && c <= 'd' {
		c -= 'a' - 'A'
	}
	if !validDtmf(c) {
		return 0, fmt.Errorf("invalid dtmf digit %q", c)
	}
	return c, nil
}

package sal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// parseSipfragStatusCode извлекает код ответа из тела NOTIFY (message/sipfrag).
// Формат первой строки: "SIP/2.0 200 OK". Возвращает 0, если определить не удалось.
func parseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "SIP/") {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

func buildSipfrag(code int, phrase string) []byte {
	return []byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", code, phrase))
}

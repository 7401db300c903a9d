package sal

import (
	"strings"

	"github.com/google/uuid"
)

// newCallID генерирует Call-ID
func newCallID() string {
	return uuid.New().String()
}

// newTag генерирует тег From/To (RFC 3261 §19.3 требует не менее 32 бит случайности)
func newTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

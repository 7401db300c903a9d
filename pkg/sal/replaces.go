package sal

import (
	"fmt"
	"net/url"
	"strings"
)

// ReplacesInfo содержимое заголовка Replaces (RFC 3891).
// Определяет диалог, который должен быть заменен новым вызовом.
type ReplacesInfo struct {
	// CallID идентификатор заменяемого диалога
	CallID string
	// FromTag тег From заменяемого диалога с точки зрения отправителя INVITE
	FromTag string
	// ToTag тег To заменяемого диалога
	ToTag string
	// EarlyOnly замена разрешена только для раннего диалога
	EarlyOnly bool
}

// String формирует значение заголовка: "<Call-ID>;to-tag=<tag>;from-tag=<tag>[;early-only]"
func (r *ReplacesInfo) String() string {
	v := fmt.Sprintf("%s;to-tag=%s;from-tag=%s", r.CallID, r.ToTag, r.FromTag)
	if r.EarlyOnly {
		v += ";early-only"
	}
	return v
}

// ParseReplaces разбирает значение заголовка Replaces
func ParseReplaces(value string) (*ReplacesInfo, error) {
	parts := strings.Split(strings.TrimSpace(value), ";")
	if len(parts) < 3 || parts[0] == "" {
		return nil, fmt.Errorf("invalid Replaces header format: %q", value)
	}

	info := &ReplacesInfo{CallID: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "early-only":
			info.EarlyOnly = true
		case "from-tag":
			info.FromTag = v
		case "to-tag":
			info.ToTag = v
		}
	}
	if info.FromTag == "" || info.ToTag == "" {
		return nil, fmt.Errorf("missing required tags in Replaces header")
	}
	return info, nil
}

// referToWithReplaces строит Refer-To для attended transfer.
// Replaces передается как escaped заголовок URI (RFC 3515 §2.1).
func referToWithReplaces(target string, r *ReplacesInfo) string {
	return "<" + target + "?Replaces=" + url.QueryEscape(r.String()) + ">"
}

// parseReferTo извлекает URI цели из Refer-To и, если есть, встроенный Replaces
func parseReferTo(value string) (string, *ReplacesInfo, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil, fmt.Errorf("empty Refer-To")
	}
	if start := strings.IndexByte(value, '<'); start >= 0 {
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated Refer-To: %q", value)
		}
		value = value[start+1 : start+end]
	}

	target, headers, found := strings.Cut(value, "?")
	if target == "" {
		return "", nil, fmt.Errorf("empty Refer-To target")
	}
	if !found {
		return target, nil, nil
	}
	for _, h := range strings.Split(headers, "&") {
		name, raw, _ := strings.Cut(h, "=")
		if !strings.EqualFold(name, "Replaces") {
			continue
		}
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return "", nil, fmt.Errorf("invalid Replaces escaping: %w", err)
		}
		info, err := ParseReplaces(decoded)
		if err != nil {
			return "", nil, err
		}
		return target, info, nil
	}
	return target, nil, nil
}

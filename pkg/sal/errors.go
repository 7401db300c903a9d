package sal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Reason причина завершения или отказа, не зависящая от протокола
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDeclined
	ReasonBusy
	ReasonRedirect
	ReasonTemporarilyUnavailable
	ReasonRequestPending
	ReasonNotFound
	ReasonDoNotDisturb
	ReasonUnsupportedContent
	ReasonNotAcceptable
	ReasonForbidden
	ReasonUnauthorized
	ReasonNotImplemented
	ReasonBadRequest
	ReasonServiceUnavailable
	ReasonRequestTimeout
	ReasonIOError
	ReasonGone
	ReasonAddressIncomplete
	ReasonBadEvent
	ReasonBadGateway
	ReasonServerTimeout
	ReasonMovedPermanently
	ReasonNoMatch
	ReasonUnknown
)

var reasonNames = map[Reason]string{
	ReasonNone:                   "None",
	ReasonDeclined:               "Declined",
	ReasonBusy:                   "Busy",
	ReasonRedirect:               "Redirect",
	ReasonTemporarilyUnavailable: "TemporarilyUnavailable",
	ReasonRequestPending:         "RequestPending",
	ReasonNotFound:               "NotFound",
	ReasonDoNotDisturb:           "DoNotDisturb",
	ReasonUnsupportedContent:     "UnsupportedContent",
	ReasonNotAcceptable:          "NotAcceptable",
	ReasonForbidden:              "Forbidden",
	ReasonUnauthorized:           "Unauthorized",
	ReasonNotImplemented:         "NotImplemented",
	ReasonBadRequest:             "BadRequest",
	ReasonServiceUnavailable:     "ServiceUnavailable",
	ReasonRequestTimeout:         "RequestTimeout",
	ReasonIOError:                "IOError",
	ReasonGone:                   "Gone",
	ReasonAddressIncomplete:      "AddressIncomplete",
	ReasonBadEvent:               "BadEvent",
	ReasonBadGateway:             "BadGateway",
	ReasonServerTimeout:          "ServerTimeout",
	ReasonMovedPermanently:       "MovedPermanently",
	ReasonNoMatch:                "NoMatch",
	ReasonUnknown:                "Unknown",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "Unknown"
}

type statusEntry struct {
	code   int
	phrase string
}

// reasonStatus таблица Reason -> SIP статус, используемая для отправки ответов
var reasonStatus = map[Reason]statusEntry{
	ReasonDeclined:               {603, "Decline"},
	ReasonBusy:                   {486, "Busy Here"},
	ReasonRedirect:               {302, "Moved Temporarily"},
	ReasonTemporarilyUnavailable: {480, "Temporarily Unavailable"},
	ReasonRequestPending:         {491, "Request Pending"},
	ReasonNotFound:               {404, "Not Found"},
	ReasonDoNotDisturb:           {600, "Busy Everywhere"},
	ReasonUnsupportedContent:     {415, "Unsupported Media Type"},
	ReasonNotAcceptable:          {488, "Not Acceptable Here"},
	ReasonForbidden:              {403, "Forbidden"},
	ReasonUnauthorized:           {401, "Unauthorized"},
	ReasonNotImplemented:         {501, "Not Implemented"},
	ReasonBadRequest:             {400, "Bad Request"},
	ReasonServiceUnavailable:     {503, "Service Unavailable"},
	ReasonRequestTimeout:         {408, "Request Timeout"},
	ReasonIOError:                {503, "IO Error"},
	ReasonGone:                   {410, "Gone"},
	ReasonAddressIncomplete:      {484, "Address Incomplete"},
	ReasonBadEvent:               {489, "Bad Event"},
	ReasonBadGateway:             {502, "Bad Gateway"},
	ReasonServerTimeout:          {504, "Server Time-out"},
	ReasonMovedPermanently:       {301, "Moved Permanently"},
	ReasonNoMatch:                {488, "Not Acceptable Here"},
	ReasonUnknown:                {500, "Internal Server Error"},
}

// statusReason обратная таблица SIP статус -> Reason для входящих ответов
var statusReason = map[int]Reason{
	301: ReasonMovedPermanently,
	302: ReasonRedirect,
	400: ReasonBadRequest,
	401: ReasonUnauthorized,
	403: ReasonForbidden,
	404: ReasonNotFound,
	407: ReasonUnauthorized,
	408: ReasonRequestTimeout,
	410: ReasonGone,
	415: ReasonUnsupportedContent,
	480: ReasonTemporarilyUnavailable,
	484: ReasonAddressIncomplete,
	486: ReasonBusy,
	487: ReasonNone,
	488: ReasonNotAcceptable,
	489: ReasonBadEvent,
	491: ReasonRequestPending,
	501: ReasonNotImplemented,
	502: ReasonBadGateway,
	503: ReasonServiceUnavailable,
	504: ReasonServerTimeout,
	600: ReasonDoNotDisturb,
	603: ReasonDeclined,
	604: ReasonNotFound,
	606: ReasonNotAcceptable,
}

// Status возвращает SIP код и фразу для причины
func (r Reason) Status() (int, string) {
	if e, ok := reasonStatus[r]; ok {
		return e.code, e.phrase
	}
	return 500, "Internal Server Error"
}

// ReasonFromStatus отображает финальный SIP статус в Reason.
// Неизвестные коды классифицируются по классу ответа.
func ReasonFromStatus(code int) Reason {
	if r, ok := statusReason[code]; ok {
		return r
	}
	switch {
	case code >= 200 && code < 300:
		return ReasonNone
	case code >= 300 && code < 400:
		return ReasonRedirect
	case code >= 600:
		return ReasonDeclined
	default:
		return ReasonUnknown
	}
}

// Category классификация ошибок для владельца операции
type Category string

const (
	CategoryNone        Category = ""
	CategoryProtocol    Category = "PROTOCOL"
	CategoryTimeout     Category = "TIMEOUT"
	CategoryIO          Category = "IO"
	CategoryNegotiation Category = "NEGOTIATION"
	CategoryMisuse      Category = "MISUSE"
)

func (c Category) String() string {
	return string(c)
}

// ErrorInfo описание причины отказа в стиле SIP (RFC 3326).
// Передается владельцу при ошибке и завершении операции.
type ErrorInfo struct {
	Reason   Reason
	Protocol string
	Status   int
	Phrase   string
	Warning  string
	Category Category

	// Sub вложенная причина, например из заголовка Reason ответа
	Sub *ErrorInfo
}

// Error реализует интерфейс error
func (e *ErrorInfo) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Reason)
	if e.Protocol != "" {
		msg += " " + e.Protocol
	}
	msg += fmt.Sprintf(" %d %s", e.Status, e.Phrase)
	if e.Warning != "" {
		msg += " (" + e.Warning + ")"
	}
	if e.Sub != nil {
		msg += ": " + e.Sub.Error()
	}
	return msg
}

// IsSet сообщает, заполнена ли информация об ошибке
func (e *ErrorInfo) IsSet() bool {
	return e != nil && (e.Reason != ReasonNone || e.Status != 0)
}

// Clone возвращает копию вместе с цепочкой вложенных причин
func (e *ErrorInfo) Clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	c := *e
	c.Sub = e.Sub.Clone()
	return &c
}

// NewErrorInfo создает ErrorInfo по причине, код берется из таблицы
func NewErrorInfo(reason Reason, phrase string) *ErrorInfo {
	code, defPhrase := reason.Status()
	if phrase == "" {
		phrase = defPhrase
	}
	return &ErrorInfo{
		Reason:   reason,
		Protocol: "SIP",
		Status:   code,
		Phrase:   phrase,
		Category: categoryFor(reason),
	}
}

// NewErrorInfoFromStatus создает ErrorInfo по SIP коду
func NewErrorInfoFromStatus(code int, phrase string) *ErrorInfo {
	reason := ReasonFromStatus(code)
	cat := CategoryProtocol
	if code == 408 {
		cat = CategoryTimeout
	}
	return &ErrorInfo{
		Reason:   reason,
		Protocol: "SIP",
		Status:   code,
		Phrase:   phrase,
		Category: cat,
	}
}

// ErrorInfoFromResponse строит ErrorInfo из финального ответа, учитывая
// заголовки Warning и Reason
func ErrorInfoFromResponse(res *sip.Response) *ErrorInfo {
	info := NewErrorInfoFromStatus(int(res.StatusCode), res.Reason)
	if h := res.GetHeader("Warning"); h != nil {
		info.Warning = h.Value()
	}
	if h := res.GetHeader("Reason"); h != nil {
		if sub, err := ParseReasonHeader(h.Value()); err == nil {
			info.Sub = sub
		}
	}
	return info
}

func timeoutErrorInfo() *ErrorInfo {
	info := NewErrorInfo(ReasonRequestTimeout, "")
	info.Category = CategoryTimeout
	return info
}

func ioErrorInfo(err error) *ErrorInfo {
	info := NewErrorInfo(ReasonIOError, "")
	info.Category = CategoryIO
	if err != nil {
		info.Warning = err.Error()
	}
	return info
}

func negotiationErrorInfo(err error) *ErrorInfo {
	info := NewErrorInfo(ReasonNotAcceptable, "")
	info.Category = CategoryNegotiation
	if err != nil {
		info.Warning = err.Error()
	}
	return info
}

func categoryFor(r Reason) Category {
	switch r {
	case ReasonNone:
		return CategoryNone
	case ReasonRequestTimeout:
		return CategoryTimeout
	case ReasonIOError:
		return CategoryIO
	case ReasonNotAcceptable, ReasonUnsupportedContent, ReasonNoMatch:
		return CategoryNegotiation
	default:
		return CategoryProtocol
	}
}

// ReasonHeader значение заголовка Reason (RFC 3326)
func (e *ErrorInfo) ReasonHeader() string {
	protocol := e.Protocol
	if protocol == "" {
		protocol = "SIP"
	}
	v := protocol + ";cause=" + strconv.Itoa(e.Status)
	if e.Phrase != "" {
		v += `;text="` + strings.ReplaceAll(e.Phrase, `"`, `'`) + `"`
	}
	return v
}

// ParseReasonHeader разбирает значение заголовка Reason: SIP;cause=200;text="Call completed elsewhere"
func ParseReasonHeader(value string) (*ErrorInfo, error) {
	parts := strings.Split(value, ";")
	protocol := strings.TrimSpace(parts[0])
	if protocol == "" {
		return nil, fmt.Errorf("empty Reason protocol in %q", value)
	}
	info := &ErrorInfo{Protocol: protocol, Category: CategoryProtocol}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "cause":
			code, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid Reason cause %q: %w", v, err)
			}
			info.Status = code
		case "text":
			info.Phrase = strings.Trim(v, `"`)
		}
	}
	if strings.EqualFold(protocol, "SIP") {
		info.Reason = ReasonFromStatus(info.Status)
	}
	return info, nil
}

// Ошибки неправильного использования API. Оборачиваются через %w.
var (
	ErrInvalidState         = errors.New("operation not allowed in current state")
	ErrNoPendingTransaction = errors.New("no pending server transaction")
	ErrIncompleteAddressing = errors.New("incomplete addressing: from/to not set")
	ErrOpReleased           = errors.New("operation already released")
	ErrNoDialog             = errors.New("no established dialog")
	ErrNoMediaDescription   = errors.New("local media description not set")
)

func invalidState(op string, state string) error {
	return fmt.Errorf("%s in state %s: %w", op, state, ErrInvalidState)
}

package media_sdp

import (
	"errors"
	"fmt"
)

// SDPErrorCode определяет коды ошибок для SDP операций
type SDPErrorCode int

const (
	ErrorCodeSDPGeneration SDPErrorCode = iota + 2000
	ErrorCodeSDPParsing
	ErrorCodeSDPStructure
	ErrorCodeStreamCountMismatch
	ErrorCodeIncompatibleCodec
	ErrorCodeInvalidDirection
	ErrorCodeNoOffer
)

// String возвращает короткое имя кода
func (c SDPErrorCode) String() string {
	switch c {
	case ErrorCodeSDPGeneration:
		return "generation"
	case ErrorCodeSDPParsing:
		return "parsing"
	case ErrorCodeSDPStructure:
		return "structure"
	case ErrorCodeStreamCountMismatch:
		return "stream_count_mismatch"
	case ErrorCodeIncompatibleCodec:
		return "incompatible_codec"
	case ErrorCodeInvalidDirection:
		return "invalid_direction"
	case ErrorCodeNoOffer:
		return "no_offer"
	default:
		return "unknown"
	}
}

// SDPError представляет ошибку в SDP операциях
type SDPError struct {
	Code    SDPErrorCode
	Message string
	// Stream индекс потока, к которому относится ошибка (-1 если ко всему описанию)
	Stream  int
	Wrapped error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stream:  -1,
	}
}

// NewStreamError создает SDP ошибку, привязанную к потоку
func NewStreamError(code SDPErrorCode, stream int, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stream:  stream,
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stream:  -1,
		Wrapped: err,
	}
}

// Error реализует интерфейс error
func (e *SDPError) Error() string {
	msg := fmt.Sprintf("SDP Error [%d]: %s", e.Code, e.Message)
	if e.Stream >= 0 {
		msg += fmt.Sprintf(" (stream %d)", e.Stream)
	}
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}

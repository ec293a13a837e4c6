package stream

import (
	"errors"
	"fmt"
)

// Code код результата операций потока
type Code int

const (
	CodeOK Code = iota
	CodeSinkDisabled
	CodeTimeout
	CodeInvalidParameter
	CodeBusy
	CodeInternal
)

// String возвращает строковое представление кода
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeSinkDisabled:
		return "SinkDisabled"
	case CodeTimeout:
		return "Timeout"
	case CodeInvalidParameter:
		return "InvalidParameter"
	case CodeBusy:
		return "Busy"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error ошибка потока с типизированным кодом
type Error struct {
	Code    Code
	Op      string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.Op != "" {
		return fmt.Sprintf("[a2dp:%s] %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("[a2dp:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Ошибки для сравнения через errors.Is
var (
	ErrSinkDisabled     = &Error{Code: CodeSinkDisabled, Message: "приемник отключен или поток приостановлен"}
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "таймаут"}
	ErrInvalidParameter = &Error{Code: CodeInvalidParameter, Message: "некорректный параметр"}
	ErrBusy             = &Error{Code: CodeBusy, Message: "поток уже открыт"}
)

func newError(code Code, op, message string, wrapped error) *Error {
	return &Error{Code: code, Op: op, Message: message, Wrapped: wrapped}
}

// CodeOf извлекает код из ошибки. nil соответствует CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

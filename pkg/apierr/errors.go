// Package apierr defines the error taxonomy shared by every vaultstore
// subsystem: a single concrete error type carrying a machine-readable kind,
// an offending-operation context, a timestamp, and a captured call stack.
package apierr

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind is the machine-readable error taxonomy.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindRecordNotFound    Kind = "RECORD_NOT_FOUND"
	KindIndexError        Kind = "INDEX_ERROR"
	KindConfigurationErr  Kind = "CONFIGURATION_ERROR"
	KindQueryError        Kind = "QUERY_ERROR"
	KindTransactionError  Kind = "TRANSACTION_ERROR"
	KindTypeConstraintErr Kind = "TYPE_CONSTRAINT_ERROR"
	KindConcurrencyError  Kind = "CONCURRENCY_ERROR"
)

// Error is the concrete error type returned by every public vaultstore
// operation. Every error carries a kind, a message, a context describing
// the offending field/key/operation, and a timestamp.
type Error struct {
	Kind      Kind
	Message   string
	Context   map[string]interface{}
	Timestamp time.Time
	Stack     []string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%v", k, v)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// StackTrace returns the captured call stack, most recent frame first.
func (e *Error) StackTrace() []string { return e.Stack }

// New creates an Error of the given kind with an optional offending-context
// map. ctx may be nil.
func New(kind Kind, message string, ctx map[string]interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Context:   ctx,
		Timestamp: time.Now(),
		Stack:     captureStack(),
	}
}

// Wrap annotates err with a new kind and message, preserving the original
// stack trace if err is itself an *Error.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	if inner, ok := err.(*Error); ok {
		return &Error{
			Kind:      kind,
			Message:   message,
			Timestamp: time.Now(),
			Stack:     inner.Stack,
			Cause:     inner,
		}
	}
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Stack:     captureStack(),
		Cause:     err,
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

func captureStack() []string {
	pc := make([]uintptr, 32)
	n := runtime.Callers(3, pc)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pc[:n])
	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		fn := frame.Function
		if idx := strings.LastIndex(fn, "/"); idx != -1 {
			fn = fn[idx+1:]
		}
		file := frame.File
		if idx := strings.LastIndex(file, "/"); idx != -1 {
			file = file[idx+1:]
		}
		stack = append(stack, fmt.Sprintf("%s (%s:%d)", fn, file, frame.Line))
		if !more {
			break
		}
	}
	return stack
}

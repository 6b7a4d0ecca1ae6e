// Package skerr augments errors with call stacks so that failures deep in a
// daemon's poll loop can be traced without a debugger attached.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// stackDepth is the maximum number of frames recorded per error.
const stackDepth = 32

// StackFrame identifies one call site in an error's context.
type StackFrame struct {
	File string
	Line int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ErrorWithContext is an error bundled with the call stack of the point where
// it was created or wrapped, and optionally a message and a wrapped error.
type ErrorWithContext struct {
	Wrapped   error
	CallStack []StackFrame
	Message   string
}

func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
	}
	if e.Wrapped != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Wrapped.Error())
	}
	if len(e.CallStack) > 0 {
		sb.WriteString(" At")
		for _, frame := range e.CallStack {
			sb.WriteString(" ")
			sb.WriteString(frame.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

// callStack returns the call stack of the caller, skipping the given number
// of frames (0 means the caller of callStack itself).
func callStack(skip int) []StackFrame {
	pc := make([]uintptr, stackDepth)
	n := runtime.Callers(skip+2, pc)
	frames := runtime.CallersFrames(pc[:n])
	rv := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		file := frame.File
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		rv = append(rv, StackFrame{File: file, Line: frame.Line})
		if !more {
			break
		}
	}
	return rv
}

// Fmt is like fmt.Errorf but records the caller's stack.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		CallStack: callStack(1),
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap adds the caller's stack to err. Returns nil when err is nil. If err
// already carries a stack, it is returned unchanged; the first wrap point is
// the interesting one.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(1),
	}
}

// Wrapf adds a message and the caller's stack to err. Unlike Wrap, Wrapf
// always adds a level, since the message carries context of its own. Returns
// nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(1),
		Message:   fmt.Sprintf(format, args...),
	}
}

// Unwrap returns the innermost error, with all context stripped. Intended
// for comparing against sentinel errors; prefer errors.Is where possible.
func Unwrap(err error) error {
	for {
		ctx, ok := err.(*ErrorWithContext)
		if !ok || ctx.Wrapped == nil {
			return err
		}
		err = ctx.Wrapped
	}
}

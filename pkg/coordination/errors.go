package coordination

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorPayload lets recipients distinguish service-generated errors from
// errors reported by a task.
type ErrorPayload struct {
	SourceTask      Task
	IsReportedError bool
}

// Error is the error type surfaced at the coordination service boundary.
// Every error carries a grpc code and the coordination payload.
type Error struct {
	Code    codes.Code
	Message string
	Payload ErrorPayload
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// serviceTask is the payload source for errors originated by the service
// itself rather than by a cluster task.
var serviceTask = Task{JobName: "coordination_service"}

// Errorf builds a service-originated coordination error.
func Errorf(code codes.Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Payload: ErrorPayload{SourceTask: serviceTask},
	}
}

// TaskErrorf builds a coordination error attributed to source.
func TaskErrorf(source Task, code codes.Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Payload: ErrorPayload{SourceTask: source},
	}
}

// WrapTaskError attributes err to source, preserving its code and message
// if it is already a coordination or grpc status error.
func WrapTaskError(source Task, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		out := *ce
		out.Payload.SourceTask = source
		return &out
	}
	return &Error{
		Code:    status.Code(err),
		Message: Message(err),
		Payload: ErrorPayload{SourceTask: source},
	}
}

// Code extracts the grpc code from an error; nil maps to codes.OK.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return status.Code(err)
}

// Message returns the human-oriented message of a coordination error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}

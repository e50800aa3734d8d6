package contracts

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrUnknownTool is returned when a model requests a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateName is returned when a tool name is registered twice.
	ErrDuplicateName = errors.New("duplicate tool name")

	// ErrSchemaViolation is returned when tool arguments or structured output
	// do not conform to their schema.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrTurnLoopExceeded is returned when a turn reaches its iteration cap.
	ErrTurnLoopExceeded = errors.New("turn loop exceeded")

	// ErrTimeout is returned when a model or tool call exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrGateway is the base error for model provider failures.
	ErrGateway = errors.New("gateway error")

	// ErrMiddleware is the base error for middleware stage failures.
	ErrMiddleware = errors.New("middleware error")

	// ErrTool is returned when a tool handler fails unexpectedly (a Go error
	// or panic rather than a ToolResultError).
	ErrTool = errors.New("tool handler failed")
)

// ErrorKind names one member of the error taxonomy.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindDuplicateName    ErrorKind = "duplicate_name"
	KindSchemaViolation  ErrorKind = "schema_violation"
	KindTurnLoopExceeded ErrorKind = "turn_loop_exceeded"
	KindTimeout          ErrorKind = "timeout"
	KindGateway          ErrorKind = "gateway_error"
	KindMiddleware       ErrorKind = "middleware_error"
	KindTool             ErrorKind = "tool_error"
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindUnknownTool, ErrUnknownTool},
	{KindDuplicateName, ErrDuplicateName},
	{KindSchemaViolation, ErrSchemaViolation},
	{KindTurnLoopExceeded, ErrTurnLoopExceeded},
	{KindTimeout, ErrTimeout},
	{KindGateway, ErrGateway},
	{KindMiddleware, ErrMiddleware},
	{KindTool, ErrTool},
}

// Sentinel returns the sentinel error for the kind, or nil.
func (k ErrorKind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return nil
}

// KindOf classifies err. A context deadline counts as a timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNone
}

// TurnError describes why a turn failed.
// Use errors.As to extract it from a wrapped error chain.
type TurnError struct {
	Kind      ErrorKind
	Iteration int
	Detail    string
	Err       error
}

func (e *TurnError) Error() string {
	msg := fmt.Sprintf("turn failed (%s) at iteration %d", e.Kind, e.Iteration)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *TurnError) Unwrap() []error {
	return compact(e.Kind.Sentinel(), e.Err)
}

// NewTurnError classifies cause and wraps it.
func NewTurnError(iteration int, detail string, cause error) *TurnError {
	var te *TurnError
	if errors.As(cause, &te) {
		return te
	}
	kind := KindOf(cause)
	if kind == KindNone {
		kind = KindGateway
	}
	return &TurnError{Kind: kind, Iteration: iteration, Detail: detail, Err: cause}
}

// GatewayError provides context for model provider failures.
type GatewayError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway error %s:%s (%d): %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error %s:%s: %s", e.Provider, e.Model, e.Message)
}

func (e *GatewayError) Unwrap() []error { return compact(ErrGateway, e.Err) }

// Retryable reports whether the failure is transient (rate limit or 5xx).
func (e *GatewayError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// MiddlewareError provides context for a failing middleware stage.
type MiddlewareError struct {
	Stage string
	Err   error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("middleware %q: %v", e.Stage, e.Err)
}

func (e *MiddlewareError) Unwrap() []error { return compact(ErrMiddleware, e.Err) }

func compact(errs ...error) []error {
	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

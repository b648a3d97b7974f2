// Package tool defines the uniform tool contract and the registry that
// validates and executes tool invocations.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tool is a named capability agents invoke. Execute receives arguments that
// already passed Schema validation.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Schema returns the JSON Schema of the accepted arguments.
	Schema() map[string]any

	// Capability names the capability set the tool belongs to.
	Capability() string

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Error kinds carried by failed results.
const (
	KindInvalidArguments = "invalid_arguments"
	KindTimeout          = "timeout"
	KindExecution        = "execution_error"
	KindNotFound         = "not_found"
	KindForbidden        = "forbidden"
	KindCancelled        = "cancelled"
)

var (
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrToolTimeout      = errors.New("tool timeout")
	ErrToolExecution    = errors.New("tool execution error")
	ErrNotFound         = errors.New("tool not found")
	ErrDuplicate        = errors.New("tool already registered")
)

// Result is the tagged outcome of an invocation. Either OK with Data, or not
// OK with ErrorKind and Message.
type Result struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Success wraps data in an OK result.
func Success(data any) Result { return Result{OK: true, Data: data} }

// Failure builds a failed result.
func Failure(kind, msg string) Result { return Result{ErrorKind: kind, Message: msg} }

// Err maps a failed result onto the package sentinels. It returns nil for OK
// results.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	var base error
	switch r.ErrorKind {
	case KindInvalidArguments:
		base = ErrInvalidArguments
	case KindTimeout:
		base = ErrToolTimeout
	case KindNotFound:
		base = ErrNotFound
	default:
		base = ErrToolExecution
	}
	return fmt.Errorf("%s: %w", r.Message, base)
}

// Error lets an executor choose the error kind of its failure.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string { return e.Kind + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind.
func Errorf(kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Descriptor is the listing view of a registered tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Capability  string         `json:"capability"`
	Schema      map[string]any `json:"parameters"`
	Timeout     time.Duration  `json:"timeout"`
}

// Func adapts a plain function to Tool.
type Func struct {
	ToolName string
	Desc     string
	Params   map[string]any
	Capset   string
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.Desc }
func (f *Func) Schema() map[string]any { return f.Params }
func (f *Func) Capability() string     { return f.Capset }

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}

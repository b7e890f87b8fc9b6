// Package builderr defines the error taxonomy shared by every stage of the asset
// pipeline. All errors carry the import trail from the entry point down to the
// failure so a user can see why a file was being built at all.
package builderr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindConfig is an invalid or incomplete configuration, detected before any work starts.
	KindConfig Kind = iota + 1
	// KindNotFound is a specifier the resolver could not map to a file.
	KindNotFound
	// KindTransform is a failure reported by a transform stage, usually a compile error.
	KindTransform
	// KindBuild covers timeouts, cancellation, strict-mode cycles and output I/O failures.
	KindBuild
)

var (
	// ErrConfig matches any KindConfig error with errors.Is
	ErrConfig = errors.New("config error")
	// ErrNotFound matches any KindNotFound error with errors.Is
	ErrNotFound = errors.New("module not found")
	// ErrTransform matches any KindTransform error with errors.Is
	ErrTransform = errors.New("transform failed")
	// ErrBuild matches any KindBuild error with errors.Is
	ErrBuild = errors.New("build failed")
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindNotFound:
		return "NotFound"
	case KindTransform:
		return "TransformError"
	case KindBuild:
		return "BuildError"
	default:
		return "UnknownError"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindNotFound:
		return ErrNotFound
	case KindTransform:
		return ErrTransform
	case KindBuild:
		return ErrBuild
	default:
		return nil
	}
}

// Error is the concrete error type returned by the pipeline.
type Error struct {
	Kind Kind
	// Path is the file being processed when the failure happened.
	Path string
	// Specifier is the unresolved import, set for NotFound.
	Specifier string
	// Line and Column are 1-based positions inside Path, zero when unknown.
	Line   int
	Column int
	// Trail lists the files from the entry down to Path.
	Trail []string
	Msg   string
	// Transient marks failures a caller may reasonably retry (output I/O).
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")

	if e.Path != "" {
		b.WriteString(e.Path)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}

	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.sentinel().Error())
	}

	if e.Msg != "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	if len(e.Trail) > 0 {
		b.WriteString(" (import trail: ")
		b.WriteString(strings.Join(e.Trail, " -> "))
		b.WriteString(")")
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Config returns a KindConfig error.
func Config(msg string, err error) *Error {
	return &Error{Kind: KindConfig, Msg: msg, Err: err}
}

// NotFound returns a KindNotFound error for specifier imported from path.
func NotFound(path, specifier string, tried []string) *Error {
	msg := fmt.Sprintf("cannot resolve %q", specifier)
	if len(tried) > 0 {
		msg += fmt.Sprintf(", tried %s", strings.Join(tried, ", "))
	}
	return &Error{Kind: KindNotFound, Path: path, Specifier: specifier, Msg: msg}
}

// Transform returns a KindTransform error positioned inside path.
func Transform(path string, line, column int, msg string) *Error {
	return &Error{Kind: KindTransform, Path: path, Line: line, Column: column, Msg: msg}
}

// Build returns a KindBuild error.
func Build(path, msg string, err error) *Error {
	return &Error{Kind: KindBuild, Path: path, Msg: msg, Err: err}
}

// Write returns a transient KindBuild error for an output write failure.
func Write(path string, err error) *Error {
	return &Error{Kind: KindBuild, Path: path, Msg: "failed to write output", Err: err, Transient: true}
}

// WithTrail returns a copy of err with its trail set, unless a trail is already
// present. Errors that are not *Error are wrapped as KindBuild.
func WithTrail(err error, trail []string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindBuild, Err: err, Trail: append([]string(nil), trail...)}
	}

	if len(e.Trail) > 0 {
		return err
	}

	cp := *e
	cp.Trail = append([]string(nil), trail...)
	return &cp
}

// KindOf returns the kind of err, or zero if err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether err was flagged as retryable.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// TrailOf returns the import trail attached to err.
func TrailOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Trail
	}
	return nil
}

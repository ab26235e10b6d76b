package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType classifies failures for logging and wire serialization.
type ErrorType string

const (
	ErrorTypeConfigSyntax   ErrorType = "config_syntax"
	ErrorTypeConfigSemantic ErrorType = "config_semantic"
	ErrorTypeParse          ErrorType = "parse"
	ErrorTypeUninitialized  ErrorType = "uninitialized"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRequest        ErrorType = "request"
	ErrorTypeInternal       ErrorType = "internal"
)

// Wire codes, as serialized in bridge failures.
const (
	CodeConfigSyntax         = "CONFIG_SYNTAX"
	CodeConfigSemantic       = "CONFIG_SEMANTIC"
	CodeParsing              = "PARSING"
	CodeFailingTypeScript    = "FAILING_TYPESCRIPT"
	CodeGeneralError         = "GENERAL_ERROR"
	CodeUninitializedStore   = "UNINITIALIZED_STORE"
	CodeProgramNotFound      = "PROGRAM_NOT_FOUND"
	CodeUnknownRequest       = "UNKNOWN_REQUEST"
	CodeLinterInitialization = "LINTER_INITIALIZATION"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() string
	Type() ErrorType
}

// ConfigSyntaxError reports a configuration file that is not well-formed.
type ConfigSyntaxError struct {
	Path       string
	Underlying error
}

func (e *ConfigSyntaxError) Error() string {
	return fmt.Sprintf("malformed configuration %s: %v", e.Path, e.Underlying)
}

func (e *ConfigSyntaxError) Unwrap() error   { return e.Underlying }
func (e *ConfigSyntaxError) Code() string    { return CodeConfigSyntax }
func (e *ConfigSyntaxError) Type() ErrorType { return ErrorTypeConfigSyntax }

// ConfigSemanticError reports a well-formed configuration that references
// unknown or ill-typed options.
type ConfigSemanticError struct {
	Path   string
	Option string
	Reason string
}

func (e *ConfigSemanticError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("invalid configuration %s: option %q: %s", e.Path, e.Option, e.Reason)
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Path, e.Reason)
}

func (e *ConfigSemanticError) Code() string    { return CodeConfigSemantic }
func (e *ConfigSemanticError) Type() ErrorType { return ErrorTypeConfigSemantic }

// ParseError is the failure value of a parse. Line is 1-based, 0 when unknown.
type ParseError struct {
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
	ErrCode string `json:"code"`
}

// NewParseError returns a ParseError with code PARSING.
func NewParseError(line int, msg string) *ParseError {
	return &ParseError{Line: line, Message: msg, ErrCode: CodeParsing}
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
	}
	return "parse error: " + e.Message
}

func (e *ParseError) Code() string {
	if e.ErrCode == "" {
		return CodeParsing
	}
	return e.ErrCode
}

func (e *ParseError) Type() ErrorType { return ErrorTypeParse }

// UninitializedStoreError is returned by lookups on a store that has not
// completed setup for the current root.
type UninitializedStoreError struct {
	Store string
}

func (e *UninitializedStoreError) Error() string {
	return fmt.Sprintf("%s is not initialized", e.Store)
}

func (e *UninitializedStoreError) Code() string    { return CodeUninitializedStore }
func (e *UninitializedStoreError) Type() ErrorType { return ErrorTypeUninitialized }

// ProgramNotFoundError is returned for unknown or deleted program ids.
type ProgramNotFoundError struct {
	ID string
}

func (e *ProgramNotFoundError) Error() string {
	return fmt.Sprintf("program %q not found", e.ID)
}

func (e *ProgramNotFoundError) Code() string    { return CodeProgramNotFound }
func (e *ProgramNotFoundError) Type() ErrorType { return ErrorTypeNotFound }

// UnknownRequestError names a request kind the dispatcher does not handle.
type UnknownRequestError struct {
	Kind       string
	Suggestion string
}

func (e *UnknownRequestError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown request type %q (did you mean %q?)", e.Kind, e.Suggestion)
	}
	return fmt.Sprintf("unknown request type %q", e.Kind)
}

func (e *UnknownRequestError) Code() string    { return CodeUnknownRequest }
func (e *UnknownRequestError) Type() ErrorType { return ErrorTypeRequest }

// LinterNotInitializedError is returned when analysis is requested before
// the rule set was initialized.
type LinterNotInitializedError struct{}

func (e *LinterNotInitializedError) Error() string {
	return "linter is not initialized: send an initialize request first"
}

func (e *LinterNotInitializedError) Code() string    { return CodeLinterInitialization }
func (e *LinterNotInitializedError) Type() ErrorType { return ErrorTypeRequest }

// CodeOf returns the wire code of the first Coded error in err's chain, or
// GENERAL_ERROR.
func CodeOf(err error) string {
	var c Coded
	if stderrors.As(err, &c) {
		return c.Code()
	}
	return CodeGeneralError
}

// IsRunFatal reports whether err must abort a project run. Configuration and
// store initialization failures are fatal; parse failures never are.
func IsRunFatal(err error) bool {
	var c Coded
	if !stderrors.As(err, &c) {
		return true
	}
	switch c.Type() {
	case ErrorTypeParse:
		return false
	default:
		return true
	}
}

// Serialized is the wire form of an error.
type Serialized struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// Serialize converts err to its wire form.
func Serialize(err error) Serialized {
	s := Serialized{Code: CodeOf(err), Message: err.Error()}
	var pe *ParseError
	if stderrors.As(err, &pe) {
		s.Line = pe.Line
		s.Message = pe.Message
	}
	return s
}

// Is and As re-export the standard helpers so callers importing this package
// under the name errors keep working.
func Is(err, target error) bool { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }
func New(text string) error { return stderrors.New(text) }

// Package errors defines the error taxonomy shared by every stage of the
// quill pipeline: configuration, lexing, parsing, provider access, the
// compilation cache and template execution.
//
// All stages return *Error values so callers can branch on the category with
// the Is* predicates (for example rendering a "not found" page for provider
// errors instead of a "broken template" page for syntax errors).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeLex      ErrorType = "lex"
	ErrorTypeSyntax   ErrorType = "syntax"
	ErrorTypeProvider ErrorType = "provider"
	ErrorTypeCache    ErrorType = "cache"
	ErrorTypeRuntime  ErrorType = "runtime"
	ErrorTypeInternal ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeUnknownOption      = "ERR_UNKNOWN_OPTION"
	ErrCodeCompileDir         = "ERR_COMPILE_DIR"
	ErrCodeRegistration       = "ERR_REGISTRATION"
	ErrCodeConfigInvalid      = "ERR_CONFIG_INVALID"
	ErrCodeUnknownScheme      = "ERR_UNKNOWN_SCHEME"
	ErrCodeUnterminatedTag    = "ERR_UNTERMINATED_TAG"
	ErrCodeUnterminatedString = "ERR_UNTERMINATED_STRING"
	ErrCodeUnterminatedRegion = "ERR_UNTERMINATED_REGION"
	ErrCodeUnknownTag         = "ERR_UNKNOWN_TAG"
	ErrCodeFloatingTag        = "ERR_FLOATING_TAG"
	ErrCodeUnexpectedTag      = "ERR_UNEXPECTED_TAG"
	ErrCodeUnterminatedBlock  = "ERR_UNTERMINATED_BLOCK"
	ErrCodeUnknownModifier    = "ERR_UNKNOWN_MODIFIER"
	ErrCodeUnknownFunction    = "ERR_UNKNOWN_FUNCTION"
	ErrCodeUndefinedMacro     = "ERR_UNDEFINED_MACRO"
	ErrCodeMacroRecursion     = "ERR_MACRO_RECURSION"
	ErrCodeInheritanceCycle   = "ERR_INHERITANCE_CYCLE"
	ErrCodeInvalidExpression  = "ERR_INVALID_EXPRESSION"
	ErrCodeAccessorDenied     = "ERR_ACCESSOR_DENIED"
	ErrCodeMethodDenied       = "ERR_METHOD_DENIED"
	ErrCodeVerifyFailed       = "ERR_VERIFY_FAILED"
	ErrCodeTemplateNotFound   = "ERR_TEMPLATE_NOT_FOUND"
	ErrCodeSourceUnreadable   = "ERR_SOURCE_UNREADABLE"
	ErrCodeCacheWrite         = "ERR_CACHE_WRITE"
	ErrCodeCacheRead          = "ERR_CACHE_READ"
	ErrCodeCacheStale         = "ERR_CACHE_STALE"
	ErrCodeRender             = "ERR_RENDER"
	ErrCodeInternalError      = "ERR_INTERNAL"
)

// Error is a structured error carrying the pipeline stage, a stable code and
// the template location it refers to.
type Error struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	Context  map[string]interface{}
	Template string
	Offset   int
	Line     int
	Column   int
	// Scope is the chain of enclosing tags, outermost first.
	Scope []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Template != "" {
		location := e.Template
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if len(e.Scope) > 0 {
		result += " (in " + strings.Join(e.Scope, " > ") + ")"
	}

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation attaches the template name and a position inside it.
func (e *Error) WithLocation(template string, offset, line, column int) *Error {
	e.Template = template
	e.Offset = offset
	e.Line = line
	e.Column = column

	return e
}

// WithScope records the chain of enclosing tags.
func (e *Error) WithScope(scope []string) *Error {
	e.Scope = append([]string(nil), scope...)

	return e
}

// Error creation functions

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *Error {
	return &Error{Type: ErrorTypeConfig, Code: code, Message: message}
}

// NewLexError creates a lexical error at a byte offset, recording the
// delimiter that was expected and what was found instead.
func NewLexError(code string, offset int, expected, found string) *Error {
	return &Error{
		Type:    ErrorTypeLex,
		Code:    code,
		Message: fmt.Sprintf("expected %q, found %s", expected, found),
		Offset:  offset,
		Context: map[string]interface{}{"expected": expected, "found": found},
	}
}

// NewSyntaxError creates a syntax or semantic compilation error.
func NewSyntaxError(code, message string) *Error {
	return &Error{Type: ErrorTypeSyntax, Code: code, Message: message}
}

// NewProviderError creates a provider error.
func NewProviderError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeProvider, Code: code, Message: message, Cause: cause}
}

// NewCacheError creates a compilation cache I/O error.
func NewCacheError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeCache, Code: code, Message: message, Cause: cause}
}

// NewRuntimeError creates a template execution error.
func NewRuntimeError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeRuntime, Code: code, Message: message, Cause: cause}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeInternal, Code: code, Message: message, Cause: cause}
}

// Helper functions for common errors

// ErrTemplateNotFound reports a template the provider does not know.
func ErrTemplateNotFound(name string) *Error {
	return NewProviderError(ErrCodeTemplateNotFound, "template not found: "+name, nil)
}

// ErrUnknownOption reports an option flag name outside the fixed table.
func ErrUnknownOption(name string) *Error {
	return NewConfigError(ErrCodeUnknownOption, "undefined option flag: "+name)
}

// ErrUnknownTag reports an identifier that no registry entry resolves.
func ErrUnknownTag(name string) *Error {
	return NewSyntaxError(ErrCodeUnknownTag, "unknown tag: "+name)
}

// ErrMacroRecursion reports a macro call chain deeper than the limit.
func ErrMacroRecursion(name string, limit int) *Error {
	return NewRuntimeError(
		ErrCodeMacroRecursion,
		fmt.Sprintf("macro recursion limit exceeded: %s (limit %d)", name, limit),
		nil,
	)
}

// Predicates

func isType(err error, typ ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == typ
	}

	return false
}

// IsConfig checks if an error is a configuration error.
func IsConfig(err error) bool { return isType(err, ErrorTypeConfig) }

// IsLex checks if an error is a lexical error.
func IsLex(err error) bool { return isType(err, ErrorTypeLex) }

// IsSyntax checks if an error is a syntax or semantic error.
func IsSyntax(err error) bool { return isType(err, ErrorTypeSyntax) }

// IsProvider checks if an error came from a provider.
func IsProvider(err error) bool { return isType(err, ErrorTypeProvider) }

// IsCache checks if an error is a compilation cache I/O error.
func IsCache(err error) bool { return isType(err, ErrorTypeCache) }

// IsRuntime checks if an error happened while executing an artifact.
func IsRuntime(err error) bool { return isType(err, ErrorTypeRuntime) }

// IsNotFound checks if an error means a template does not exist.
func IsNotFound(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Type == ErrorTypeProvider && e.Code == ErrCodeTemplateNotFound {
			return true
		}
		err = e.Cause
	}

	return false
}

// HasCode checks if any *Error in the chain carries code.
func HasCode(err error, code string) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Cause
	}

	return false
}

package errors

import (
	"errors"
)

// Wrap wraps an error with additional context, creating an *Error if the
// input is not already one. Location and scope of a wrapped *Error are kept.
func Wrap(err error, errType ErrorType, code, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Type:     errType,
			Code:     code,
			Message:  message,
			Cause:    e,
			Context:  e.Context,
			Template: e.Template,
			Offset:   e.Offset,
			Line:     e.Line,
			Column:   e.Column,
			Scope:    e.Scope,
		}
	}

	return &Error{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapProvider wraps an error as a provider error.
func WrapProvider(err error, code, message string) *Error {
	return Wrap(err, ErrorTypeProvider, code, message)
}

// WrapCache wraps an error as a compilation cache error.
func WrapCache(err error, code, message string) *Error {
	return Wrap(err, ErrorTypeCache, code, message)
}

// WrapConfig wraps an error as a configuration error.
func WrapConfig(err error, code, message string) *Error {
	return Wrap(err, ErrorTypeConfig, code, message)
}

// WrapRuntime wraps an error as a runtime error.
func WrapRuntime(err error, code, message string) *Error {
	return Wrap(err, ErrorTypeRuntime, code, message)
}

// Located fills in the template name of err when it has none yet. Errors
// that are not *Error are returned unchanged.
func Located(err error, template string) error {
	var e *Error
	if errors.As(err, &e) && e.Template == "" {
		e.Template = template
	}

	return err
}

// FormatError formats an error for user display
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// GetErrorContext extracts context information from an *Error
func GetErrorContext(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		context := make(map[string]interface{})
		for k, v := range e.Context {
			context[k] = v
		}
		if e.Template != "" {
			context["template"] = e.Template
			if e.Line > 0 {
				context["line"] = e.Line
				context["column"] = e.Column
			}
		}
		if len(e.Scope) > 0 {
			context["scope"] = e.Scope
		}
		context["type"] = string(e.Type)
		context["code"] = e.Code
		return context
	}

	return map[string]interface{}{
		"message": err.Error(),
		"type":    "unknown",
	}
}

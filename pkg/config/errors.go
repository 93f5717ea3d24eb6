package config

import (
	"fmt"
	"strings"
)

// ConfigError kinds
const (
	ErrRead        = "read_error"
	ErrParse       = "parse_error"
	ErrNotFound    = "not_found"
	ErrEnvOverride = "env_override"
)

// ValidationError is one finding about a field. Warnings are reported but do
// not fail validation.
type ValidationError struct {
	Field        string   `json:"field"`
	Message      string   `json:"message"`
	Suggestion   string   `json:"suggestion"`
	FixCommand   string   `json:"fix_command,omitempty"`
	Warning      bool     `json:"warning,omitempty"`
	CurrentValue any      `json:"current_value,omitempty"`
	ValidValues  []string `json:"valid_values,omitempty"`
}

func (e ValidationError) Error() string {
	msg := e.Field + ": " + e.Message
	if len(e.ValidValues) > 0 {
		msg += " (valid: " + strings.Join(e.ValidValues, ", ") + ")"
	}
	return msg
}

func NewValidationError(field, message, suggestion string) ValidationError {
	return ValidationError{Field: field, Message: message, Suggestion: suggestion}
}

// NewValidationErrorWithFix attaches a config snippet that resolves the error
func NewValidationErrorWithFix(field, message, suggestion, fix string) ValidationError {
	e := NewValidationError(field, message, suggestion)
	e.FixCommand = fix
	return e
}

func NewValidationWarning(field, message, suggestion string) ValidationError {
	e := NewValidationError(field, message, suggestion)
	e.Warning = true
	return e
}

// WithValue records the offending value
func (e ValidationError) WithValue(v any) ValidationError {
	e.CurrentValue = v
	return e
}

// ValidationErrors is the full result of a validation pass
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e ValidationErrors) Error() string {
	blocking := e.Blocking()
	switch len(blocking) {
	case 0:
		return "no validation errors"
	case 1:
		return "invalid configuration: " + blocking[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "multiple validation errors (%d):", len(blocking))
	for _, err := range blocking {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Blocking returns the errors that are not warnings
func (e ValidationErrors) Blocking() []ValidationError {
	var out []ValidationError
	for _, err := range e.Errors {
		if !err.Warning {
			out = append(out, err)
		}
	}
	return out
}

// GetFixSuggestions renders one hint per blocking error, with the config
// snippet when there is one
func (e ValidationErrors) GetFixSuggestions() []string {
	var out []string
	for _, err := range e.Blocking() {
		if err.Suggestion == "" {
			continue
		}
		s := err.Field + ": " + err.Suggestion
		if err.FixCommand != "" {
			s += " (e.g. " + err.FixCommand + ")"
		}
		out = append(out, s)
	}
	return out
}

// ConfigError is a failure to locate, read or decode configuration
type ConfigError struct {
	Type       string `json:"type"`
	File       string `json:"file,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Cause      error  `json:"-"`
}

func (e ConfigError) Error() string {
	where := ""
	if e.File != "" {
		where = " " + e.File
	}
	return fmt.Sprintf("config%s: %s: %s", where, strings.ReplaceAll(e.Type, "_", " "), e.Message)
}

func (e ConfigError) Unwrap() error {
	return e.Cause
}

func NewConfigFileError(kind, file, message, suggestion string) ConfigError {
	return ConfigError{Type: kind, File: file, Message: message, Suggestion: suggestion}
}

// WithCause adds a cause to the error
func (e ConfigError) WithCause(cause error) ConfigError {
	e.Cause = cause
	return e
}

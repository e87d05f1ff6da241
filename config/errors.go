package config

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common configuration states
var (
	// ErrNotConfigured indicates a feature is intentionally not configured (not an error state)
	ErrNotConfigured = errors.New("not configured")
)

// ConfigError represents a configuration error with actionable guidance.
// All error messages are lowercase following Go conventions.
//
//nolint:revive // ConfigError is intentionally named for clarity in external API usage
type ConfigError struct {
	Category string   // error category: "missing", "invalid", "not_configured"
	Field    string   // config field path (e.g., "auth.clientid", "api.timeout")
	Message  string   // user-friendly error message (lowercase)
	Action   string   // actionable instruction (lowercase)
	Details  []string // additional details or examples
}

// Error implements the error interface with lowercase formatting.
func (e *ConfigError) Error() string {
	var parts []string

	if e.Category != "" {
		parts = append(parts, fmt.Sprintf("config_%s:", e.Category))
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Action != "" {
		parts = append(parts, e.Action)
	}
	if len(e.Details) > 0 {
		parts = append(parts, strings.Join(e.Details, "; "))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns ErrNotConfigured for not_configured errors and nil otherwise.
func (e *ConfigError) Unwrap() error {
	if e.Category == "not_configured" {
		return ErrNotConfigured
	}
	return nil
}

// NewMissingFieldError creates an error for a required missing configuration field.
func NewMissingFieldError(field, envVar, yamlPath string) *ConfigError {
	return &ConfigError{
		Category: "missing",
		Field:    field,
		Message:  "required",
		Action:   fmt.Sprintf("set %s env var or add %s to the config file", envVar, yamlPath),
	}
}

// NewInvalidFieldError creates an error for an invalid configuration value.
func NewInvalidFieldError(field, message string, validOptions []string) *ConfigError {
	err := &ConfigError{
		Category: "invalid",
		Field:    field,
		Message:  message,
	}

	if len(validOptions) > 0 {
		err.Action = fmt.Sprintf("must be one of: %s", strings.Join(validOptions, ", "))
	}

	return err
}

// NewNotConfiguredError creates an informational error for optional features.
// This indicates the feature is intentionally not configured, not an error state.
func NewNotConfiguredError(feature, envVar, yamlPath string) *ConfigError {
	return &ConfigError{
		Category: "not_configured",
		Field:    feature,
		Message:  "(optional)",
		Action:   fmt.Sprintf("to enable: set %s env var or add %s to the config file", envVar, yamlPath),
	}
}

// IsNotConfigured checks if an error indicates a feature is not configured.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// NewValidationError creates a general validation error with custom message.
func NewValidationError(field, message string) *ConfigError {
	return &ConfigError{
		Category: "invalid",
		Field:    field,
		Message:  message,
	}
}

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their koanf key so errors name the YAML path.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks cfg against its validate tags. Every failing field is
// reported as a *ConfigError; the errors are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return NewValidationError("config", "configuration is nil")
	}
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, toConfigError(fe))
	}
	return errors.Join(errs...)
}

func toConfigError(fe validator.FieldError) *ConfigError {
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "required_with":
		return NewMissingFieldError(field, EnvVar(field), field)
	case "oneof":
		return NewInvalidFieldError(field, fmt.Sprintf("invalid value %q", fmt.Sprint(fe.Value())), strings.Fields(fe.Param()))
	case "url":
		return NewValidationError(field, "must be an absolute URL")
	case "min":
		return NewValidationError(field, fmt.Sprintf("must have at least %s entries", fe.Param()))
	default:
		return NewValidationError(field, fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value()))
	}
}

// fieldPath strips the root type from a validator namespace:
// "Config.api.timeout" -> "api.timeout".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// EnvVar returns the environment variable overriding a config key.
func EnvVar(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

package helpers

import (
	"context"

	"github.com/go-playground/validator/v10"
)

// NewValidator builds the struct validator shared by configuration parsing
// and any inbound payload checks.
func NewValidator() (*validator.Validate, error) {
	return validator.New(validator.WithRequiredStructEnabled()), nil
}

// Check validates target against struct tags, used by configuration.Parse
// after defaults have been applied.
func Check(_ context.Context, _ any, target any, log interface{ Info(string, ...interface{}) }) error {
	v, err := NewValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(target); err != nil {
		log.Info("configuration validation failed")
		return NewErrorFromError(err)
	}
	return nil
}

package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// eventTypePattern defines the valid format for event type tags.
// Types must be lowercase, start with a letter, and use underscores
// or dots as separators. Examples: "brute_force", "ids.alert".
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// ValidationError reports a malformed or incomplete event. It is the
// only failure that propagates out of event processing.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid event: %s", strings.Join(e.Fields, "; "))
	}
	return fmt.Sprintf("invalid event: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator checks events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_type_format", func(fl validator.FieldLevel) bool {
		return eventTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
// Returns a *ValidationError if validation fails.
func (v *Validator) Validate(event *Event) error {
	if err := v.validate.Struct(event); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
		}
		return &ValidationError{Fields: fields, Err: err}
	}

	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return &ValidationError{Fields: []string{"timestamp: required"}}
	}
	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return &ValidationError{Fields: []string{
			fmt.Sprintf("timestamp: too old (%v, max age %v)", event.Timestamp, v.maxAge),
		}}
	}
	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return &ValidationError{Fields: []string{
			fmt.Sprintf("timestamp: in future (%v, max future %v)", event.Timestamp, v.maxFuture),
		}}
	}

	return nil
}

// ValidateEventType checks if an event type string matches the required format.
func ValidateEventType(eventType string) bool {
	return eventTypePattern.MatchString(eventType)
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coral-mesh/sigscan/internal/pattern"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel, if any.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Unwrap exposes the individual errors to errors.Is.
func (e *MultiValidationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i := range e.Errors {
		errs[i] = &e.Errors[i]
	}
	return errs
}

func collect(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	return &MultiValidationError{Errors: errs}
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "off": true, "disabled": true,
}

// Validate validates Settings.
func (s *Settings) Validate() error {
	return collect(s.validate("settings"))
}

func (s *Settings) validate(prefix string) []ValidationError {
	var errs []ValidationError

	if !logLevels[s.LogLevel] {
		errs = append(errs, ValidationError{
			Field:   prefix + ".log_level",
			Message: fmt.Sprintf("unknown log level %q", s.LogLevel),
		})
	}
	if s.MaxMatches < 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".max_matches",
			Message: "must not be negative",
		})
	}
	if s.ChunkSize < 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".chunk_size",
			Message: "must not be negative",
		})
	}

	return errs
}

// Validate validates the catalogue and every signature in it.
func (c *Catalogue) Validate() error {
	errs := c.Settings.validate("settings")

	if len(c.Signatures) == 0 {
		errs = append(errs, ValidationError{
			Field:   "signatures",
			Message: "at least one signature is required",
		})
	}

	seen := make(map[string]bool)
	for i, sig := range c.Signatures {
		field := fmt.Sprintf("signatures[%d]", i)

		if sig.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "name is required"})
		} else if seen[sig.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate signature %q", sig.Name),
			})
		}
		seen[sig.Name] = true

		if sig.Expect < 0 {
			errs = append(errs, ValidationError{Field: field + ".expect", Message: "must not be negative"})
		}

		if len(sig.Candidates) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".candidates",
				Message: "at least one candidate pattern is required",
				Err:     pattern.ErrEmpty,
			})
		}
		for j, text := range sig.Candidates {
			if pattern.Compile(text).Len() == 0 {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.candidates[%d]", field, j),
					Message: "pattern compiles to no bytes",
					Err:     pattern.ErrEmpty,
				})
			}
		}
	}

	return collect(errs)
}

// IsEmptyPattern reports whether err involves a candidate with no bytes.
func IsEmptyPattern(err error) bool {
	return errors.Is(err, pattern.ErrEmpty)
}

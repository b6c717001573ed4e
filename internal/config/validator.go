package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/testlock/internal/logging"
	"github.com/Iron-Ham/testlock/internal/scope"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lock.stale_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidScopes returns the list of valid scope names
func ValidScopes() []string {
	return []string{scope.Repo, scope.Machine}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateScope()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateScope validates scope selection and the caller pid
func (c *Config) validateScope() []ValidationError {
	var errors []ValidationError

	if c.Scope != "" && !scope.Valid(c.Scope) {
		errors = append(errors, ValidationError{
			Field:   "scope",
			Value:   c.Scope,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidScopes(), ", ")),
		})
	}

	paths := []struct {
		field string
		value string
	}{
		{"state_root", c.StateRoot},
		{"machine_root", c.MachineRoot},
		{"repo_dir", c.RepoDir},
	}
	for _, p := range paths {
		if strings.ContainsRune(p.value, '\x00') {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "path contains invalid null character",
			})
		}
	}

	if c.PID < 0 {
		errors = append(errors, ValidationError{
			Field:   "pid",
			Value:   c.PID,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLock validates the LockConfig
func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.poll_interval",
			Value:   c.Lock.PollInterval,
			Message: "must be positive",
		})
	}

	// Polling faster than this only burns CPU on the shared filesystem
	const minPollInterval = 10 * time.Millisecond
	if c.Lock.PollInterval > 0 && c.Lock.PollInterval < minPollInterval {
		errors = append(errors, ValidationError{
			Field:   "lock.poll_interval",
			Value:   c.Lock.PollInterval,
			Message: fmt.Sprintf("must be at least %s", minPollInterval),
		})
	}

	if c.Lock.StaleSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.stale_seconds",
			Value:   c.Lock.StaleSeconds,
			Message: "must be positive",
		})
	}

	if c.Lock.LivenessTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.liveness_timeout",
			Value:   c.Lock.LivenessTimeout,
			Message: "must be positive",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !logging.IsValidLevel(c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.ToLower(strings.Join(logging.ValidLevels(), ", "))),
		})
	}

	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"chanpost/internal/channels"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/storage"
)

// CLIError wraps errors with a user-facing message and an actionable hint.
type CLIError struct {
	Message  string
	Hint     string
	Err      error
	ExitCode int
}

func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a CLIError with a default exit code of 1.
func NewCLIError(msg, hint string, err error) *CLIError {
	return &CLIError{
		Message:  msg,
		Hint:     hint,
		Err:      err,
		ExitCode: 1,
	}
}

// MapError converts known errors into CLIErrors with hints.
// Unmapped errors are returned as-is.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var ce *CLIError
	if errors.As(err, &ce) {
		return ce
	}

	var credErr *config.CredentialError
	if errors.As(err, &credErr) {
		return NewCLIError(
			"missing credential",
			"Put "+config.TokenEnv+"=<bot token> in "+credErr.EnvPath+" or export it",
			err,
		)
	}

	switch {
	case errors.Is(err, dispatch.ErrUnauthorized):
		return NewCLIError("the token was rejected", "Check "+config.TokenEnv+"; it may be wrong or revoked", err)
	case errors.Is(err, channels.ErrNotJSON):
		return NewCLIError("channel file must be a .json file", "Pass a file name ending in .json", err)
	case errors.Is(err, storage.ErrDisabled):
		return NewCLIError("dispatch audit is disabled", "Set storage.driver to file or sqlite in the settings file", err)
	case errors.Is(err, context.Canceled):
		return &CLIError{Message: "interrupted", Err: err, ExitCode: 130}
	}

	return err
}

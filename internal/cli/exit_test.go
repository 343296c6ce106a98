package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitErrorMessage(t *testing.T) {
	err := WrapExitError(ExitCommandError, "loading config", errors.New("no such file"))
	assert.Equal(t, "loading config: no such file", err.Error())

	bare := WrapExitError(ExitFailure, "replay failed", nil)
	assert.Equal(t, "replay failed", bare.Error())
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := WrapExitError(ExitFailure, "journal append", inner)
	assert.ErrorIs(t, err, inner)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil error", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"command error", WrapExitError(ExitCommandError, "bad config", nil), ExitCommandError},
		{"failure", WrapExitError(ExitFailure, "dispatcher", nil), ExitFailure},
		{"wrapped exit error", fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "inner", nil)), ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

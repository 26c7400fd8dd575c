package etl

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := fs.ErrNotExist
	err := NewExtractionError("open input", cause)

	assert.True(t, errors.Is(err, ErrExtraction))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, errors.Is(err, ErrLoad))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, PhaseExtract, e.Phase)
	assert.True(t, e.Fatal)
}

func TestErrorMessageFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with phase and cause",
			err:  NewExtractionError("read header", fmt.Errorf("unexpected EOF")),
			want: "extraction error in extract phase: read header: unexpected EOF",
		},
		{
			name: "without phase",
			err:  NewValidationError("userId must not be empty"),
			want: "validation error: userId must not be empty",
		},
		{
			name: "cancelled",
			err:  NewCancelledError(PhaseTransform),
			want: "pipeline cancelled in transform phase: run cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestDefaultFatality(t *testing.T) {
	assert.True(t, NewExtractionError("x", nil).Fatal)
	assert.False(t, NewTransformationError("x", nil).Fatal)
	assert.True(t, NewLoadError("x", nil).Fatal)
	assert.True(t, NewCheckpointError("x", nil).Fatal)
	assert.True(t, NewCancelledError(PhaseLoad).Fatal)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(NewLoadError("commit failed", nil)))
	assert.False(t, IsFatal(NewTransformationError("bad message", nil)))
	assert.False(t, IsFatal(errors.New("plain error")))

	wrapped := fmt.Errorf("run failed: %w", NewExtractionError("no document", nil))
	assert.True(t, IsFatal(wrapped))
}

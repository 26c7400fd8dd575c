package loader

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net error", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"pg class 08", &pgconn.PgError{Code: "08006"}, true},
		{"pg class 23", &pgconn.PgError{Code: "23505"}, false},
		{"pg class 42", &pgconn.PgError{Code: "42P01"}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped class 08", wrap(&pgconn.PgError{Code: "08000"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}

func TestIsConstraintError(t *testing.T) {
	assert.True(t, isConstraintError(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isConstraintError(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isConstraintError(wrap(&pgconn.PgError{Code: "23514"})))
	assert.False(t, isConstraintError(&pgconn.PgError{Code: "08006"}))
	assert.False(t, isConstraintError(errors.New("boom")))
	assert.False(t, isConstraintError(nil))
}

func wrap(err error) error {
	return &wrapped{err}
}

type wrapped struct{ err error }

func (w *wrapped) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

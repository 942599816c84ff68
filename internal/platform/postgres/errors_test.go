package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/renderkit/comfyproxy/internal/store"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "nil passes through",
			err:  nil,
			want: nil,
		},
		{
			name: "no rows becomes task not found",
			err:  sql.ErrNoRows,
			want: store.ErrTaskNotFound,
		},
		{
			name: "wrapped no rows",
			err:  fmt.Errorf("query failed: %w", sql.ErrNoRows),
			want: store.ErrTaskNotFound,
		},
		{
			name: "unique violation becomes duplicate",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "tasks_pkey"},
			want: store.ErrDuplicate,
		},
		{
			name: "check violation becomes invalid entity",
			err:  &pgconn.PgError{Code: "23514", ConstraintName: "tasks_status_check"},
			want: store.ErrInvalidEntity,
		},
		{
			name: "not null violation becomes invalid entity",
			err:  &pgconn.PgError{Code: "23502", ColumnName: "status"},
			want: store.ErrInvalidEntity,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mapped := MapError(tc.err)
			if tc.want == nil {
				assert.NoError(t, mapped)
				return
			}
			assert.ErrorIs(t, mapped, tc.want)
		})
	}

	t.Run("unknown errors pass through unchanged", func(t *testing.T) {
		t.Parallel()

		orig := errors.New("connection reset")
		assert.Equal(t, orig, MapError(orig))
	})
}

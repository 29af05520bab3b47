package repo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapInsertError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantExists bool
	}{
		{
			name:       "unique violation",
			err:        &pgconn.PgError{Code: "23505", ConstraintName: "pipeline_configs_active_scope_key"},
			wantExists: true,
		},
		{
			name:       "wrapped unique violation",
			err:        fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}),
			wantExists: true,
		},
		{
			name: "other pg error",
			err:  &pgconn.PgError{Code: "23502"},
		},
		{
			name: "plain error",
			err:  errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapInsertError(tt.err)
			if errors.Is(got, ErrAlreadyExists) != tt.wantExists {
				t.Fatalf("errors.Is(%v, ErrAlreadyExists) = %v, want %v", got, !tt.wantExists, tt.wantExists)
			}
			if !tt.wantExists && got != tt.err {
				t.Errorf("non-unique error changed: got %v, want %v", got, tt.err)
			}
		})
	}
}

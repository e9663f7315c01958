package patientflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify_PassesSentinelsThrough(t *testing.T) {
	for _, sentinel := range []error{ErrNotFound, ErrInvalidState, ErrValidation, ErrTransient} {
		err := fmt.Errorf("wrapped: %w", sentinel)
		if got := classify(err); got != err {
			t.Errorf("expected %v unchanged, got %v", err, got)
		}
	}
	if classify(nil) != nil {
		t.Error("expected nil for nil")
	}
}

func TestClassify_NoRows(t *testing.T) {
	if err := classify(pgx.ErrNoRows); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClassify_Transient(t *testing.T) {
	cases := []error{
		context.DeadlineExceeded,
		fmt.Errorf("query: %w", context.DeadlineExceeded),
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "57P01"},
		&pgconn.PgError{Code: "08006"},
	}
	for _, in := range cases {
		if err := classify(in); !errors.Is(err, ErrTransient) {
			t.Errorf("classify(%v): expected ErrTransient, got %v", in, err)
		}
	}
}

func TestClassify_Permanent(t *testing.T) {
	in := &pgconn.PgError{Code: "23505"}
	err := classify(in)
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrNotFound) {
		t.Errorf("expected unique violation to stay unclassified, got %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Error("expected original driver error to be preserved")
	}
}

func TestIsRetryableSQLState(t *testing.T) {
	cases := map[string]bool{
		"40001": true,
		"40P01": true,
		"57P03": true,
		"08003": true,
		"23505": false,
		"42P01": false,
		"08":    false,
	}
	for code, want := range cases {
		if got := isRetryableSQLState(code); got != want {
			t.Errorf("isRetryableSQLState(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestSeverityArg(t *testing.T) {
	if severityArg(SeverityUnknown) != nil {
		t.Error("expected NULL for untriaged severity")
	}
	if v, ok := severityArg(SeverityGreen).(int); !ok || v != 4 {
		t.Errorf("expected 4, got %v", severityArg(SeverityGreen))
	}
}

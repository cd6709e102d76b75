package db

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm/logger"
)

func TestUnopenedPoolReportsNotInitialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, pool := range map[string]*Pool{"nil": nil, "zero": {}} {
		if _, err := pool.Query(ctx, `SELECT 1`); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s pool query: expected ErrNotInitialized, got %v", name, err)
		}
		if _, err := pool.Exec(ctx, `SELECT 1`); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s pool exec: expected ErrNotInitialized, got %v", name, err)
		}
		var one int
		if err := pool.QueryRow(ctx, `SELECT 1`).Scan(&one); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s pool query row: expected ErrNotInitialized, got %v", name, err)
		}
		called := false
		err := pool.InTx(ctx, func(Tx) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrNotInitialized) || called {
			t.Fatalf("%s pool transaction: expected ErrNotInitialized without running fn, got %v called=%v", name, err, called)
		}
		if err := pool.Ping(ctx); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("%s pool ping: expected ErrNotInitialized, got %v", name, err)
		}
		if err := pool.Close(); err != nil {
			t.Fatalf("%s pool close: %v", name, err)
		}
	}
}

func TestNilRowsAreSafe(t *testing.T) {
	t.Parallel()

	var rows *Rows
	if rows.Next() {
		t.Fatalf("nil rows must not advance")
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("nil rows err: %v", err)
	}
	if err := rows.Scan(); !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}
	rows.Close()

	var row *Row
	if err := row.Scan(); !IsNoRows(err) {
		t.Fatalf("expected no rows from nil row, got %v", err)
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		level, environment string
		want               logger.LogLevel
	}{
		{"debug", "production", logger.Info},
		{" WARN ", "production", logger.Warn},
		{"fatal", "local", logger.Error},
		{"info", "local", logger.Warn},
		{"info", "production", logger.Silent},
		{"", "", logger.Silent},
	}
	for _, tc := range cases {
		if got := resolveGormLogLevel(tc.level, tc.environment); got != tc.want {
			t.Fatalf("resolveGormLogLevel(%q, %q) = %v, want %v", tc.level, tc.environment, got, tc.want)
		}
	}
}

package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressroom-hq/account-harvester/internal/config"
)

func writeAccounts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write accounts file: %v", err)
	}
	return path
}

func TestLoadAccountsMixedSeparators(t *testing.T) {
	path := writeAccounts(t, "alpha, beta;gamma\n# a comment\ndelta\n\nalpha\n")

	names, err := LoadAccounts(path)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	want := []string{"alpha", "beta", "gamma", "delta"}
	if len(names) != len(want) {
		t.Fatalf("want %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("want %v, got %v", want, names)
		}
	}
}

func TestLoadAccountsEmptyFile(t *testing.T) {
	path := writeAccounts(t, "# only comments\n\n")
	if _, err := LoadAccounts(path); err == nil {
		t.Fatal("expected error for accounts file without names")
	}
}

func TestLoadAccountsMissingFile(t *testing.T) {
	if _, err := LoadAccounts(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("expected error for missing accounts file")
	}
}

func TestResolveWindowExplicitDates(t *testing.T) {
	cfg := &config.Config{StartDate: "2026-08-01", EndDate: "2026-08-15", WindowDays: 7}
	window, err := ResolveWindow(cfg, time.Now())
	if err != nil {
		t.Fatalf("ResolveWindow: %v", err)
	}
	if window.String() != "2026-08-01..2026-08-15" {
		t.Fatalf("explicit dates not honored: %s", window)
	}
}

func TestResolveWindowRelativeDays(t *testing.T) {
	now := time.Date(2026, 8, 20, 14, 0, 0, 0, time.Local)
	cfg := &config.Config{WindowDays: 7}
	window, err := ResolveWindow(cfg, now)
	if err != nil {
		t.Fatalf("ResolveWindow: %v", err)
	}
	if window.String() != "2026-08-13..2026-08-20" {
		t.Fatalf("relative window wrong: %s", window)
	}
}

func TestResolveWindowHalfConfigured(t *testing.T) {
	cfg := &config.Config{StartDate: "2026-08-01"}
	if _, err := ResolveWindow(cfg, time.Now()); err == nil {
		t.Fatal("expected error when only start_date is set")
	}
}

func TestResolveWindowNoConfiguration(t *testing.T) {
	cfg := &config.Config{}
	if _, err := ResolveWindow(cfg, time.Now()); err == nil {
		t.Fatal("expected error when neither dates nor window_days configured")
	}
}

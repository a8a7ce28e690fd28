package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSQLitePathKeepsMemoryDSN(test *testing.T) {
	test.Parallel()
	path, err := resolveSQLitePath(":memory:")
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if path != ":memory:" {
		test.Fatalf("expected :memory: passthrough, got %q", path)
	}
}

func TestResolveSQLitePathFromURL(test *testing.T) {
	test.Parallel()
	target := filepath.Join(test.TempDir(), "data", "topup.db")
	path, err := resolveSQLitePath("sqlite://" + target)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if path != target {
		test.Fatalf("expected %q, got %q", target, path)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		test.Fatalf("parent directory not created: %v", err)
	}
}

func TestResolveSQLitePathPlainPath(test *testing.T) {
	test.Parallel()
	target := filepath.Join(test.TempDir(), "topup.db")
	path, err := resolveSQLitePath(target)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if path != target {
		test.Fatalf("expected %q, got %q", target, path)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	if got := parseAllowedOrigins(""); got != nil {
		test.Fatalf("expected nil for empty input, got %v", got)
	}
	got := parseAllowedOrigins(" https://a.example , https://b.example ,,")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", got)
	}
}

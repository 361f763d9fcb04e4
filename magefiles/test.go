//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Test groups test targets.
type Test mg.Namespace

// All runs every test.
func (Test) All() error {
	return sh.RunV(binGo, "test", "-race", "./...")
}

// Unit runs tests that need no external services; the Postgres backend
// tests skip without ATTIC_TEST_POSTGRES_DSN.
func (Test) Unit() error {
	return sh.RunWithV(map[string]string{"ATTIC_TEST_POSTGRES_DSN": ""}, binGo, "test", "./...")
}

// Postgres runs the backend tests against the database in ATTIC_TEST_POSTGRES_DSN.
func (Test) Postgres() error {
	if os.Getenv("ATTIC_TEST_POSTGRES_DSN") == "" {
		return fmt.Errorf("ATTIC_TEST_POSTGRES_DSN is not set")
	}
	return sh.RunV(binGo, "test", "-v", "./internal/sqlstore/...", "./internal/store/...")
}

// Cover writes a coverage profile to bin/coverage.out and prints the total.
func (Test) Cover() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	profile := filepath.Join(binaryDir, "coverage.out")
	if err := sh.RunV(binGo, "test", "-coverprofile", profile, "./..."); err != nil {
		return err
	}
	return sh.RunV(binGo, "tool", "cover", "-func", profile)
}

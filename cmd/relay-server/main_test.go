package main

import (
	"strings"
	"testing"
)

const mainTestPrefix = "cmd/relay-server:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "migrate up", "migrate status", "clear", "ensure-db", "DATABASE_URL", "COMMS_URL"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestTargetDatabaseURL(t *testing.T) {
	got, err := targetDatabaseURL("postgres://u:p@db:5432/relay?sslmode=disable", "relay_test")
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if got != "postgres://u:p@db:5432/relay_test?sslmode=disable" {
		t.Errorf("%s - targetDatabaseURL = %q", mainTestPrefix, got)
	}

	if _, err := targetDatabaseURL("", "relay_test"); err == nil {
		t.Errorf("%s - expected error for empty DATABASE_URL", mainTestPrefix)
	}
	if _, err := targetDatabaseURL("postgres://bad host:5432/x", "y"); err == nil {
		t.Errorf("%s - expected error for unparseable DATABASE_URL", mainTestPrefix)
	}
}

package db

import (
	"context"
	"net/url"
	"testing"
)

const ensureTestPrefix = "db:ensure_test"

func TestMaintenanceURL(t *testing.T) {
	u, _ := url.Parse("postgres://relay:secret@db:5432/relay?sslmode=disable")
	got := maintenanceURL(u)
	if got != "postgres://relay:secret@db:5432/postgres?sslmode=disable" {
		t.Errorf("%s - maintenanceURL = %q", ensureTestPrefix, got)
	}
	if u.Path != "/relay" {
		t.Errorf("%s - maintenanceURL modified its input: %q", ensureTestPrefix, u.Path)
	}
}

func TestDatabaseName(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "postgres://localhost/relay_test?sslmode=disable", want: "relay_test"},
		{raw: "postgres://localhost:5432/?sslmode=disable", wantErr: true},
		{raw: "postgres://localhost:5432/relay-test", wantErr: true},
		{raw: "postgres://localhost:5432/relay;drop", wantErr: true},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("%s - parse %q: %v", ensureTestPrefix, tt.raw, err)
		}
		got, err := databaseName(u)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s - databaseName(%q) = %q, want error", ensureTestPrefix, tt.raw, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s - databaseName(%q) = %q, %v; want %q", ensureTestPrefix, tt.raw, got, err, tt.want)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`db"name`); got != `"db""name"` {
		t.Errorf("%s - quoteIdent = %q", ensureTestPrefix, got)
	}
}

func TestEnsureDatabase_RejectsBadURLs(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"://invalid", "postgres://localhost:5432/", "postgres://localhost:5432/my-db"} {
		if _, err := EnsureDatabase(ctx, raw); err == nil {
			t.Errorf("%s - EnsureDatabase(%q) expected error", ensureTestPrefix, raw)
		}
	}
}

package db

import (
	"strings"
	"testing"
)

const poolMigrationTestPrefix = "db:pool_migration_test"

func TestStatusReport(t *testing.T) {
	tests := []struct {
		name    string
		applied bool
		path    string
		want    []string
	}{
		{name: "applied embedded", applied: true, want: []string{"applied (agent_sessions present", "1 migration files in embedded set"}},
		{name: "pending on disk", path: "/srv/migrations", want: []string{"not applied", "migrate up", "1 migration files in /srv/migrations"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := statusReport(tt.applied, 1, tt.path)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("%s - statusReport = %q, missing %q", poolMigrationTestPrefix, got, w)
				}
			}
		})
	}
}

// The status check looks for agent_sessions, so the embedded set must be
// what creates it.
func TestStatusReport_TableMatchesEmbeddedSchema(t *testing.T) {
	files, err := LoadMigrationFiles("")
	if err != nil {
		t.Fatalf("%s - load embedded migrations: %v", poolMigrationTestPrefix, err)
	}
	for _, sql := range files {
		if strings.Contains(sql, "CREATE TABLE IF NOT EXISTS agent_sessions") {
			return
		}
	}
	t.Errorf("%s - no embedded migration creates agent_sessions", poolMigrationTestPrefix)
}

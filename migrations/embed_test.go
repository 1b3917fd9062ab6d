package main

import (
	"strings"
	"testing"
	"testing/fstest"
)

func migrationFS(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}

	for _, name := range names {
		fsys[name] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}

	return fsys
}

func TestEmbeddedMigrationsList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := NewEmbeddedMigration(nil)

	migrations, err := e.List()
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}

	if len(migrations) == 0 {
		t.Fatal("expected embedded migration files")
	}

	// The compiled-in migrations start with the event log schema.
	if migrations[0].Sequence != 1 || migrations[0].Name != "create_lineage_events" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}

	for _, m := range migrations {
		if !migrationFilenameRegex.MatchString(m.Filename) {
			t.Errorf("file %s does not match the naming standard", m.Filename)
		}
	}
}

func TestEmbeddedMigrationsValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := NewEmbeddedMigration(nil).Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidateRejectsBrokenSets(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		files   []string
		wantErr string
	}{
		{
			name:    "empty set",
			files:   nil,
			wantErr: "no embedded migrations",
		},
		{
			name:    "missing down file",
			files:   []string{"001_create_runs.up.sql"},
			wantErr: "no down file",
		},
		{
			name:    "missing up file",
			files:   []string{"001_create_runs.down.sql"},
			wantErr: "no up file",
		},
		{
			name: "sequence gap",
			files: []string{
				"001_create_runs.up.sql", "001_create_runs.down.sql",
				"003_create_edges.up.sql", "003_create_edges.down.sql",
			},
			wantErr: "sequence gap",
		},
		{
			name:    "invalid filename",
			files:   []string{"schema.sql"},
			wantErr: "invalid migration filename",
		},
		{
			name:    "sequence zero",
			files:   []string{"000_bootstrap.up.sql", "000_bootstrap.down.sql"},
			wantErr: "invalid migration filename",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmbeddedMigration(migrationFS(tt.files...)).Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}

			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsWellFormedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := NewEmbeddedMigration(migrationFS(
		"001_create_runs.up.sql", "001_create_runs.down.sql",
		"002_create_edges.up.sql", "002_create_edges.down.sql",
	))

	if err := e.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidateDetectsContentDrift(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationFS("001_create_runs.up.sql", "001_create_runs.down.sql")

	e := NewEmbeddedMigration(fsys)
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	fsys["001_create_runs.up.sql"].Data = []byte("SELECT 2;")

	err := e.Validate()
	if err == nil {
		t.Fatal("Validate() expected checksum error, got nil")
	}

	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Validate() error = %v, want checksum mismatch", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, ok := parseMigrationFilename("004_create_dataset_profiles.up.sql")
	if !ok {
		t.Fatal("parseMigrationFilename() rejected a valid name")
	}

	if info.Sequence != 4 || info.Name != "create_dataset_profiles" || info.Direction != "up" {
		t.Errorf("unexpected parse result: %+v", info)
	}

	invalid := []string{
		"04_short_sequence.up.sql",
		"004_no_direction.sql",
		"004_bad-characters.up.sql",
		"004_create.sideways.sql",
		"",
	}

	for _, name := range invalid {
		if _, ok := parseMigrationFilename(name); ok {
			t.Errorf("parseMigrationFilename(%q) accepted an invalid name", name)
		}
	}
}

// Package db locates and opens the fleet database. Every workspace
// keeps its state under a .scootfleet/ directory next to the data it
// describes, so pointing the tools at a different directory switches
// fleets.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const stateDir = ".scootfleet"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the state directory for a workspace and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// Open returns a handle on the workspace database. Foreign keys are
// switched on in the DSN because the schema relies on cascading
// deletes for scooter history.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}

// Path reports where the database file for a workspace lives, whether
// or not it exists yet.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, "scootfleet.db")
}

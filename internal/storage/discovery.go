package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateDir is the per-project directory holding the database, config and supervisor lock
const StateDir = ".agentflow"

// DiscoverDatabase looks for .agentflow/*.db in the current directory only.
// Returns the absolute path to the database file, or an error if not found.
//
// AGENTFLOW_DB_PATH is checked first so tests and deployments can point at
// an explicit file (or ":memory:") without discovery.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("AGENTFLOW_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks for .agentflow/*.db in the specified directory only.
// Parent directories are not searched so a nested checkout never picks up
// the enclosing project's database.
func discoverDatabaseInDir(dir string) (string, error) {
	stateDir := filepath.Join(dir, StateDir)

	if info, err := os.Stat(stateDir); err == nil && info.IsDir() {
		entries, err := os.ReadDir(stateDir)
		if err == nil {
			for _, entry := range entries {
				if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".db") {
					absPath, err := filepath.Abs(filepath.Join(stateDir, entry.Name()))
					if err != nil {
						return "", fmt.Errorf("failed to get absolute path: %w", err)
					}
					return absPath, nil
				}
			}
		}
	}

	return "", fmt.Errorf(
		"no %s/*.db found in %s\n"+
			"  Run 'agentflow analyze' to create one here\n"+
			"  Or use --db flag to specify database path explicitly",
		StateDir, dir)
}

// GetProjectRoot returns the directory containing the .agentflow/ directory
// for a given database path.
//
// Example:
//
//	dbPath: /home/user/myproject/.agentflow/agentflow.db
//	returns: /home/user/myproject
func GetProjectRoot(dbPath string) (string, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return "", fmt.Errorf("database path %q has no project root", dbPath)
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	dbDir := filepath.Dir(absPath)
	if filepath.Base(dbDir) != StateDir {
		return "", fmt.Errorf("database must be in a %s directory (got %s)", StateDir, dbDir)
	}

	return filepath.Dir(dbDir), nil
}

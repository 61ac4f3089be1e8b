package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrSupervisorRunning is returned when another live process holds the supervisor lock
var ErrSupervisorRunning = errors.New("another supervisor is running")

// SupervisorLock is the lock file written by the process that dispatches
// sessions for a database. Only the holder may recover interrupted sessions.
type SupervisorLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireSupervisorLock creates the supervisor lock file next to the database.
// A lock left by a dead process on this host is treated as stale and replaced.
// Returns the lock file path for cleanup on shutdown; in-memory databases need
// no lock and get an empty path.
func AcquireSupervisorLock(dbPath, holder, version string) (lockPath string, err error) {
	if dbPath == ":memory:" {
		return "", nil
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("invalid database path: %w", err)
	}
	lockPath = filepath.Join(filepath.Dir(absPath), ".supervisor-lock")

	// Check for existing lock
	if data, err := os.ReadFile(lockPath); err == nil {
		var existing SupervisorLock
		if json.Unmarshal(data, &existing) == nil {
			if existing.PID != os.Getpid() && isProcessAlive(existing.PID, existing.Hostname) {
				return "", fmt.Errorf("%w: %s (PID %d on %s, started %s)",
					ErrSupervisorRunning, existing.Holder, existing.PID, existing.Hostname,
					existing.StartedAt.Format(time.RFC3339))
			}
			// Stale lock - will overwrite
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := SupervisorLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create supervisor lock: %w", err)
	}

	return lockPath, nil
}

// ReleaseSupervisorLock removes the supervisor lock file.
// Should be called on shutdown (use defer).
func ReleaseSupervisorLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove supervisor lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
// Processes on other hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes for existence (Unix: kill -0)
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM means the process exists but belongs to someone else
	if errors.Is(err, syscall.EPERM) {
		return true
	}

	return false
}

package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// File guards single-instance daemon startup through a PID file. Liveness is
// checked with signal 0, which is sufficient on the Linux targets this
// daemon ships to.
type File struct {
	path string
	pid  int
}

// New creates a PID file handle for the current process.
func New(path string) *File {
	return &File{
		path: path,
		pid:  os.Getpid(),
	}
}

// Create claims the PID file. A stale file left by a dead process is
// removed; a file owned by a live process is an error.
func (f *File) Create() error {
	if f.exists() {
		existingPID, err := f.ReadPID()
		if err != nil {
			return fmt.Errorf("failed to read existing PID file: %w", err)
		}
		if processAlive(existingPID) {
			return fmt.Errorf("daemon already running with PID %d", existingPID)
		}
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(fmt.Sprintf("%d\n", f.pid)), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if this process owns it.
func (f *File) Remove() error {
	if !f.exists() {
		return nil
	}

	existingPID, err := f.ReadPID()
	if err != nil {
		return os.Remove(f.path)
	}
	if existingPID != f.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existingPID, f.pid)
	}
	return os.Remove(f.path)
}

// ForceRemove deletes the PID file regardless of ownership.
func (f *File) ForceRemove() error {
	return os.Remove(f.path)
}

// CheckRunning reports whether another live instance holds the PID file,
// and that instance's PID when one is recorded.
func (f *File) CheckRunning() (bool, int, error) {
	if !f.exists() {
		return false, 0, nil
	}

	existingPID, err := f.ReadPID()
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	if processAlive(existingPID) {
		return true, existingPID, nil
	}
	return false, existingPID, nil
}

// ReadPID returns the PID recorded in the file.
func (f *File) ReadPID() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}
	return pid, nil
}

// Path returns the PID file location.
func (f *File) Path() string {
	return f.path
}

func (f *File) exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else
	return errors.Is(err, syscall.EPERM)
}

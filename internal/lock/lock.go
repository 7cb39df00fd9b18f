// Package lock keeps a single executor per host.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another executor holds the lock.
var ErrLocked = errors.New("executor lock held by another process")

// Info is written into the lock file.
type Info struct {
	Type        string    `json:"type"`
	PID         int       `json:"pid"`
	WorkspaceID string    `json:"workspace_id"`
	StartedAt   time.Time `json:"started_at"`
}

// FileLock is an exclusive advisory lock on a file. The kernel drops it when
// the process exits, so a crashed executor never leaves a stale lock behind.
type FileLock struct {
	path string
	f    *os.File
}

// DefaultPath returns ~/.mentu/executor.lock.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".mentu", "executor.lock"), nil
}

// Acquire takes the lock at path and records info in it. It returns
// ErrLocked, wrapped with the holder's pid when readable, if another
// process holds it.
func Acquire(path string, info Info) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			if held, rerr := Read(path); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d, started %s)", ErrLocked, held.PID, held.StartedAt.Format(time.RFC3339))
			}
		}
		return nil, err
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.Type == "" {
		info.Type = "bridge"
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("encode lock info: %w", err)
	}
	err = f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt(b, 0)
	}
	if err != nil {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	return &FileLock{path: path, f: f}, nil
}

// Read returns the info stored at path.
func Read(path string) (Info, error) {
	var info Info
	b, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return info, fmt.Errorf("decode lock info: %w", err)
	}
	return info, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release drops the lock and removes the file.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	os.Remove(l.path)
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// SPDX-License-Identifier: MIT

//go:build linux

// Package lock guards a media root with a flock(2)-based exclusive
// lock, so two amps servers never share one per-key temp directory
// tree. The lock file records the holder's PID, which "amps shutdown"
// reads back via ReadPID to signal the running server.
package lock

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// retryInterval paces acquisition attempts while another process holds
// the lock.
const retryInterval = 100 * time.Millisecond

// Lock is a held exclusive lock on one media root.
type Lock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Acquire takes the exclusive lock at path, waiting up to timeout for a
// current holder to release it. A lock file left behind by a dead
// process is removed and taken over.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	return AcquireContext(context.Background(), path, timeout)
}

// AcquireContext is Acquire with caller-driven cancellation: it returns
// ctx.Err() as soon as ctx ends, even mid-wait.
func AcquireContext(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("lock: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock: create lock directory: %w", err)
	}

	if holderDead(path) {
		_ = os.Remove(path)
	}

	// 0644 so client commands can ReadPID without the server's uid.
	// #nosec G302 G304 -- path is operator-controlled, not request input
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("lock: %s still held after %v: %w", path, timeout, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	if err := recordPID(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

// recordPID overwrites the lock file's contents with the holder's PID.
func recordPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("lock: truncate: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("lock: seek: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("lock: write pid: %w", err)
	}
	return f.Sync()
}

// Release drops the lock. Calling it again (or on a lock that failed to
// acquire) returns an error rather than panicking.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("lock: not held")
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("lock: unlock: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// ReadPID reads the PID recorded in a lock file. Client commands use it
// to find the server process behind a media root.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-controlled
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock: %s does not record a pid: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("lock: %s records invalid pid %d", path, pid)
	}
	return pid, nil
}

// holderDead reports whether path records a process that no longer
// exists, making the file safe to remove and take over.
//
// A live holder is never considered dead, no matter how old the lock
// file is: a server runs for days, and its lock file's mtime proves
// nothing about its health. An empty or malformed file counts as dead
// (no live server leaves one behind after Acquire returns); if two
// processes race the takeover, flock(2) on the reopened file still
// picks a single winner.
func holderDead(path string) bool {
	pid, err := ReadPID(path)
	if err != nil {
		return !os.IsNotExist(err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// FindProcess always succeeds on Unix; signal 0 is the actual probe.
	return proc.Signal(syscall.Signal(0)) != nil
}

// SPDX-License-Identifier: MIT

package transcoder

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxLogSize is the rotation threshold for a record's stderr log.
	DefaultMaxLogSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxLogFiles is the number of rotated stderr logs kept per key.
	DefaultMaxLogFiles = 5
)

// RotatingWriter is an io.WriteCloser that rotates a log file once it
// exceeds a size limit, optionally gzip-compressing the rotated copies.
// Each record opens one to capture its FFmpeg child's stderr.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// RotatingWriterOption configures a RotatingWriter.
type RotatingWriterOption func(*RotatingWriter)

// WithMaxSize overrides the rotation threshold.
func WithMaxSize(size int64) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxSize = size }
}

// WithMaxFiles overrides how many rotated files are retained.
func WithMaxFiles(count int) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxFiles = count }
}

// WithCompression enables gzip compression of rotated files.
func WithCompression(compress bool) RotatingWriterOption {
	return func(w *RotatingWriter) { w.compress = compress }
}

// NewRotatingWriter opens (or creates) path for appending, creating its
// parent directory if needed.
func NewRotatingWriter(path string, opts ...RotatingWriterOption) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxLogSize,
		maxFiles: DefaultMaxLogFiles,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer, rotating first if p would push the file
// past maxSize.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		// A rotation failure is not fatal to the write itself; better to
		// exceed maxSize once than to drop stderr output.
		_ = w.rotate()
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if w.compress {
		go w.compressFile(rotated)
	}
	w.cleanup()
	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath := w.rotatedPath(i)
		newPath := w.rotatedPath(i + 1)
		for _, ext := range []string{"", ".gz"} {
			old, new := oldPath+ext, newPath+ext
			if _, err := os.Stat(old); err == nil {
				if err := os.Rename(old, new); err != nil {
					return fmt.Errorf("shift log file %s -> %s: %w", old, new, err)
				}
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *RotatingWriter) compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	gzFile, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		os.Remove(path + ".gz")
		return
	}
	if err := gzWriter.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

func (w *RotatingWriter) cleanup() {
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		os.Remove(w.rotatedPath(i))
		os.Remove(w.rotatedPath(i) + ".gz")
	}
}

// stderrLogWriter opens the rotating stderr log for a stream key under
// logDir, named after the sanitized key the same way segmented output
// dirs are named in Manager.launch.
func stderrLogWriter(logDir string, key StreamKey) (io.WriteCloser, error) {
	name := fmt.Sprintf("ffmpeg-%s.log", sanitizeKey(key.String()))
	return NewRotatingWriter(filepath.Join(logDir, name), WithCompression(true))
}

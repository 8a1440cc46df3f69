// Package files stores uploaded session assets on local disk, one directory
// per session under a common root.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Open for a missing or empty file.
	ErrNotFound = errors.New("files: not found")

	// ErrTooLarge is returned by Save when the data exceeds the size limit.
	ErrTooLarge = errors.New("files: too large")

	// ErrInvalidName is returned for session ids or file names that could
	// escape the session directory.
	ErrInvalidName = errors.New("files: invalid name")
)

// Store keeps files under root/<session id>/<name>.
type Store struct {
	root string
	log  *slog.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("files: create root %s: %w", root, err)
	}
	return &Store{root: root, log: logger.With("component", "files")}, nil
}

// Root returns the directory holding all session directories.
func (s *Store) Root() string {
	return s.root
}

// Save writes data into a new file with a random name and the given
// extension and returns the name and size. Reading stops after maxBytes; a
// larger input yields ErrTooLarge and leaves nothing behind.
func (s *Store) Save(ctx context.Context, sessionID, ext string, data io.Reader, maxBytes int64) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", 0, err
	}
	if ext != "" && (!strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, `/\`)) {
		return "", 0, fmt.Errorf("%w: extension %q", ErrInvalidName, ext)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("files: create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("files: create temp file: %w", err)
	}
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, io.LimitReader(data, maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("files: write upload: %w", err)
	}
	if n > maxBytes {
		return "", 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}

	name := fmt.Sprintf("img_%d_%s%s", time.Now().Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8], ext)
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", 0, fmt.Errorf("files: store upload: %w", err)
	}
	s.log.Debug("file saved", "session", sessionID, "name", name, "bytes", n)
	return name, n, nil
}

// Open opens a stored file for reading. Empty files are reported as missing.
func (s *Store) Open(sessionID, name string) (*os.File, os.FileInfo, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	f, err := os.Open(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("files: open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("files: stat %s: %w", name, err)
	}
	if info.IsDir() || info.Size() == 0 {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}

// DeleteAll removes the directory of a session. Removing a session without
// files succeeds.
func (s *Store) DeleteAll(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("files: remove %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns the ids of all session directories with their last
// modification time. Entries that are not session directories are ignored.
func (s *Store) ListSessions(ctx context.Context) (map[string]time.Time, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("files: list root: %w", err)
	}
	out := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		out[e.Name()] = info.ModTime()
	}
	return out, nil
}

// sessionDir validates id and returns its directory. Only UUIDs are accepted,
// which keeps every path inside root.
func (s *Store) sessionDir(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil || strings.ContainsAny(id, `/\.`) {
		return "", fmt.Errorf("%w: session %q", ErrInvalidName, id)
	}
	return filepath.Join(s.root, id), nil
}

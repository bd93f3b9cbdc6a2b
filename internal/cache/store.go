// Package cache stores transformed images on the local filesystem.
//
// Entries live at <root>/<format>/<key>.<format> and are never evicted.
// Writers produce a hidden temporary file next to the entry and Commit it
// with a rename, so a reader sees either no entry or a complete one.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidName is returned for keys or formats that are not a single
// plain path element.
var ErrInvalidName = errors.New("invalid cache name")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is a format-partitioned cache directory.
//
// Store has no locking. Concurrent writers of the same entry each commit a
// complete file and the last rename wins.
type Store struct {
	root string
}

// New creates the cache root if needed and returns a Store for it.
func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute cache root.
func (s *Store) Root() string {
	return s.root
}

// Path returns the entry path for key and format without touching the disk.
func (s *Store) Path(key, format string) (string, error) {
	if err := checkName(key); err != nil {
		return "", fmt.Errorf("key %q: %w", key, err)
	}
	if err := checkName(format); err != nil {
		return "", fmt.Errorf("format %q: %w", format, err)
	}
	return filepath.Join(s.root, format, key+"."+format), nil
}

// Lookup opens the entry for key and format. The second result is false
// when the entry is missing or unreadable; the caller closes the file.
func (s *Store) Lookup(key, format string) (*os.File, bool) {
	path, err := s.Path(key, format)
	if err != nil {
		return nil, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, false
	}
	return f, true
}

// ReservePath returns the entry path for key and format, creating the
// format directory if it does not exist yet.
func (s *Store) ReservePath(key, format string) (string, error) {
	path, err := s.Path(key, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return path, nil
}

// ExistsAndReadable reports whether path is a regular file that can be
// opened for reading.
func (s *Store) ExistsAndReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// TempPath creates an empty hidden file next to final and returns its
// path. The temporary name keeps the extension of final so that encoders
// which pick the format from the extension write the right format.
func (s *Store) TempPath(final string) (string, error) {
	dir, base := filepath.Split(final)
	ext := filepath.Ext(base)
	f, err := os.CreateTemp(dir, "."+strings.TrimSuffix(base, ext)+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	return name, nil
}

// Commit publishes tmp as final. tmp must have been produced by TempPath
// for the same final path.
func (s *Store) Commit(tmp, final string) error {
	if err := os.Chmod(tmp, filePerm); err != nil {
		s.Discard(tmp)
		return fmt.Errorf("failed to set cache file mode: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		s.Discard(tmp)
		return fmt.Errorf("failed to commit cache file: %w", err)
	}
	return nil
}

// Discard removes a temporary file. Errors are ignored.
func (s *Store) Discard(tmp string) {
	_ = os.Remove(tmp)
}

// FormatStats summarises the entries of one format directory.
type FormatStats struct {
	Format  string
	Entries int
	Bytes   int64
}

// Stats summarises the whole cache.
type Stats struct {
	Root    string
	Formats []FormatStats
	Entries int
	Bytes   int64
}

// Stats walks the cache and counts committed entries per format. Temporary
// files are skipped.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{Root: s.root}

	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return stats, fmt.Errorf("failed to read cache root: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		fsStats := FormatStats{Format: d.Name()}
		entries, err := os.ReadDir(filepath.Join(s.root, d.Name()))
		if err != nil {
			return stats, fmt.Errorf("failed to read cache directory %s: %w", d.Name(), err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			fsStats.Entries++
			fsStats.Bytes += info.Size()
		}
		stats.Formats = append(stats.Formats, fsStats)
		stats.Entries += fsStats.Entries
		stats.Bytes += fsStats.Bytes
	}

	sort.Slice(stats.Formats, func(i, j int) bool {
		return stats.Formats[i].Format < stats.Formats[j].Format
	})
	return stats, nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	return nil
}

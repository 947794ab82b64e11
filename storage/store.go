// Package storage persists certificate bytes on disk under sanitized names.
// Uploads are first written to a staging area and only promoted into the
// store root once fully written and verified, so a record never points at a
// half-written file.
package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stagingDirName = ".staging"

// DiskStore is a flat directory of certificate files plus a staging
// subdirectory for in-flight uploads.
type DiskStore struct {
	root    string
	staging string
}

// NewDiskStore creates the store root and staging directories if missing.
func NewDiskStore(root string) (*DiskStore, error) {
	staging := filepath.Join(root, stagingDirName)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return nil, err
	}
	return &DiskStore{root: root, staging: staging}, nil
}

// Root returns the directory holding promoted files.
func (s *DiskStore) Root() string {
	return s.root
}

// SanitizeName reduces a name to a safe flat storage key: path components are
// dropped, runes outside [A-Za-z0-9_.@+%-] become underscores and leading
// dots are trimmed so a key can never traverse out of the store root.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.Trim(filepath.Base(name), "/")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-', r == '@', r == '+', r == '%':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := strings.TrimLeft(b.String(), ".")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

// Stage writes the reader into the staging area under a random name and
// verifies the artifact is retrievable and non-empty. It returns the staged
// name and the number of bytes written.
func (s *DiskStore) Stage(r io.Reader) (string, int64, error) {
	stagedName := uuid.New().String()
	stagedPath := filepath.Join(s.staging, stagedName)

	f, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, err
	}
	written, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(stagedPath)
		return "", 0, err
	}

	// Read the artifact back rather than trusting the write path.
	info, err := os.Stat(stagedPath)
	if err == nil && info.Size() == 0 {
		err = errors.New("staged file is empty")
	}
	if err == nil {
		var probe *os.File
		probe, err = os.Open(stagedPath)
		if err == nil {
			buf := make([]byte, 1)
			_, err = probe.Read(buf)
			_ = probe.Close()
		}
	}
	if err != nil {
		_ = os.Remove(stagedPath)
		return "", 0, err
	}

	return stagedName, written, nil
}

// Promote moves a staged file into the store root under finalName,
// overwriting any previous file with the same key.
func (s *DiskStore) Promote(stagedName, finalName string) error {
	return os.Rename(
		filepath.Join(s.staging, stagedName),
		filepath.Join(s.root, SanitizeName(finalName)),
	)
}

// DiscardStaged drops a staged file; a missing file is not an error.
func (s *DiskStore) DiscardStaged(stagedName string) error {
	err := os.Remove(filepath.Join(s.staging, stagedName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Save stores the reader under name in one step (stage, verify, promote).
func (s *DiskStore) Save(name string, r io.Reader) (int64, error) {
	stagedName, written, err := s.Stage(r)
	if err != nil {
		return 0, err
	}
	if err := s.Promote(stagedName, name); err != nil {
		_ = s.DiscardStaged(stagedName)
		return 0, err
	}
	return written, nil
}

// Remove deletes a stored file. A file that is already absent is not an
// error; the store treats that as an inconsistency already resolved.
func (s *DiskStore) Remove(name string) error {
	err := os.Remove(filepath.Join(s.root, SanitizeName(name)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Replace stores the new bytes under newName and then removes oldName.
// Store failure is fatal; removal of an already-absent old file is not.
// Writing before removing guarantees a caller never commits a reference to
// bytes that failed to land.
func (s *DiskStore) Replace(oldName, newName string, r io.Reader) (int64, error) {
	written, err := s.Save(newName, r)
	if err != nil {
		return 0, err
	}
	if SanitizeName(oldName) != SanitizeName(newName) {
		if err := s.Remove(oldName); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Open opens a stored file for reading.
func (s *DiskStore) Open(name string) (*os.File, error) {
	return os.Open(filepath.Join(s.root, SanitizeName(name)))
}

// Path returns the on-disk path of a storage key.
func (s *DiskStore) Path(name string) string {
	return filepath.Join(s.root, SanitizeName(name))
}

// Exists reports whether a stored file is present.
func (s *DiskStore) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Size returns the byte size of a stored file.
func (s *DiskStore) Size(name string) (int64, error) {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ModTime returns the modification time of a stored file.
func (s *DiskStore) ModTime(name string) (time.Time, error) {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// List returns the storage keys of all promoted files.
func (s *DiskStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// SweepStaging removes staged files older than the grace period and returns
// how many were removed. Recently staged files are left alone because a
// batch may still be in flight.
func (s *DiskStore) SweepStaging(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.staging, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

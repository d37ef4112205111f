package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNoLatest is returned when an entity has no usable latest pointer.
var ErrNoLatest = errors.New("no latest snapshot")

// LatestRef is the "latest" indirection of an entity directory.
type LatestRef interface {
	// Target returns the snapshot path the pointer refers to, or ErrNoLatest.
	Target(entityDir string) (string, error)
	// Read returns the content of the referenced snapshot, or ErrNoLatest.
	Read(entityDir string) ([]byte, error)
	// Repoint atomically makes the pointer refer to snapshotPath.
	Repoint(entityDir, snapshotPath string) error
}

// NewLatestRef returns the implementation for mode "symlink" or "copy".
func NewLatestRef(mode string) (LatestRef, error) {
	switch mode {
	case "", "symlink":
		return SymlinkRef{}, nil
	case "copy":
		return CopyRef{}, nil
	}
	return nil, fmt.Errorf("unknown latest pointer mode %q (expected symlink or copy)", mode)
}

// SymlinkRef keeps the pointer as a relative symlink "{entity}.json ->
// {entity}/{timestamp}.json". Repointing creates a temporary link and
// renames it over the old one, so readers never see a missing pointer.
type SymlinkRef struct{}

func (SymlinkRef) Target(entityDir string) (string, error) {
	link := LatestPath(entityDir)
	dest, err := os.Readlink(link)
	if err != nil {
		// Missing pointer, or a regular file left by another mode.
		return "", ErrNoLatest
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(link), dest)
	}
	if _, err := os.Stat(dest); err != nil {
		return "", ErrNoLatest
	}
	return dest, nil
}

func (r SymlinkRef) Read(entityDir string) ([]byte, error) {
	target, err := r.Target(entityDir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoLatest
		}
		return nil, err
	}
	return data, nil
}

func (SymlinkRef) Repoint(entityDir, snapshotPath string) error {
	link := LatestPath(entityDir)
	parent := filepath.Dir(link)
	rel, err := filepath.Rel(parent, snapshotPath)
	if err != nil {
		return fmt.Errorf("relative snapshot path: %w", err)
	}

	tmp := filepath.Join(parent, "."+filepath.Base(link)+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(rel, tmp); err != nil {
		return fmt.Errorf("create pointer: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace pointer: %w", err)
	}
	return nil
}

// CopyRef keeps the pointer as a regular file holding a copy of the newest
// snapshot, for filesystems without symlinks. The referenced snapshot is the
// newest file with a timestamp name; other .json files are ignored.
type CopyRef struct{}

func (CopyRef) Target(entityDir string) (string, error) {
	if _, err := os.Stat(LatestPath(entityDir)); err != nil {
		return "", ErrNoLatest
	}
	names, err := ListSnapshots(entityDir)
	if err != nil {
		return "", ErrNoLatest
	}
	for i := len(names) - 1; i >= 0; i-- {
		if _, err := ParseTimestamp(names[i]); err == nil {
			return filepath.Join(entityDir, names[i]), nil
		}
	}
	return "", ErrNoLatest
}

func (CopyRef) Read(entityDir string) ([]byte, error) {
	data, err := os.ReadFile(LatestPath(entityDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoLatest
		}
		return nil, err
	}
	return data, nil
}

func (CopyRef) Repoint(entityDir, snapshotPath string) error {
	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer src.Close()

	link := LatestPath(entityDir)
	tmp, err := os.CreateTemp(filepath.Dir(link), "."+filepath.Base(link)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create pointer: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close pointer: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod pointer: %w", err)
	}
	// os.Rename does not replace a symlink's target, only the link itself.
	if err := os.Rename(tmpName, link); err != nil {
		return fmt.Errorf("replace pointer: %w", err)
	}
	tmpName = ""
	return nil
}

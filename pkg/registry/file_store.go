package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valgresultat/downloader/pkg/entity"
)

const (
	// maxRegistryFileSize is the maximum accepted registry file size (16 MiB).
	maxRegistryFileSize = 16 << 20

	// maxRevisionHistory is the number of previous registry revisions kept.
	maxRevisionHistory = 20

	historyDirName = ".history"
)

var (
	// ErrFileTooLarge is returned when the registry file exceeds maxRegistryFileSize.
	ErrFileTooLarge = errors.New("registry file exceeds maximum allowed size")

	// ErrVersionConflict is returned by Save when the file changed since it was loaded.
	ErrVersionConflict = errors.New("registry file changed since it was loaded")
)

// FileStore persists a Registry as a JSON document. Writes are atomic
// (temp file + fsync + rename) and the previous content is kept under
// .history/ next to the file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a FileStore for path. The file does not need to exist.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the registry file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the registry. A missing file yields an empty registry. A file
// that is not valid registry JSON is logged and also yields an empty
// registry, so discovery rebuilds it. The returned version is the SHA-256 of
// the raw file bytes ("" when the file does not exist).
func (s *FileStore) Load(_ context.Context) (Registry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, version, err := s.readCurrent()
	if err != nil {
		return nil, "", err
	}
	if data == nil {
		return Registry{}, "", nil
	}

	reg, err := Decode(data)
	if err != nil {
		s.logger.Error("invalid JSON in entity registry, starting from an empty registry",
			"path", s.path, "error", err)
		return Registry{}, version, nil
	}
	return reg, version, nil
}

// Save writes reg if the file still has the given version. Pass the version
// returned by Load; "" means the file is expected not to exist.
func (s *FileStore) Save(_ context.Context, reg Registry, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, currentVersion, err := s.readCurrent()
	if err != nil {
		return "", err
	}
	if currentVersion != version {
		return "", ErrVersionConflict
	}

	data, err := Encode(reg)
	if err != nil {
		return "", fmt.Errorf("registry: failed to marshal: %w", err)
	}
	if bytes.Equal(data, current) {
		return currentVersion, nil
	}

	if current != nil {
		if err := s.snapshotCurrent(current, currentVersion); err != nil {
			s.logger.Warn("failed to keep registry revision", "error", err)
		}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return "", err
	}

	if err := s.pruneHistory(); err != nil {
		s.logger.Warn("failed to prune registry history", "error", err)
	}

	return hashBytes(data), nil
}

// MergeAndSave merges discovered into the persisted registry and writes the
// result, retrying when another writer saved in between. It returns the
// merged registry and the number of IDs that were new.
func (s *FileStore) MergeAndSave(ctx context.Context, discovered Registry) (Registry, int, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		persisted, version, err := s.Load(ctx)
		if err != nil {
			return nil, 0, err
		}
		added := persisted.Merge(discovered)
		if _, err := s.Save(ctx, persisted, version); err != nil {
			lastErr = err
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, 0, err
		}
		return persisted, added, nil
	}
	return nil, 0, fmt.Errorf("registry: giving up after %d attempts: %w", maxAttempts, lastErr)
}

// ListRevisions returns the timestamps of kept revisions, newest first.
func (s *FileStore) ListRevisions() ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.historyFiles()
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		tsPart, _, _ := strings.Cut(files[i], "_")
		ts, err := time.Parse(revisionTimeLayout, tsPart)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

// Decode parses registry JSON.
func Decode(data []byte) (Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("registry document is not an object")
	}
	for year, ye := range reg {
		if ye == nil {
			delete(reg, year)
			continue
		}
		for _, tier := range entity.RegistryTiers {
			if slot := ye.slot(tier); *slot == nil {
				*slot = []string{}
			}
		}
	}
	return reg, nil
}

// Encode renders the registry as indented JSON with non-ASCII names kept as is.
func Encode(reg Registry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const revisionTimeLayout = "20060102T150405.000000000"

// readCurrent returns the file content and version, or nil data when the
// file does not exist. Must be called with s.mu held.
func (s *FileStore) readCurrent() ([]byte, string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("registry: failed to stat %s: %w", s.path, err)
	}
	if info.Size() > maxRegistryFileSize {
		return nil, "", fmt.Errorf("registry: %s: %w", s.path, ErrFileTooLarge)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("registry: failed to read %s: %w", s.path, err)
	}
	return data, hashBytes(data), nil
}

func (s *FileStore) historyDir() string {
	return filepath.Join(filepath.Dir(s.path), historyDirName)
}

// snapshotCurrent copies the current content to .history/{time}_{version}.json.
// Must be called with s.mu held.
func (s *FileStore) snapshotCurrent(data []byte, version string) error {
	histDir := s.historyDir()
	if err := os.MkdirAll(histDir, 0o755); err != nil {
		return fmt.Errorf("registry: failed to create history dir: %w", err)
	}

	versionShort := version
	if len(versionShort) > 8 {
		versionShort = versionShort[:8]
	}

	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format(revisionTimeLayout), versionShort)
	if err := os.WriteFile(filepath.Join(histDir, name), data, 0o644); err != nil {
		return fmt.Errorf("registry: failed to write history revision: %w", err)
	}
	return nil
}

// historyFiles returns revision file names sorted oldest first.
func (s *FileStore) historyFiles() ([]string, error) {
	entries, err := os.ReadDir(s.historyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// pruneHistory keeps the newest maxRevisionHistory revisions.
// Must be called with s.mu held.
func (s *FileStore) pruneHistory() error {
	names, err := s.historyFiles()
	if err != nil {
		return err
	}
	if len(names) <= maxRevisionHistory {
		return nil
	}
	for _, name := range names[:len(names)-maxRevisionHistory] {
		if err := os.Remove(filepath.Join(s.historyDir(), name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".entities-*.json.tmp")
	if err != nil {
		return fmt.Errorf("registry: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry: failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry: failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("registry: failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("registry: failed to rename temp file: %w", err)
	}
	tmpName = ""
	return nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/valgresultat/downloader/pkg/cache"
	"github.com/valgresultat/downloader/pkg/entity"
)

// ErrSnapshotExists is returned by Save when a snapshot with the same
// timestamp already exists. Snapshots are never overwritten.
var ErrSnapshotExists = errors.New("snapshot already exists")

// Snapshot is a stored payload.
type Snapshot struct {
	Path string
	Data any
}

// Store reads and writes entity snapshots.
type Store struct {
	layout Layout
	ref    LatestRef
	cache  *cache.LRU[any]
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPayloadCache keeps up to size decoded latest payloads in memory,
// keyed by snapshot path. Snapshots are immutable, so a hit is always exact.
func WithPayloadCache(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.cache = cache.NewLRU[any](size, 24*time.Hour)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a store rooted at root using ref for latest pointers.
func NewStore(root string, ref LatestRef, opts ...Option) *Store {
	if ref == nil {
		ref = SymlinkRef{}
	}
	s := &Store{
		layout: Layout{Root: root},
		ref:    ref,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Layout returns the path layout.
func (s *Store) Layout() Layout {
	return s.layout
}

// Latest returns the payload referenced by the entity's latest pointer, or
// ErrNoLatest when there is none yet.
func (s *Store) Latest(year string, tier entity.Tier, entityID string) (*Snapshot, error) {
	dir := s.layout.EntityDir(year, tier, entityID)

	target, err := s.ref.Target(dir)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(target); ok {
			return &Snapshot{Path: target, Data: data}, nil
		}
	}

	raw, err := s.ref.Read(dir)
	if err != nil {
		return nil, err
	}
	data, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode latest snapshot %s: %w", target, err)
	}
	if s.cache != nil {
		s.cache.Set(target, data)
	}
	return &Snapshot{Path: target, Data: data}, nil
}

// Save writes raw as the snapshot for time at and repoints the latest
// pointer to it. The snapshot file appears atomically and is never
// overwritten; a name collision returns ErrSnapshotExists and leaves the
// pointer untouched. data is the decoded form of raw, used to seed the cache.
func (s *Store) Save(year string, tier entity.Tier, entityID string, raw []byte, data any, at time.Time) (string, error) {
	dir := s.layout.EntityDir(year, tier, entityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create entity dir: %w", err)
	}

	content, err := indent(raw)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, FormatTimestamp(at)+snapshotExt)
	if err := createExclusive(path, content); err != nil {
		return "", err
	}

	if err := s.ref.Repoint(dir, path); err != nil {
		return path, fmt.Errorf("repoint latest for %s: %w", s.layout.Key(dir), err)
	}
	if s.cache != nil && data != nil {
		s.cache.Set(path, data)
	}
	return path, nil
}

// ListSnapshots returns the snapshot file names of an entity directory
// sorted ascending. The latest pointer and temporary files are excluded.
// A missing directory yields no names.
func ListSnapshots(entityDir string) ([]string, error) {
	entries, err := os.ReadDir(entityDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	pointer := filepath.Base(LatestPath(entityDir))
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) || name == pointer {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Decode parses a JSON payload keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func indent(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// createExclusive writes content to a temp file and hard-links it into
// place, which fails if path exists. Filesystems without hard links fall
// back to an O_EXCL create.
func createExclusive(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}

	err = os.Link(tmpName, path)
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, path)
	}

	f, ferr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if ferr != nil {
		if os.IsExist(ferr) {
			return fmt.Errorf("%w: %s", ErrSnapshotExists, path)
		}
		return fmt.Errorf("create snapshot: %w", ferr)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return nil
}

// Package snapshot implements the on-disk snapshot store:
//
//	{root}/{year}/{tier-dir}/{entity}/{YYYY-MM-DD__HHMM}.json   snapshots (UTC)
//	{root}/{year}/{tier-dir}/{entity}.json                      latest pointer
//
// Districts live under kommune/krets so that the writer and the retention
// sweep agree on one layout.
package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valgresultat/downloader/pkg/entity"
)

// TimestampLayout is the fixed-width, lexicographically sortable snapshot name.
const TimestampLayout = "2006-01-02__1504"

const snapshotExt = ".json"

// FormatTimestamp renders t in UTC as a snapshot file stem. UTC names sort in
// write order across DST changes.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a snapshot file name (with or without .json) as UTC.
func ParseTimestamp(name string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, strings.TrimSuffix(name, snapshotExt), time.UTC)
}

// Layout maps entities to paths under a store root.
type Layout struct {
	Root string
}

// YearDir returns {root}/{year}.
func (l Layout) YearDir(year string) string {
	return filepath.Join(l.Root, year)
}

// TierDir returns the directory holding entity directories of a tier.
func (l Layout) TierDir(year string, tier entity.Tier) string {
	return filepath.Join(l.YearDir(year), TierPath(tier))
}

// EntityDir returns the directory holding an entity's snapshots.
func (l Layout) EntityDir(year string, tier entity.Tier, entityID string) string {
	if tier == entity.TierNational {
		entityID = entity.NationalID
	}
	return filepath.Join(l.TierDir(year, tier), entityID)
}

// LatestPath returns the latest pointer path of an entity directory.
func LatestPath(entityDir string) string {
	return filepath.Clean(entityDir) + snapshotExt
}

// Key returns the entity directory relative to the root, with forward
// slashes. It identifies the entity for locking and logging.
func (l Layout) Key(entityDir string) string {
	rel, err := filepath.Rel(l.Root, entityDir)
	if err != nil {
		return filepath.ToSlash(entityDir)
	}
	return filepath.ToSlash(rel)
}

// TierPath returns the tier directory relative to a year directory.
func TierPath(tier entity.Tier) string {
	if tier == entity.TierDistrict {
		return filepath.Join(string(entity.TierMunicipality), string(entity.TierDistrict))
	}
	return string(tier)
}

// EnsureYearDirs creates the tier directories of a year.
func (l Layout) EnsureYearDirs(year string) error {
	dirs := []string{
		l.EntityDir(year, entity.TierNational, entity.NationalID),
		l.TierDir(year, entity.TierRegion),
		l.TierDir(year, entity.TierMunicipality),
		l.TierDir(year, entity.TierDistrict),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

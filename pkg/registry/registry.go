// Package registry holds the per-year set of discovered entity IDs and the
// JSON file it is persisted in.
package registry

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/valgresultat/downloader/pkg/entity"
)

// YearEntities lists discovered entity IDs per tier for one election year.
// Order is discovery order.
type YearEntities struct {
	Fylke   []string `json:"fylke"`
	Kommune []string `json:"kommune"`
	Krets   []string `json:"krets"`
}

// Registry maps an election year to its discovered entities.
type Registry map[string]*YearEntities

// IDs returns the IDs of a tier for a year. The national tier always yields
// the single national entity.
func (r Registry) IDs(year string, tier entity.Tier) []string {
	if tier == entity.TierNational {
		return []string{entity.NationalID}
	}
	ye, ok := r[year]
	if !ok || ye == nil {
		return nil
	}
	slot := ye.slot(tier)
	if slot == nil {
		return nil
	}
	return *slot
}

// Add appends id to the tier list of a year if it is not already present.
// It reports whether the ID was added.
func (r Registry) Add(year string, tier entity.Tier, id string) bool {
	ye := r.year(year)
	slot := ye.slot(tier)
	if slot == nil {
		return false
	}
	for _, existing := range *slot {
		if existing == id {
			return false
		}
	}
	*slot = append(*slot, id)
	return true
}

// Contains reports whether id is registered for the year and tier.
func (r Registry) Contains(year string, tier entity.Tier, id string) bool {
	for _, existing := range r.IDs(year, tier) {
		if existing == id {
			return true
		}
	}
	return false
}

// Merge appends every ID of other that r does not know yet, preserving the
// order of both. Existing IDs are never removed or reordered.
func (r Registry) Merge(other Registry) (added int) {
	for _, year := range other.Years() {
		r.year(year)
		for _, tier := range entity.RegistryTiers {
			known := mapset.NewThreadUnsafeSet(r.IDs(year, tier)...)
			for _, id := range other.IDs(year, tier) {
				if known.Add(id) {
					slot := r.year(year).slot(tier)
					*slot = append(*slot, id)
					added++
				}
			}
		}
	}
	return added
}

// Clone returns a deep copy.
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for year, ye := range r {
		if ye == nil {
			continue
		}
		out[year] = &YearEntities{
			Fylke:   append([]string{}, ye.Fylke...),
			Kommune: append([]string{}, ye.Kommune...),
			Krets:   append([]string{}, ye.Krets...),
		}
	}
	return out
}

// Years returns the registered years in ascending order.
func (r Registry) Years() []string {
	years := make([]string, 0, len(r))
	for y := range r {
		years = append(years, y)
	}
	sort.Strings(years)
	return years
}

// Count returns the number of IDs for a tier across all years.
func (r Registry) Count(tier entity.Tier) int {
	n := 0
	for y := range r {
		n += len(r.IDs(y, tier))
	}
	return n
}

// Empty reports whether no IDs are registered at all.
func (r Registry) Empty() bool {
	for _, tier := range entity.RegistryTiers {
		if r.Count(tier) > 0 {
			return false
		}
	}
	return true
}

func (r Registry) year(year string) *YearEntities {
	ye, ok := r[year]
	if !ok || ye == nil {
		ye = &YearEntities{Fylke: []string{}, Kommune: []string{}, Krets: []string{}}
		r[year] = ye
	}
	return ye
}

func (ye *YearEntities) slot(tier entity.Tier) *[]string {
	switch tier {
	case entity.TierRegion:
		return &ye.Fylke
	case entity.TierMunicipality:
		return &ye.Kommune
	case entity.TierDistrict:
		return &ye.Krets
	}
	return nil
}

// Package entity defines the reporting hierarchy of the election results API
// and the identifier scheme shared by discovery, monitoring and retention.
//
// An entity ID has the form {tier}-{code}-...-{slug}, for example
// "kommune-03-0301-oslo". The numeric code path is authoritative; the slug is
// a cosmetic, URL-safe rendering of the upstream name.
package entity

import "fmt"

// Tier is one level of the reporting hierarchy.
type Tier string

const (
	TierNational     Tier = "nasjonalt"
	TierRegion       Tier = "fylke"
	TierMunicipality Tier = "kommune"
	TierDistrict     Tier = "krets"
)

// NationalID is the fixed entity name used for the single national entity.
const NationalID = "norge"

// Tiers lists every tier in processing order.
var Tiers = []Tier{TierNational, TierRegion, TierMunicipality, TierDistrict}

// RegistryTiers lists the tiers whose entities are discovered and persisted
// in the registry. The national entity is implicit.
var RegistryTiers = []Tier{TierRegion, TierMunicipality, TierDistrict}

// Depth returns the number of numeric codes in the tier's code path.
func (t Tier) Depth() int {
	switch t {
	case TierRegion:
		return 1
	case TierMunicipality:
		return 2
	case TierDistrict:
		return 3
	}
	return 0
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierNational, TierRegion, TierMunicipality, TierDistrict:
		return true
	}
	return false
}

func (t Tier) String() string { return string(t) }

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

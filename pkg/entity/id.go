package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidID is returned when an entity ID cannot be built or parsed.
var ErrInvalidID = errors.New("invalid entity id")

// ID is the composite identity of a non-national entity.
type ID struct {
	Tier  Tier
	Codes []string // code path, outermost first
	Slug  string
}

// NewID builds an ID from the tier, the raw upstream name and the code path.
// The name is normalized into the slug.
func NewID(tier Tier, name string, codes ...string) (ID, error) {
	if tier.Depth() == 0 {
		return ID{}, fmt.Errorf("%w: tier %q has no code path", ErrInvalidID, tier)
	}
	if len(codes) != tier.Depth() {
		return ID{}, fmt.Errorf("%w: tier %s needs %d codes, got %d", ErrInvalidID, tier, tier.Depth(), len(codes))
	}
	for _, c := range codes {
		if err := validateCode(c); err != nil {
			return ID{}, err
		}
	}
	return ID{
		Tier:  tier,
		Codes: append([]string(nil), codes...),
		Slug:  NormalizeName(name),
	}, nil
}

// ParseID splits an ID string into tier, code path and slug. Only the code
// path is meaningful; the slug is whatever follows the last code.
func ParseID(s string) (ID, error) {
	head, rest, ok := strings.Cut(s, "-")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	tier, err := ParseTier(head)
	if err != nil || tier.Depth() == 0 {
		return ID{}, fmt.Errorf("%w: %q has no entity tier prefix", ErrInvalidID, s)
	}

	// The slug is mandatory as a segment but may itself be empty.
	parts := strings.SplitN(rest, "-", tier.Depth()+1)
	if len(parts) != tier.Depth()+1 {
		return ID{}, fmt.Errorf("%w: %q is missing code path segments", ErrInvalidID, s)
	}
	codes := parts[:tier.Depth()]
	for _, c := range codes {
		if err := validateCode(c); err != nil {
			return ID{}, fmt.Errorf("%w (in %q)", err, s)
		}
	}

	return ID{Tier: tier, Codes: codes, Slug: parts[tier.Depth()]}, nil
}

// String renders the canonical ID, e.g. "kommune-03-0301-oslo".
func (id ID) String() string {
	var b strings.Builder
	b.WriteString(string(id.Tier))
	for _, c := range id.Codes {
		b.WriteByte('-')
		b.WriteString(c)
	}
	b.WriteByte('-')
	b.WriteString(id.Slug)
	return b.String()
}

// CodePath returns the dash-joined code path without tier or slug.
func (id ID) CodePath() string {
	return strings.Join(id.Codes, "-")
}

func validateCode(c string) error {
	if c == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidID)
	}
	if strings.ContainsAny(c, "-/ ") {
		return fmt.Errorf("%w: code %q contains a separator", ErrInvalidID, c)
	}
	return nil
}

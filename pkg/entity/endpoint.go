package entity

import (
	"fmt"
	"strings"
)

// Endpoint returns the upstream API path for an entity of the given tier.
// For the national tier entityID is ignored. Only the code path of the ID is
// used; the slug never reaches the URL.
//
//	nasjonalt  /{year}/st
//	fylke      /{year}/st/{fylke}
//	kommune    /{year}/st/{fylke}/{kommune}
//	krets      /{year}/st/{fylke}/{kommune}/{krets}
func Endpoint(tier Tier, year, entityID string) (string, error) {
	base := "/" + year + "/st"
	if tier == TierNational {
		return base, nil
	}

	id, err := ParseID(entityID)
	if err != nil {
		return "", err
	}
	if id.Tier != tier {
		return "", fmt.Errorf("%w: %q is not a %s id", ErrInvalidID, entityID, tier)
	}
	return base + "/" + strings.Join(id.Codes, "/"), nil
}

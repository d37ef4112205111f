package snapshot

import (
	"github.com/google/go-cmp/cmp"
)

// HasMeaningfulChanges reports whether two decoded payloads differ. The
// comparison is structural: object key order is irrelevant and every field
// takes part, including upstream generation timestamps such as "tidspunkt".
func HasMeaningfulChanges(previous, current any) bool {
	return !cmp.Equal(previous, current)
}

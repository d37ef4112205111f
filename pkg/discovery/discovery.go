// Package discovery walks the upstream link hierarchy and collects the IDs of
// every region, municipality and district of an election year.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/registry"
	"github.com/valgresultat/downloader/pkg/upstream"
)

// Status tags the outcome of a discovery pass.
type Status string

const (
	// StatusComplete means every fetched endpoint answered.
	StatusComplete Status = "complete"
	// StatusPartial means some subtrees or years were skipped.
	StatusPartial Status = "partial"
	// StatusFailed means no year could be walked at all.
	StatusFailed Status = "failed"
)

// Failure records one endpoint whose subtree was skipped.
type Failure struct {
	Year string
	Tier entity.Tier // tier of the entity whose endpoint failed
	Path string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s %s: %v", f.Year, f.Tier, f.Path, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Result is the outcome of Discover.
type Result struct {
	Status Status
	// Registry is the known registry with every newly discovered ID appended.
	Registry registry.Registry
	// Added counts IDs that were not in the known registry.
	Added int
	// Skipped counts malformed descriptors.
	Skipped  int
	Failures []Failure
}

// Err joins the failures into one error, or returns nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Observer is notified about discovery progress. It is satisfied by
// *metrics.Metrics.
type Observer interface {
	ObserveFetch(tier entity.Tier, err error)
	ObserveDiscovered(tier entity.Tier, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(entity.Tier, error)    {}
func (nopObserver) ObserveDiscovered(entity.Tier, int) {}

// Discoverer walks the hierarchy through a Fetcher.
type Discoverer struct {
	fetcher  upstream.Fetcher
	logger   *slog.Logger
	observer Observer
}

// NewDiscoverer creates a Discoverer. observer may be nil.
func NewDiscoverer(fetcher upstream.Fetcher, observer Observer, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Discoverer{fetcher: fetcher, logger: logger, observer: observer}
}

// node is a pending endpoint in the traversal. codes is the code path of the
// entity the endpoint belongs to; its children extend it by one code.
type node struct {
	tier  entity.Tier
	path  string
	codes []string
}

// Discover walks every year and returns the known registry extended with new
// IDs. Known IDs are not expanded again, so their subtrees are only fetched
// the first time they are seen. Discover never fails; fetch errors skip the
// affected subtree and are reported in Result.Failures.
func (d *Discoverer) Discover(ctx context.Context, years []string, known registry.Registry) *Result {
	res := &Result{Registry: known.Clone()}
	if res.Registry == nil {
		res.Registry = registry.Registry{}
	}

	walked := 0
	for _, year := range years {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{Year: year, Tier: entity.TierNational, Err: ctx.Err()})
			continue
		}
		if d.discoverYear(ctx, year, res) {
			walked++
		}
	}

	switch {
	case len(years) > 0 && walked == 0:
		res.Status = StatusFailed
	case len(res.Failures) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusComplete
	}
	return res
}

// discoverYear walks one year depth first with an explicit stack. It reports
// false when the national endpoint failed.
func (d *Discoverer) discoverYear(ctx context.Context, year string, res *Result) bool {
	logger := d.logger.With("year", year)
	logger.Info("discovering entities")

	seen := map[entity.Tier]mapset.Set[string]{}
	for _, t := range entity.RegistryTiers {
		seen[t] = mapset.NewThreadUnsafeSet(res.Registry.IDs(year, t)...)
	}
	added := map[entity.Tier]int{}

	stack := []node{{tier: entity.TierNational, path: "/" + year + "/st"}}
	topLevelOK := true
	for len(stack) > 0 {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{Year: year, Tier: stack[len(stack)-1].tier, Err: ctx.Err()})
			break
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		doc, err := d.fetcher.Get(ctx, n.path)
		d.observer.ObserveFetch(n.tier, err)
		if err != nil {
			logger.Warn("skipping subtree", "tier", n.tier, "path", n.path, "error", err)
			res.Failures = append(res.Failures, Failure{Year: year, Tier: n.tier, Path: n.path, Err: err})
			if n.tier == entity.TierNational {
				topLevelOK = false
			}
			continue
		}

		childTier := childOf(n.tier)
		var children []node
		for i, link := range doc.Related {
			id, err := childID(childTier, n.codes, link)
			if err != nil {
				logger.Error("skipping malformed entity descriptor", "tier", childTier, "path", n.path, "index", i, "error", err)
				res.Skipped++
				continue
			}
			key := id.String()
			if seen[childTier].Contains(key) {
				continue
			}
			seen[childTier].Add(key)
			res.Registry.Add(year, childTier, key)
			added[childTier]++
			res.Added++

			if !expands(childTier, link) {
				continue
			}
			children = append(children, node{tier: childTier, path: childPath(year, id, link), codes: id.Codes})
		}
		// Reverse so the first child is popped first.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	for _, t := range entity.RegistryTiers {
		d.observer.ObserveDiscovered(t, added[t])
	}
	logger.Info("discovery finished",
		"fylke", added[entity.TierRegion],
		"kommune", added[entity.TierMunicipality],
		"krets", added[entity.TierDistrict],
	)
	return topLevelOK
}

func childOf(t entity.Tier) entity.Tier {
	switch t {
	case entity.TierNational:
		return entity.TierRegion
	case entity.TierRegion:
		return entity.TierMunicipality
	}
	return entity.TierDistrict
}

// expands reports whether the child's own endpoint lists further entities.
// Regions always do; municipalities only when flagged; districts never.
func expands(t entity.Tier, link upstream.Link) bool {
	switch t {
	case entity.TierRegion:
		return true
	case entity.TierMunicipality:
		return link.HarUnderordnet
	}
	return false
}

func childID(t entity.Tier, parentCodes []string, link upstream.Link) (entity.ID, error) {
	if link.Nr == "" {
		return entity.ID{}, fmt.Errorf("%w: descriptor has no nr", entity.ErrInvalidID)
	}
	if link.HrefNavn == "" {
		return entity.ID{}, fmt.Errorf("%w: descriptor %s has no hrefNavn", entity.ErrInvalidID, link.Nr)
	}
	codes := append(append([]string(nil), parentCodes...), string(link.Nr))
	return entity.NewID(t, entity.NameFromHref(link.HrefNavn), codes...)
}

// childPath prefers the upstream href and falls back to the code path.
func childPath(year string, id entity.ID, link upstream.Link) string {
	if link.Href != "" {
		if strings.HasPrefix(link.Href, "/") {
			return link.Href
		}
		return "/" + link.Href
	}
	path, err := entity.Endpoint(id.Tier, year, id.String())
	if err != nil {
		return "/" + year + "/st/" + strings.Join(id.Codes, "/")
	}
	return path
}

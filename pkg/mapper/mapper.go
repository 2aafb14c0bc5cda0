// Package mapper maintains the source-to-target identifier mapping for one
// migration session. IDs are primed in bulk from the profile's SPARQL mapping
// templates and resolved on demand afterwards; property datatypes on both
// sides back the conflict resolution and the translator's mismatch checks.
package mapper

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/model"
	"wbmigrate/pkg/sparql"
)

// Side selects one of the two endpoints for property-type lookups.
type Side string

const (
	SideSource Side = "source"
	SideTarget Side = "target"
)

const propertyTypeQuery = `PREFIX rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#>
PREFIX wikibase: <http://wikiba.se/ontology#>
SELECT ?p ?type WHERE {
  VALUES ?p { $property_ids }
  ?p rdf:type wikibase:Property ;
     wikibase:propertyType ?type .
}`

// Pair is one raw (source, target) row from a mapping query, before
// conflict resolution.
type Pair struct {
	Source string
	Target string
}

// Cache holds the mapping state for a session. An entry in mappings with an
// empty target means queried-and-unmapped; an absent key was never queried.
// All state changes of one prime batch commit under the same mutex.
type Cache struct {
	profile *config.Profile
	source  *sparql.Client
	target  *sparql.Client
	mapping *sparql.Client
	Logger  *slog.Logger

	mu          sync.RWMutex
	mappings    map[string]string
	sourceTypes map[string]model.Datatype
	targetTypes map[string]model.Datatype
	raw         mapset.Set[Pair]

	flight singleflight.Group
}

// New creates a mapping cache. The mapping queries run on whichever side the
// profile declares as the mapping host.
func New(p *config.Profile, source, target *sparql.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	mapping := source
	if p.Mapping.LocationOfMapping == config.MappingOnTarget {
		mapping = target
	}
	return &Cache{
		profile:     p,
		source:      source,
		target:      target,
		mapping:     mapping,
		Logger:      logger,
		mappings:    make(map[string]string),
		sourceTypes: make(map[string]model.Datatype),
		targetTypes: make(map[string]model.Datatype),
		raw:         mapset.NewThreadUnsafeSet[Pair](),
	}
}

// Prepare primes the cache for a set of IDs. It is idempotent: IDs already
// queried are skipped, and the remainder is marked unmapped before the
// queries go out, so a repeat call issues nothing. Query failures leave the
// affected IDs unmapped; only cancellation aborts.
func (c *Cache) Prepare(ctx context.Context, ids []string) error {
	c.mu.Lock()
	var missing []string
	for _, id := range ids {
		if _, ok := c.mappings[id]; ok {
			continue
		}
		c.mappings[id] = ""
		missing = append(missing, id)
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}
	c.Logger.Debug("Priming mappings", "new", len(missing), "cached", len(ids)-len(missing))

	var pids, qids []string
	for _, id := range missing {
		if strings.HasPrefix(id, "P") {
			pids = append(pids, id)
		} else {
			qids = append(qids, id)
		}
	}

	queries := []struct {
		kind     string
		ids      []string
		template string
	}{
		{"property", pids, c.profile.Mapping.PropertyMappingQuery},
		{"item", qids, c.profile.Mapping.ItemMappingQuery},
	}
	var pairs []Pair
	for _, q := range queries {
		if len(q.ids) == 0 {
			continue
		}
		values := make([]string, len(q.ids))
		for i, id := range q.ids {
			values[i] = sparql.Literal(id)
		}
		rows, err := c.mapping.SelectChunked(ctx, q.template, config.ValuesPlaceholder, values, sparql.DefaultChunkSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Logger.Warn("Mapping query failed, IDs stay unmapped", "kind", q.kind, "ids", len(q.ids), "error", err)
			continue
		}
		for _, row := range rows {
			src := c.trimEntity(row.Get("source_item"))
			tgt := c.trimEntity(row.Get("target_item"))
			if !model.IsEntityID(src) || !model.IsEntityID(tgt) {
				c.Logger.Debug("Skipping malformed mapping row", "source", row.Get("source_item"), "target", row.Get("target_item"))
				continue
			}
			pairs = append(pairs, Pair{Source: src, Target: tgt})
		}
	}

	c.mu.Lock()
	for _, pair := range pairs {
		c.raw.Add(pair)
	}
	c.mu.Unlock()

	// Conflict resolution prefers datatype-equal targets, so types load first.
	if err := c.WarmPropertyTypes(ctx); err != nil {
		return err
	}
	c.resolveConflicts()
	return nil
}

// Resolve returns the target ID for a source ID, demand-priming when the ID
// was never queried. The bool reports whether a mapping exists.
func (c *Cache) Resolve(ctx context.Context, id string) (string, bool) {
	c.mu.RLock()
	target, ok := c.mappings[id]
	c.mu.RUnlock()
	if ok {
		return target, target != ""
	}

	// Concurrent demands for the same ID collapse into one prime.
	_, _, _ = c.flight.Do(id, func() (any, error) {
		return nil, c.Prepare(ctx, []string{id})
	})

	c.mu.RLock()
	target = c.mappings[id]
	c.mu.RUnlock()
	return target, target != ""
}

// PropertyType returns the cached datatype of a property on one side.
func (c *Cache) PropertyType(side Side, pid string) (model.Datatype, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var dt model.Datatype
	var ok bool
	if side == SideSource {
		dt, ok = c.sourceTypes[pid]
	} else {
		dt, ok = c.targetTypes[pid]
	}
	return dt, ok
}

// WarmPropertyTypes loads the datatypes of every property seen in raw
// mapping rows, source and target side in parallel. Already-cached
// properties are not re-queried.
func (c *Cache) WarmPropertyTypes(ctx context.Context) error {
	c.mu.RLock()
	var srcNeeded, tgtNeeded []string
	c.raw.Each(func(pair Pair) bool {
		if strings.HasPrefix(pair.Source, "P") {
			if _, ok := c.sourceTypes[pair.Source]; !ok {
				srcNeeded = append(srcNeeded, pair.Source)
			}
		}
		if strings.HasPrefix(pair.Target, "P") {
			if _, ok := c.targetTypes[pair.Target]; !ok {
				tgtNeeded = append(tgtNeeded, pair.Target)
			}
		}
		return false
	})
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.warmSide(ctx, SideSource, dedupe(srcNeeded)) })
	g.Go(func() error { return c.warmSide(ctx, SideTarget, dedupe(tgtNeeded)) })
	return g.Wait()
}

func (c *Cache) warmSide(ctx context.Context, side Side, pids []string) error {
	if len(pids) == 0 {
		return nil
	}
	client, prefix := c.source, c.profile.Source.ItemPrefix
	if side == SideTarget {
		client, prefix = c.target, c.profile.Target.ItemPrefix
	}

	values := make([]string, len(pids))
	for i, pid := range pids {
		values[i] = sparql.IRI(prefix + pid)
	}
	rows, err := client.SelectChunked(ctx, propertyTypeQuery, "property_ids", values, sparql.DefaultChunkSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Logger.Warn("Property type query failed", "side", side, "properties", len(pids), "error", err)
		return nil
	}

	parsed := make(map[string]model.Datatype, len(rows))
	for _, row := range rows {
		pid := strings.TrimPrefix(row.Get("p"), prefix)
		if !model.IsEntityID(pid) {
			continue
		}
		dt, err := model.ParseOntologyDatatype(row.Get("type"))
		if err != nil {
			c.Logger.Debug("Unrecognized property type", "side", side, "property", pid, "type", row.Get("type"))
			continue
		}
		parsed[pid] = dt
	}

	c.mu.Lock()
	types := c.sourceTypes
	if side == SideTarget {
		types = c.targetTypes
	}
	for pid, dt := range parsed {
		types[pid] = dt
	}
	c.mu.Unlock()
	c.Logger.Debug("Property types loaded", "side", side, "count", len(parsed))
	return nil
}

// resolveConflicts collapses raw pairs into the mapping table. A source with
// several targets picks deterministically: properties prefer a target of
// equal datatype, otherwise the numerically smallest target ID wins.
func (c *Cache) resolveConflicts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	grouped := make(map[string][]string)
	c.raw.Each(func(pair Pair) bool {
		grouped[pair.Source] = append(grouped[pair.Source], pair.Target)
		return false
	})
	for source, targets := range grouped {
		slices.SortFunc(targets, model.CompareIDs)
		targets = slices.Compact(targets)
		chosen := targets[0]
		if len(targets) > 1 && strings.HasPrefix(source, "P") {
			if srcType, ok := c.sourceTypes[source]; ok {
				for _, cand := range targets {
					if tgtType, ok := c.targetTypes[cand]; ok && tgtType == srcType {
						chosen = cand
						break
					}
				}
			}
		}
		if len(targets) > 1 {
			c.Logger.Debug("Multiple mappings resolved", "source", source, "candidates", targets, "chosen", chosen)
		}
		c.mappings[source] = chosen
	}
}

// Known returns a copy of all resolved mappings.
func (c *Cache) Known() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string)
	for source, target := range c.mappings {
		if target != "" {
			out[source] = target
		}
	}
	return out
}

// Unmapped returns the sorted IDs that were queried and found no target.
func (c *Cache) Unmapped() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for source, target := range c.mappings {
		if target == "" {
			out = append(out, source)
		}
	}
	slices.SortFunc(out, model.CompareIDs)
	return out
}

// trimEntity strips either endpoint's entity prefix so mapping queries may
// bind full IRIs or bare IDs.
func (c *Cache) trimEntity(v string) string {
	v = strings.TrimPrefix(v, c.profile.Source.ItemPrefix)
	v = strings.TrimPrefix(v, c.profile.Target.ItemPrefix)
	return v
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Package migrator drives a migration session end to end: fetch the source
// entities, prime the mapping cache with everything they reach, translate,
// merge into already-mapped target entities, and write the results back. A
// failure on one entity never aborts the batch; it lands on that entity's
// result.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/mapper"
	"wbmigrate/pkg/merger"
	"wbmigrate/pkg/model"
	"wbmigrate/pkg/tracker"
	"wbmigrate/pkg/translator"
	"wbmigrate/pkg/wikibase"
)

// MaxParallelWrites bounds concurrent wbeditentity calls.
const MaxParallelWrites = 10

// Options configures one Migrate run.
type Options struct {
	// Summary is the edit summary applied to every write.
	Summary string
	// SkipExisting drops source entities that already map to a target
	// entity instead of merging into them.
	SkipExisting bool
	// OnEntity, when set, is called after each entity's write completes,
	// successfully or not. Calls arrive in completion order, from the
	// writing goroutine.
	OnEntity func(*translator.Result)
}

// Migrator copies entities from one Wikibase to another through the mapping
// cache shared by all entities of a session.
type Migrator struct {
	profile *config.Profile
	source  *wikibase.Client
	target  *wikibase.Client
	mapping *mapper.Cache
	merger  *merger.Merger
	Logger  *slog.Logger
	// Tracker feeds the end-of-run report. Never nil; replace it to share
	// counters with the HTTP layer.
	Tracker *tracker.Tracker
}

func New(p *config.Profile, source, target *wikibase.Client, mapping *mapper.Cache, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	m := merger.New(merger.Keep)
	m.Logger = logger
	return &Migrator{
		profile: p,
		source:  source,
		target:  target,
		mapping: mapping,
		merger:  m,
		Logger:  logger,
		Tracker: tracker.New(),
	}
}

// Migrate copies the given source entities end to end. The returned batch
// holds one result per found entity; per-entity failures are recorded there,
// and only batch-level failures (login, source fetch, cancellation) return
// an error. A partial batch is returned alongside such an error when
// translation had already begun.
func (m *Migrator) Migrate(ctx context.Context, ids []string, opts Options) (*translator.Batch, error) {
	batch, err := m.Translate(ctx, ids, opts)
	if err != nil {
		return batch, err
	}
	if err := m.Write(ctx, batch, opts); err != nil {
		return batch, err
	}
	return batch, nil
}

// Translate runs the read half of a migration: log in, fetch and dedupe the
// sources, prime the mapping cache with everything they reach, and translate
// each entity. The returned batch is ready for Write; a front end can show
// its mappings for confirmation first.
func (m *Migrator) Translate(ctx context.Context, ids []string, opts Options) (*translator.Batch, error) {
	if err := m.source.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in to %s: %w", m.source.Name(), err)
	}
	if err := m.target.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in to %s: %w", m.target.Name(), err)
	}

	entities, err := m.source.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source entities: %w", err)
	}
	// Keep request order; redirects and repeated IDs collapse onto the
	// canonical entity.
	var sources []*model.Entity
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		e, ok := entities[id]
		if !ok {
			m.Logger.Warn("Source entity not found, skipping", "id", id)
			continue
		}
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		sources = append(sources, e)
	}
	m.Logger.Info("Fetched source entities", "requested", len(ids), "found", len(sources))
	m.Tracker.TrackEntityRead(len(sources))

	harvest := mapset.NewThreadUnsafeSet[string]()
	for _, e := range sources {
		harvest = harvest.Union(translator.Harvest(e))
	}
	reachable := harvest.ToSlice()
	slices.SortFunc(reachable, model.CompareIDs)
	if err := m.mapping.Prepare(ctx, reachable); err != nil {
		return nil, fmt.Errorf("failed to prime mappings: %w", err)
	}
	m.Logger.Info("Primed mapping cache", "reachable", len(reachable), "mapped", len(m.mapping.Known()))

	if opts.SkipExisting {
		kept := sources[:0]
		for _, e := range sources {
			if target, ok := m.mapping.Resolve(ctx, e.ID); ok {
				m.Logger.Info("Skipping already-mapped entity", "id", e.ID, "target", target)
				continue
			}
			kept = append(kept, e)
		}
		sources = kept
	}

	if err := m.resolveLanguages(ctx); err != nil {
		return nil, fmt.Errorf("failed to load target languages: %w", err)
	}
	tr := translator.New(m.profile, m.mapping, m.Logger)

	batch := translator.NewBatch()
	for _, e := range sources {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		res, err := tr.Translate(ctx, e)
		if err != nil {
			m.Logger.Error("Translation failed", "id", e.ID, "error", err)
			m.Tracker.TrackEntityFailed()
		}
		batch.Add(res)
	}

	return batch, nil
}

// Write runs the write half on a translated batch: fold each entity into its
// already-mapped target, then send everything with bounded parallelism.
// Per-entity write failures land on the results; only the merge prefetch can
// fail the call.
func (m *Migrator) Write(ctx context.Context, batch *translator.Batch, opts Options) error {
	if err := m.mergeExisting(ctx, batch); err != nil {
		return err
	}
	m.writeBatch(ctx, batch, opts)
	return nil
}

// resolveLanguages fills a nil language allow-list with every language the
// target accepts for terms. The profile memoizes the answer for the session.
func (m *Migrator) resolveLanguages(ctx context.Context) error {
	if m.profile.Mapping.Languages != nil {
		return nil
	}
	languages, err := m.target.SupportedLanguages(ctx)
	if err != nil {
		return err
	}
	codes := make([]string, 0, len(languages))
	for code := range languages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	m.profile.Mapping.Languages = codes
	m.Logger.Info("Loaded target term languages", "count", len(codes))
	return nil
}

// mergeExisting folds each rewritten entity into its already-mapped target
// entity, when there is one. The merged entity replaces Rewritten, so the
// write updates in place.
func (m *Migrator) mergeExisting(ctx context.Context, batch *translator.Batch) error {
	bySource := make(map[string]string)
	var targetIDs []string
	for _, id := range batch.SourceIDs() {
		res := batch.Get(id)
		if res.Rewritten == nil {
			continue
		}
		if target, ok := m.mapping.Resolve(ctx, id); ok {
			bySource[id] = target
			targetIDs = append(targetIDs, target)
		}
	}
	if len(targetIDs) == 0 {
		return nil
	}

	existing, err := m.target.GetEntities(ctx, targetIDs)
	if err != nil {
		return fmt.Errorf("failed to fetch existing target entities: %w", err)
	}
	for _, id := range batch.SourceIDs() {
		target, ok := bySource[id]
		if !ok {
			continue
		}
		res := batch.Get(id)
		current, ok := existing[target]
		if !ok {
			// Stale mapping: the write goes out as an update anyway and
			// its failure lands on the result.
			m.Logger.Warn("Mapped target entity not found", "source", id, "target", target)
			continue
		}
		m.merge(res, current)
	}
	return nil
}

// merge folds one rewritten entity into the existing target entity. A
// panicking merge is recorded on the result instead of taking the batch
// down.
func (m *Migrator) merge(res *translator.Result, existing *model.Entity) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("Merge failed", "source", res.Original.ID, "target", existing.ID, "panic", r)
			res.Errorf("merge into %s failed: %v", existing.ID, r)
		}
	}()
	res.Rewritten = m.merger.Merge(res.Rewritten, existing)
	m.Logger.Debug("Merged into existing entity", "source", res.Original.ID, "target", existing.ID)
}

// writeBatch sends every translated entity to the target, at most
// MaxParallelWrites in flight. Write failures append to the entity's errors;
// successes fill Created with the server's echo.
func (m *Migrator) writeBatch(ctx context.Context, batch *translator.Batch, opts Options) {
	var g errgroup.Group
	g.SetLimit(MaxParallelWrites)
	for _, id := range batch.SourceIDs() {
		res := batch.Get(id)
		if res.Rewritten == nil {
			continue
		}
		g.Go(func() error {
			targetID, _ := m.mapping.Resolve(ctx, res.Original.ID)
			written, err := m.target.WriteEntity(ctx, res.Rewritten, targetID, opts.Summary)
			if err != nil {
				m.Logger.Error("Write failed", "source", res.Original.ID, "target", targetID, "error", err)
				appendWriteError(res, err)
				m.Tracker.TrackEntityFailed()
			} else {
				res.Created = written
				m.Tracker.TrackEntityWritten()
			}
			if opts.OnEntity != nil {
				opts.OnEntity(res)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// appendWriteError records a failed write, including the structured API
// messages when the target sent any.
func appendWriteError(res *translator.Result, err error) {
	res.Errorf("write failed: %v", err)
	var apiErr *wikibase.APIError
	if errors.As(err, &apiErr) {
		for _, msg := range apiErr.Messages {
			res.Errorf("api message: %s", msg)
		}
	}
}

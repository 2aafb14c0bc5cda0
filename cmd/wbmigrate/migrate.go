package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/migrator"
	"wbmigrate/pkg/model"
	"wbmigrate/pkg/translator"
	"wbmigrate/pkg/wikibase"
)

// selectionVariable is the binding a selection query must produce.
const selectionVariable = "items"

type migrateCmd struct {
	Config      string   `help:"Migration profile to use." short:"c" required:"" placeholder:"PATH"`
	Entity      []string `help:"Source entity ID to copy. Repeatable." short:"e" placeholder:"ID"`
	Query       string   `help:"SPARQL SELECT choosing the entities to copy; must bind ?items." short:"q" xor:"selection"`
	QueryFile   string   `help:"File holding the selection query." placeholder:"PATH" xor:"selection"`
	Summary     string   `help:"Edit summary for every write on the target." short:"s"`
	ShowDetails bool     `help:"Print the full mapping tables even with --force."`
	Force       bool     `help:"Write without asking for confirmation." short:"f"`
	NoMerge     bool     `help:"Skip entities that already exist in the target instead of merging."`
}

// Validate runs at parse time; a selection is required up front.
func (c *migrateCmd) Validate() error {
	if len(c.Entity) == 0 && c.Query == "" && c.QueryFile == "" {
		return errors.New("no entities to migrate: provide --entity, --query or --query-file")
	}
	return nil
}

func (c *migrateCmd) Run(ctx context.Context) error {
	a, err := newApp(c.Config)
	if err != nil {
		return err
	}
	defer a.cleanup()

	if err := a.runProbes(ctx); err != nil {
		return err
	}

	ids, err := c.collectIDs(ctx, a)
	if err != nil {
		return err
	}
	slog.Info("Selected source entities", "count", len(ids))

	m := migrator.New(a.profile, a.source, a.target, a.mapping, slog.Default())
	m.Tracker = a.tracker

	opts := migrator.Options{
		Summary:      c.Summary,
		SkipExisting: c.NoMerge,
		OnEntity: func(r *translator.Result) {
			if r.Created != nil {
				slog.Info("Migrated entity", "source", r.Original.ID, "target", r.Created.ID)
			} else {
				slog.Warn("Entity not migrated", "source", r.Original.ID, "errors", len(r.Errors))
			}
		},
	}

	batch, err := m.Translate(ctx, ids, opts)
	if err != nil {
		return err
	}

	printOverview(batch)
	if c.ShowDetails || !c.Force {
		printDetails(ctx, a, batch)
	}

	if !c.Force {
		ok, err := confirm(os.Stdin, "Migrate entities with the shown mapping?")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Not migrating entities")
			return errors.New("aborted")
		}
	}

	if err := m.Write(ctx, batch, opts); err != nil {
		return err
	}

	printResult(batch)
	a.tracker.Report(slog.Default())
	return nil
}

// collectIDs resolves the entity selection. Explicit IDs win; otherwise the
// selection query runs against the source query service and the entity IRIs
// bound to ?items are stripped down to bare IDs.
func (c *migrateCmd) collectIDs(ctx context.Context, a *app) ([]string, error) {
	if len(c.Entity) > 0 {
		return c.Entity, nil
	}

	query := c.Query
	if c.QueryFile != "" {
		data, err := os.ReadFile(c.QueryFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read query file: %w", err)
		}
		query = string(data)
	}

	rows, err := a.sourceQuery.Select(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("selection query failed: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if v := row.Get(selectionVariable); v != "" {
			ids = append(ids, strings.TrimPrefix(v, a.profile.Source.ItemPrefix))
		}
	}
	if len(ids) == 0 {
		if len(rows) > 0 {
			return nil, fmt.Errorf("selection query binds no ?%s variable", selectionVariable)
		}
		return nil, errors.New("selection query matched no entities")
	}
	return ids, nil
}

// printOverview summarizes the translation before anything is written.
func printOverview(batch *translator.Batch) {
	fmt.Printf("Translated %d entities: %d mapped IDs, %d missing items, %d missing properties\n",
		len(batch.SourceIDs()), len(batch.MappingUsed()),
		len(batch.MissingItems()), len(batch.MissingProperties()))
}

// printDetails lists the applied mapping and everything left unmapped, with
// labels so the mapping can be reviewed before the write.
func printDetails(ctx context.Context, a *app, batch *translator.Batch) {
	lang := detailLanguage(a.profile)
	mapping := batch.MappingUsed()

	sources := make([]string, 0, len(mapping))
	targets := make([]string, 0, len(mapping))
	for s, t := range mapping {
		sources = append(sources, s)
		targets = append(targets, t)
	}
	slices.SortFunc(sources, model.CompareIDs)

	missingItems := batch.MissingItems()
	missingProps := batch.MissingProperties()

	allIDs := make([]string, 0, len(sources)+len(missingItems)+len(missingProps))
	allIDs = append(allIDs, sources...)
	allIDs = append(allIDs, missingItems...)
	allIDs = append(allIDs, missingProps...)
	sourceLabels := lookupLabels(ctx, a.source, allIDs, lang)
	targetLabels := lookupLabels(ctx, a.target, targets, lang)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\nApplied mapping (%d)\n", len(sources))
	for _, s := range sources {
		t := mapping[s]
		fmt.Fprintf(w, "  %s\t%s\t->\t%s\t%s\n", s, sourceLabels[s], t, targetLabels[t])
	}
	printMissing(w, "Missing in target: items", missingItems, sourceLabels)
	printMissing(w, "Missing in target: properties", missingProps, sourceLabels)
	w.Flush()
}

// printMissing lists IDs that have no target mapping yet.
func printMissing(w io.Writer, title string, ids []string, labels map[string]string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d)\n", title, len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\t%s\n", id, labels[id])
	}
}

// printResult reports the write outcome per entity.
func printResult(batch *translator.Batch) {
	written := 0
	for _, id := range batch.SourceIDs() {
		if r := batch.Get(id); r != nil && r.Created != nil {
			written++
		}
	}
	fmt.Printf("Migration done: %d of %d entities written\n", written, len(batch.SourceIDs()))
	for _, r := range batch.EntitiesWithErrors() {
		fmt.Printf("  %s: %s\n", r.Original.ID, strings.Join(r.Errors, "; "))
	}
}

// lookupLabels is best-effort; the tables degrade to bare IDs on error.
func lookupLabels(ctx context.Context, c *wikibase.Client, ids []string, lang string) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	labels, err := c.Labels(ctx, ids, lang)
	if err != nil {
		slog.Warn("Label lookup failed", "error", err)
		return nil
	}
	return labels
}

// detailLanguage picks the language for the review tables.
func detailLanguage(p *config.Profile) string {
	if len(p.Mapping.Languages) > 0 {
		return p.Mapping.Languages[0]
	}
	return "en"
}

// confirm reads one line and accepts only an explicit yes.
func confirm(in io.Reader, prompt string) (bool, error) {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

package migrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/mapper"
	"wbmigrate/pkg/request"
	"wbmigrate/pkg/sparql"
	"wbmigrate/pkg/store"
	"wbmigrate/pkg/tracker"
	"wbmigrate/pkg/translator"
	"wbmigrate/pkg/wikibase"
)

const (
	srcPrefix = "http://src.example/entity/"
	tgtPrefix = "http://tgt.example/entity/"
)

// fixture fakes both Action APIs and both query services of a migration.
type fixture struct {
	t *testing.T

	sourceEntities map[string]string
	targetEntities map[string]string
	// failEdits rejects writes, keyed by the submitted en label.
	failEdits map[string]bool
	mappings  map[string][]string
	tgtTypes  map[string]string
	languages []string

	editCalls atomic.Int64
	mu        sync.Mutex
	edits     []map[string]string
}

func (f *fixture) lastEdit() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return nil
	}
	return f.edits[len(f.edits)-1]
}

func srcItemJSON(id, claims string) string {
	c := ""
	if claims != "" {
		c = fmt.Sprintf(`, "claims": %s`, claims)
	}
	return fmt.Sprintf(`{"type": "item", "id": %q, "labels": {"en": {"language": "en", "value": %q}}%s}`, id, id, c)
}

func itemClaimJSON(prop, itemID string) string {
	return fmt.Sprintf(`{%q: [{"mainsnak": {"snaktype": "value", "property": %q, "datatype": "wikibase-item", "datavalue": {"value": {"entity-type": "item", "id": %q}, "type": "wikibase-entityid"}}, "type": "statement", "rank": "normal"}]}`,
		prop, prop, itemID)
}

func entitiesResponse(w http.ResponseWriter, requested []string, table map[string]string) {
	parts := make([]string, 0, len(requested))
	for _, id := range requested {
		if body, ok := table[id]; ok {
			parts = append(parts, fmt.Sprintf("%q: %s", id, body))
		} else {
			parts = append(parts, fmt.Sprintf(`%q: {"id": %q, "missing": ""}`, id, id))
		}
	}
	fmt.Fprintf(w, `{"entities": {%s}, "success": 1}`, strings.Join(parts, ", "))
}

func (f *fixture) sourceAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			f.t.Fatalf("ParseForm: %v", err)
		}
		if got := r.Form.Get("action"); got != "wbgetentities" {
			f.t.Errorf("source API got action %q", got)
			return
		}
		entitiesResponse(w, strings.Split(r.Form.Get("ids"), "|"), f.sourceEntities)
	}
}

func (f *fixture) targetAPI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			f.t.Fatalf("ParseForm: %v", err)
		}
		switch {
		case r.Form.Get("meta") == "tokens":
			fmt.Fprint(w, `{"query": {"tokens": {"csrftoken": "tok+\\"}}}`)
		case r.Form.Get("meta") == "wbcontentlanguages":
			langs := f.languages
			if langs == nil {
				langs = []string{"en", "de"}
			}
			parts := make([]string, 0, len(langs))
			for _, code := range langs {
				parts = append(parts, fmt.Sprintf(`%q: {"code": %q, "name": %q}`, code, code, code))
			}
			fmt.Fprintf(w, `{"query": {"wbcontentlanguages": {%s}}}`, strings.Join(parts, ", "))
		case r.Form.Get("action") == "wbgetentities":
			entitiesResponse(w, strings.Split(r.Form.Get("ids"), "|"), f.targetEntities)
		case r.Form.Get("action") == "wbeditentity":
			f.handleEdit(w, r)
		default:
			f.t.Errorf("target API got unexpected request: %v", r.Form)
		}
	}
}

func (f *fixture) handleEdit(w http.ResponseWriter, r *http.Request) {
	n := f.editCalls.Add(1)

	var payload struct {
		Labels map[string]struct {
			Value string `json:"value"`
		} `json:"labels"`
	}
	if err := json.Unmarshal([]byte(r.Form.Get("data")), &payload); err != nil {
		f.t.Errorf("edit data is not JSON: %v", err)
	}
	if f.failEdits[payload.Labels["en"].Value] {
		fmt.Fprint(w, `{"error": {"code": "failed-save", "info": "The save failed.", "messages": [{"name": "wikibase-validator-label-too-long"}]}}`)
		return
	}

	record := make(map[string]string)
	for key := range r.Form {
		record[key] = r.Form.Get(key)
	}
	f.mu.Lock()
	f.edits = append(f.edits, record)
	f.mu.Unlock()

	id := r.Form.Get("id")
	if id == "" {
		id = fmt.Sprintf("Q%d", 200+n)
	}
	fmt.Fprintf(w, `{"entity": {"type": "item", "id": %q}, "success": 1}`, id)
}

func (f *fixture) sparqlHandler(prefix string, types map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			f.t.Fatalf("ParseForm: %v", err)
		}
		query := r.PostForm.Get("query")

		var rows []map[string]string
		if strings.Contains(query, "propertyType") {
			for pid, name := range types {
				if strings.Contains(query, "<"+prefix+pid+">") {
					rows = append(rows, map[string]string{
						"p":    prefix + pid,
						"type": "http://wikiba.se/ontology#" + name,
					})
				}
			}
		} else {
			for src, targets := range f.mappings {
				if strings.Contains(query, `"`+src+`"`) {
					for _, tgt := range targets {
						rows = append(rows, map[string]string{
							"source_item": srcPrefix + src,
							"target_item": tgtPrefix + tgt,
						})
					}
				}
			}
		}

		bindings := make([]map[string]map[string]string, 0, len(rows))
		for _, row := range rows {
			b := make(map[string]map[string]string, len(row))
			for name, value := range row {
				b[name] = map[string]string{"type": "literal", "value": value}
			}
			bindings = append(bindings, b)
		}
		data, _ := json.Marshal(map[string]any{"results": map[string]any{"bindings": bindings}})
		if _, err := w.Write(data); err != nil {
			f.t.Logf("Write failed: %v", err)
		}
	}
}

func newTestMigrator(t *testing.T, f *fixture, mutate func(*config.Profile)) *Migrator {
	t.Helper()
	f.t = t

	srcAPI := httptest.NewServer(f.sourceAPI())
	tgtAPI := httptest.NewServer(f.targetAPI())
	srcSPARQL := httptest.NewServer(f.sparqlHandler(srcPrefix, nil))
	tgtSPARQL := httptest.NewServer(f.sparqlHandler(tgtPrefix, f.tgtTypes))
	for _, svr := range []*httptest.Server{srcAPI, tgtAPI, srcSPARQL, tgtSPARQL} {
		t.Cleanup(svr.Close)
	}

	p := &config.Profile{
		Name:   "test",
		Source: config.Endpoint{Name: "src", MediaWikiAPIURL: srcAPI.URL, SPARQLURL: srcSPARQL.URL, ItemPrefix: srcPrefix},
		Target: config.Endpoint{Name: "tgt", MediaWikiAPIURL: tgtAPI.URL, SPARQLURL: tgtSPARQL.URL, ItemPrefix: tgtPrefix},
		Mapping: config.MappingConfig{
			LocationOfMapping:    config.MappingOnSource,
			ItemMappingQuery:     "SELECT ?source_item ?target_item WHERE { VALUES ?id { $values } } # items",
			PropertyMappingQuery: "SELECT ?source_item ?target_item WHERE { VALUES ?id { $values } } # properties",
			Languages:            []string{"en"},
		},
		TypeCasts: config.TypeCastConfig{Enabled: true, FallbackLanguage: "mul"},
	}
	if mutate != nil {
		mutate(p)
	}

	req := request.New(config.RequestConfig{RatePerSecond: 1000}, store.NullCache{}, tracker.New())
	cache := mapper.New(p,
		sparql.NewClient(req, srcSPARQL.URL, "source", nil),
		sparql.NewClient(req, tgtSPARQL.URL, "target", nil),
		nil)
	source := wikibase.NewClient(req, &p.Source, nil)
	target := wikibase.NewClient(req, &p.Target, nil)
	return New(p, source, target, cache, nil)
}

func TestMigrateCreate(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{"Q1": srcItemJSON("Q1", itemClaimJSON("P5", "Q2"))},
		mappings:       map[string][]string{"P5": {"P50"}, "Q2": {"Q20"}},
	}
	m := newTestMigrator(t, f, nil)

	var callbacks atomic.Int64
	batch, err := m.Migrate(context.Background(), []string{"Q1"}, Options{
		Summary:  "copied",
		OnEntity: func(*translator.Result) { callbacks.Add(1) },
	})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	res := batch.Get("Q1")
	if res == nil {
		t.Fatal("no result for Q1")
	}
	if res.Created == nil || res.Created.ID != "Q201" {
		t.Fatalf("created = %+v, want Q201", res.Created)
	}
	if res.MappingUsed["Q2"] != "Q20" || res.MappingUsed["P5"] != "P50" {
		t.Errorf("mapping used = %v", res.MappingUsed)
	}
	if callbacks.Load() != 1 {
		t.Errorf("callbacks = %d, want 1", callbacks.Load())
	}

	edit := f.lastEdit()
	if edit == nil {
		t.Fatal("no edit recorded")
	}
	if edit["new"] != "item" {
		t.Errorf("new = %q, want item", edit["new"])
	}
	if _, ok := edit["id"]; ok {
		t.Error("id param present on create")
	}
	if edit["summary"] != "copied" {
		t.Errorf("summary = %q", edit["summary"])
	}
	if !strings.Contains(edit["data"], `"Q20"`) || !strings.Contains(edit["data"], `"P50"`) {
		t.Errorf("data not rewritten: %s", edit["data"])
	}
}

func TestMigratePartialWriteFailure(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{
			"Q1": srcItemJSON("Q1", ""),
			"Q2": srcItemJSON("Q2", ""),
			"Q3": srcItemJSON("Q3", ""),
		},
		failEdits: map[string]bool{"Q2": true},
	}
	m := newTestMigrator(t, f, nil)

	var callbacks atomic.Int64
	batch, err := m.Migrate(context.Background(), []string{"Q1", "Q2", "Q3"}, Options{
		OnEntity: func(*translator.Result) { callbacks.Add(1) },
	})
	if err != nil {
		t.Fatalf("Migrate must not fail the batch: %v", err)
	}

	for _, id := range []string{"Q1", "Q3"} {
		res := batch.Get(id)
		if res.Created == nil {
			t.Errorf("%s: created = nil, want the server echo", id)
		}
		if res.HasErrors() {
			t.Errorf("%s: errors = %v", id, res.Errors)
		}
	}

	failed := batch.Get("Q2")
	if failed.Created != nil {
		t.Errorf("Q2: created = %+v, want nil", failed.Created)
	}
	if !failed.HasErrors() {
		t.Fatal("Q2: no errors recorded")
	}
	joined := strings.Join(failed.Errors, "\n")
	if !strings.Contains(joined, "write failed") || !strings.Contains(joined, "wikibase-validator-label-too-long") {
		t.Errorf("Q2 errors = %v, want the write failure and the API message", failed.Errors)
	}

	if callbacks.Load() != 3 {
		t.Errorf("callbacks = %d, want 3", callbacks.Load())
	}
	if got := len(batch.EntitiesWithErrors()); got != 1 {
		t.Errorf("entities with errors = %d, want 1", got)
	}
	read, written, failedCount := m.Tracker.EntityCounts()
	if read != 3 || written != 2 || failedCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", read, written, failedCount)
	}
}

func TestMigrateMergeExisting(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{"Q1": srcItemJSON("Q1", "")},
		targetEntities: map[string]string{"Q10": `{"type": "item", "id": "Q10", "labels": {"en": {"language": "en", "value": "existing label"}}}`},
		mappings:       map[string][]string{"Q1": {"Q10"}},
	}
	m := newTestMigrator(t, f, nil)

	batch, err := m.Migrate(context.Background(), []string{"Q1"}, Options{})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	res := batch.Get("Q1")
	if res.Created == nil || res.Created.ID != "Q10" {
		t.Fatalf("created = %+v, want update echo of Q10", res.Created)
	}
	if res.Rewritten.Labels["en"] != "existing label" {
		t.Errorf("merged label = %q, target must win", res.Rewritten.Labels["en"])
	}

	edit := f.lastEdit()
	if edit["id"] != "Q10" {
		t.Errorf("id = %q, want update of Q10", edit["id"])
	}
	if _, ok := edit["new"]; ok {
		t.Error("new param present on update")
	}
}

func TestMigrateSkipExisting(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{
			"Q1": srcItemJSON("Q1", ""),
			"Q2": srcItemJSON("Q2", ""),
		},
		targetEntities: map[string]string{"Q10": `{"type": "item", "id": "Q10"}`},
		mappings:       map[string][]string{"Q1": {"Q10"}},
	}
	m := newTestMigrator(t, f, nil)

	batch, err := m.Migrate(context.Background(), []string{"Q1", "Q2"}, Options{SkipExisting: true})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if got := batch.SourceIDs(); len(got) != 1 || got[0] != "Q2" {
		t.Fatalf("batch = %v, want Q2 only", got)
	}
	if f.editCalls.Load() != 1 {
		t.Errorf("edits = %d, want 1", f.editCalls.Load())
	}
	if batch.Get("Q2").Created == nil {
		t.Error("Q2 not written")
	}
}

func TestMigrateResolvesLanguages(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{
			"Q1": `{"type": "item", "id": "Q1", "labels": {"en": {"language": "en", "value": "thing"}, "fr": {"language": "fr", "value": "chose"}}}`,
		},
		languages: []string{"en"},
	}
	var p *config.Profile
	m := newTestMigrator(t, f, func(profile *config.Profile) {
		profile.Mapping.Languages = nil
		p = profile
	})

	batch, err := m.Migrate(context.Background(), []string{"Q1"}, Options{})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if got := p.Mapping.Languages; len(got) != 1 || got[0] != "en" {
		t.Errorf("resolved languages = %v, want [en]", got)
	}
	rewritten := batch.Get("Q1").Rewritten
	if _, ok := rewritten.Labels["fr"]; ok {
		t.Errorf("labels = %v, fr must be filtered", rewritten.Labels)
	}
	if rewritten.Labels["en"] != "thing" {
		t.Errorf("labels = %v", rewritten.Labels)
	}
}

func TestTranslateThenWrite(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{"Q1": srcItemJSON("Q1", itemClaimJSON("P5", "Q2"))},
		mappings:       map[string][]string{"P5": {"P50"}, "Q2": {"Q20"}},
	}
	m := newTestMigrator(t, f, nil)

	batch, err := m.Translate(context.Background(), []string{"Q1"}, Options{})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if f.editCalls.Load() != 0 {
		t.Fatalf("edits = %d before Write", f.editCalls.Load())
	}
	res := batch.Get("Q1")
	if res.Rewritten == nil || res.Created != nil {
		t.Fatalf("translate phase: rewritten = %v, created = %v", res.Rewritten, res.Created)
	}
	if got := batch.MappingUsed(); got["P5"] != "P50" {
		t.Errorf("mapping preview = %v", got)
	}

	if err := m.Write(context.Background(), batch, Options{Summary: "copied"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Created == nil {
		t.Fatal("write phase left Created nil")
	}
	if f.editCalls.Load() != 1 {
		t.Errorf("edits = %d, want 1", f.editCalls.Load())
	}
}

func TestMigrateMissingSource(t *testing.T) {
	f := &fixture{
		sourceEntities: map[string]string{"Q1": srcItemJSON("Q1", "")},
	}
	m := newTestMigrator(t, f, nil)

	batch, err := m.Migrate(context.Background(), []string{"Q1", "Q404"}, Options{})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if got := batch.SourceIDs(); len(got) != 1 || got[0] != "Q1" {
		t.Errorf("batch = %v, want Q1 only", got)
	}
}

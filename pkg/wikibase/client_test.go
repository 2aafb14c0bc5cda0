package wikibase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/model"
	"wbmigrate/pkg/request"
	"wbmigrate/pkg/store"
	"wbmigrate/pkg/tracker"
)

func newTestWikibase(t *testing.T, apiURL string) *Client {
	t.Helper()
	r := request.New(config.RequestConfig{RatePerSecond: 1000}, store.NullCache{}, tracker.New())
	ep := &config.Endpoint{
		Name:            "test",
		MediaWikiAPIURL: apiURL,
		ItemPrefix:      "http://test.example/entity/",
	}
	return NewClient(r, ep, nil)
}

func itemJSON(id string) string {
	return fmt.Sprintf(`{"type": "item", "id": %q, "labels": {"en": {"language": "en", "value": "label %s"}}}`, id, id)
}

func TestGetEntitiesBatching(t *testing.T) {
	var calls atomic.Int64

	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.Form.Get("action"); got != "wbgetentities" {
			t.Errorf("action = %q", got)
		}
		ids := strings.Split(r.Form.Get("ids"), "|")
		if len(ids) > BatchSize {
			t.Errorf("batch of %d ids exceeds %d", len(ids), BatchSize)
		}
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%q: %s", id, itemJSON(id)))
		}
		fmt.Fprintf(w, `{"entities": {%s}, "success": 1}`, strings.Join(parts, ", "))
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	ids := make([]string, 0, 120)
	for i := 1; i <= 120; i++ {
		ids = append(ids, fmt.Sprintf("Q%d", i))
	}
	// Duplicates must not inflate the batch count.
	ids = append(ids, "Q1", "Q2")

	entities, err := c.GetEntities(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if len(entities) != 120 {
		t.Errorf("entities = %d, want 120", len(entities))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("batches = %d, want 3", got)
	}
	q7 := entities["Q7"]
	if q7 == nil || q7.Labels["en"] != "label Q7" {
		t.Errorf("Q7 = %+v", q7)
	}
	if q7.Kind != model.KindItem {
		t.Errorf("Q7 kind = %q", q7.Kind)
	}
}

func TestGetEntitiesMissing(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"entities": {"Q1": %s, "Q999": {"id": "Q999", "missing": ""}}, "success": 1}`, itemJSON("Q1"))
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	entities, err := c.GetEntities(context.Background(), []string{"Q1", "Q999"})
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	if entities["Q1"] == nil {
		t.Error("Q1 absent")
	}
	if entities["Q999"] != nil {
		t.Error("missing entity present in result")
	}
}

func TestGetEntitiesRedirect(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// wbgetentities resolves redirects and keys the result by the
		// requested ID while the entity carries its canonical ID.
		fmt.Fprintf(w, `{"entities": {"Q5": %s}, "success": 1}`, itemJSON("Q7"))
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	entities, err := c.GetEntities(context.Background(), []string{"Q5"})
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if entities["Q5"] == nil || entities["Q7"] == nil {
		t.Fatalf("redirect not aliased: %v", entities)
	}
	if entities["Q5"] != entities["Q7"] {
		t.Error("alias points at a different entity")
	}
}

func TestGetEntitiesUnknownPrefix(t *testing.T) {
	var calls atomic.Int64
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	_, err := c.GetEntities(context.Background(), []string{"Q1", "X99"})
	if !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("err = %v, want ErrUnknownEntityType", err)
	}
	if calls.Load() != 0 {
		t.Error("request went out despite invalid ID")
	}
}

func TestGetEntityNil(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"entities": {"Q999": {"id": "Q999", "missing": ""}}, "success": 1}`)
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	e, err := c.GetEntity(context.Background(), "Q999")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e != nil {
		t.Errorf("e = %+v, want nil for a missing entity", e)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": {"code": "no-such-entity", "info": "Could not find an entity with the ID \"Q0\"."}}`)
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	_, err := c.GetEntities(context.Background(), []string{"Q1"})
	if err == nil {
		t.Fatal("no error from error response")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.Code != "no-such-entity" {
		t.Errorf("code = %q", apiErr.Code)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("no-such-entity does not unwrap to ErrNotFound")
	}
}

func TestLabels(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.Form.Get("props"); got != "labels" {
			t.Errorf("props = %q", got)
		}
		if got := r.Form.Get("languages"); got != "de" {
			t.Errorf("languages = %q", got)
		}
		fmt.Fprint(w, `{"entities": {
			"Q1": {"id": "Q1", "labels": {"de": {"language": "de", "value": "eins"}}},
			"Q2": {"id": "Q2", "labels": {}}
		}, "success": 1}`)
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	labels, err := c.Labels(context.Background(), []string{"Q1", "Q2"}, "de")
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}
	if labels["Q1"] != "eins" {
		t.Errorf("Q1 label = %q", labels["Q1"])
	}
	if _, ok := labels["Q2"]; ok {
		t.Error("unlabeled entity present in result")
	}
}

func TestSupportedLanguages(t *testing.T) {
	var calls atomic.Int64
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.Form.Get("meta"); got != "wbcontentlanguages" {
			t.Errorf("meta = %q", got)
		}
		fmt.Fprint(w, `{"query": {"wbcontentlanguages": {
			"en": {"code": "en", "name": "English"},
			"de": {"code": "de", "name": "Deutsch"},
			"mul": {"code": "mul", "name": "multiple languages"}
		}}}`)
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	langs, err := c.SupportedLanguages(context.Background())
	if err != nil {
		t.Fatalf("SupportedLanguages: %v", err)
	}
	if len(langs) != 3 || langs["de"] != "Deutsch" {
		t.Errorf("langs = %v", langs)
	}

	// Second call is served from the in-process cache.
	if _, err := c.SupportedLanguages(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWarningsLogged(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"warnings": {"wbgetentities": {"*": "Unrecognized parameter: bogus."}},
			"entities": {"Q1": %s},
			"success": 1
		}`, itemJSON("Q1"))
	}))
	defer svr.Close()

	c := newTestWikibase(t, svr.URL)

	// Warnings must not fail the call.
	entities, err := c.GetEntities(context.Background(), []string{"Q1"})
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if entities["Q1"] == nil {
		t.Error("Q1 absent")
	}
}

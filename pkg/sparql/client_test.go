package sparql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/request"
	"wbmigrate/pkg/store"
	"wbmigrate/pkg/tracker"
)

func newTestRequester(t *testing.T) *request.Client {
	t.Helper()
	mem, err := store.NewMemoryCache(64)
	if err != nil {
		t.Fatal(err)
	}
	return request.New(config.RequestConfig{RatePerSecond: 1000}, mem, tracker.New())
}

func TestSelect(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if accept := r.Header.Get("Accept"); accept != "application/sparql-results+json" {
			t.Errorf("accept = %q", accept)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if !strings.Contains(r.PostForm.Get("query"), "SELECT") {
			t.Errorf("query = %q", r.PostForm.Get("query"))
		}
		if _, err := w.Write([]byte(`{
			"head": {"vars": ["item", "label"]},
			"results": {"bindings": [
				{"item": {"type": "uri", "value": "http://www.wikidata.org/entity/Q42"},
				 "label": {"type": "literal", "value": "Douglas Adams", "xml:lang": "en"}},
				{"item": {"type": "uri", "value": "http://www.wikidata.org/entity/Q5"}}
			]}
		}`)); err != nil {
			t.Logf("Write failed: %v", err)
		}
	}))
	defer svr.Close()

	c := NewClient(newTestRequester(t), svr.URL, "source", nil)

	rows, err := c.Select(context.Background(), "SELECT ?item ?label WHERE { ?item rdfs:label ?label }")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if got := rows[0].Get("item"); got != "http://www.wikidata.org/entity/Q42" {
		t.Errorf("item = %q", got)
	}
	if got := rows[0].Get("label"); got != "Douglas Adams" {
		t.Errorf("label = %q", got)
	}
	if got := rows[1].Get("label"); got != "" {
		t.Errorf("unbound label = %q, want empty", got)
	}
}

func TestSelectError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 404 is not retried, so the failure surfaces immediately.
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer svr.Close()

	c := NewClient(newTestRequester(t), svr.URL, "source", nil)

	if _, err := c.Select(context.Background(), "SELECT * WHERE { ?s ?p ?o }"); err == nil {
		t.Fatal("Select succeeded against a 404 endpoint")
	}
}

func TestSelectChunked(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		mu.Lock()
		queries = append(queries, r.PostForm.Get("query"))
		mu.Unlock()
		if _, err := w.Write([]byte(`{"results": {"bindings": [{"x": {"type": "literal", "value": "row"}}]}}`)); err != nil {
			t.Logf("Write failed: %v", err)
		}
	}))
	defer svr.Close()

	c := NewClient(newTestRequester(t), svr.URL, "source", nil)

	values := make([]string, 25)
	for i := range values {
		values[i] = Literal("Q" + string(rune('a'+i)))
	}
	template := "SELECT ?x WHERE { VALUES ?id { $values } }"

	rows, err := c.SelectChunked(context.Background(), template, "values", values, 10)
	if err != nil {
		t.Fatalf("SelectChunked: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("rows = %d, want 3 (one per chunk)", len(rows))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 3 {
		t.Fatalf("queries = %d, want 3", len(queries))
	}
	total := 0
	for _, q := range queries {
		if strings.Contains(q, "$values") {
			t.Errorf("placeholder not substituted: %q", q)
		}
		total += strings.Count(q, `"Q`)
	}
	if total != 25 {
		t.Errorf("substituted terms = %d, want 25", total)
	}
}

func TestSelectChunkedEmpty(t *testing.T) {
	c := NewClient(newTestRequester(t), "http://unused.invalid", "source", nil)

	rows, err := c.SelectChunked(context.Background(), "VALUES { $values }", "values", nil, 10)
	if err != nil {
		t.Fatalf("SelectChunked: %v", err)
	}
	if rows != nil {
		t.Errorf("rows = %v, want nil without issuing queries", rows)
	}
}

func TestAsk(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte(`{"head": {}, "boolean": true}`)); err != nil {
			t.Logf("Write failed: %v", err)
		}
	}))
	defer svr.Close()

	c := NewClient(newTestRequester(t), svr.URL, "target", nil)

	ok, err := c.Ask(context.Background())
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !ok {
		t.Error("Ask = false, want true")
	}
}

func TestAskDown(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer svr.Close()

	c := NewClient(newTestRequester(t), svr.URL, "target", nil)

	ok, err := c.Ask(context.Background())
	if ok || err == nil {
		t.Errorf("Ask on dead endpoint = (%v, %v), want (false, error)", ok, err)
	}
}

func TestTracer(t *testing.T) {
	tr, err := NewTracer(t.TempDir(), "testrun")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	tr.Record("SELECT ?x WHERE { ?x ?y ?z }", []byte(`{"results": {"bindings": []}}`), nil)

	files, err := os.ReadDir(tr.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("trace files = %d, want 1", len(files))
	}
	data, err := os.ReadFile(filepath.Join(tr.Dir(), files[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "SELECT ?x") {
		t.Errorf("trace file missing query: %s", data)
	}

	// A nil tracer is a no-op everywhere.
	var none *Tracer
	none.Record("q", nil, nil)
	if none.Dir() != "" {
		t.Error("nil tracer has a dir")
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Q42", `"Q42"`},
		{`say "hi"`, `"say \"hi\""`},
		{`back\slash`, `"back\\slash"`},
		{"two\nlines", `"two\nlines"`},
	}
	for _, tt := range tests {
		if got := Literal(tt.in); got != tt.want {
			t.Errorf("Literal(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

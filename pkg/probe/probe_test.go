package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/request"
	"wbmigrate/pkg/sparql"
	"wbmigrate/pkg/store"
	"wbmigrate/pkg/tracker"
	"wbmigrate/pkg/wikibase"
)

func TestRun(t *testing.T) {
	probes := []Probe{
		{
			Name: "Success Probe",
			Check: func(ctx context.Context) error {
				return nil
			},
			Critical: true,
		},
		{
			Name: "Failure Probe (Non-Critical)",
			Check: func(ctx context.Context) error {
				return errors.New("minor issue")
			},
			Critical: false,
		},
	}

	results := Run(context.Background(), probes)

	if len(results) != 2 {
		t.Errorf("Expected 2 results, got %d", len(results))
	}

	if results[0].Error != nil {
		t.Errorf("Expected success probe to pass, got error: %v", results[0].Error)
	}

	if results[1].Error == nil {
		t.Error("Expected failure probe to fail, got nil")
	}
}

func TestAnalyzeResults(t *testing.T) {
	tests := []struct {
		name    string
		results []Result
		wantErr bool
	}{
		{
			name: "All Pass",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: true}, Error: nil},
			},
			wantErr: false,
		},
		{
			name: "Critical Failure",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: true}, Error: errors.New("fail")},
			},
			wantErr: true,
		},
		{
			name: "Non-Critical Failure",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: false}, Error: errors.New("fail")},
			},
			wantErr: false,
		},
		{
			name: "Mixed Failure",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: false}, Error: errors.New("fail")},
				{Probe: Probe{Name: "P2", Critical: true}, Error: errors.New("fail")},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AnalyzeResults(tt.results)
			if (err != nil) != tt.wantErr {
				t.Errorf("AnalyzeResults() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func fakeAPI(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		switch {
		case r.Form.Get("meta") == "wbcontentlanguages":
			fmt.Fprint(w, `{"query": {"wbcontentlanguages": {"en": {"code": "en", "name": "English"}}}}`)
		case r.Form.Get("action") == "wbgetentities":
			fmt.Fprint(w, `{"entities": {"Q1": {"id": "Q1", "missing": ""}}, "success": 1}`)
		default:
			t.Errorf("unexpected request: %v", r.Form)
		}
	}
}

func fakeAsk(answer bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"boolean": %t}`, answer)
	}
}

func newProfileProbes(t *testing.T, sourceHasData bool, mutate func(*config.Profile)) []Probe {
	t.Helper()

	srcAPI := httptest.NewServer(fakeAPI(t))
	tgtAPI := httptest.NewServer(fakeAPI(t))
	srcSPARQL := httptest.NewServer(fakeAsk(sourceHasData))
	tgtSPARQL := httptest.NewServer(fakeAsk(false))
	for _, svr := range []*httptest.Server{srcAPI, tgtAPI, srcSPARQL, tgtSPARQL} {
		t.Cleanup(svr.Close)
	}

	p := &config.Profile{
		Source: config.Endpoint{Name: "src", MediaWikiAPIURL: srcAPI.URL, SPARQLURL: srcSPARQL.URL},
		Target: config.Endpoint{Name: "tgt", MediaWikiAPIURL: tgtAPI.URL, SPARQLURL: tgtSPARQL.URL},
	}
	if mutate != nil {
		mutate(p)
	}

	req := request.New(config.RequestConfig{RatePerSecond: 1000}, store.NullCache{}, tracker.New())
	return ForProfile(p,
		wikibase.NewClient(req, &p.Source, nil),
		wikibase.NewClient(req, &p.Target, nil),
		sparql.NewClient(req, srcSPARQL.URL, "source", nil),
		sparql.NewClient(req, tgtSPARQL.URL, "target", nil))
}

func TestForProfile(t *testing.T) {
	probes := newProfileProbes(t, true, nil)

	if len(probes) != 4 {
		t.Fatalf("probes = %d, want 4 without credentials", len(probes))
	}

	results := Run(context.Background(), probes)
	if err := AnalyzeResults(results); err != nil {
		t.Fatalf("healthy endpoints must pass: %v", err)
	}
}

func TestForProfileEmptySource(t *testing.T) {
	probes := newProfileProbes(t, false, nil)
	results := Run(context.Background(), probes)

	err := AnalyzeResults(results)
	if err == nil {
		t.Fatal("an empty source must fail the checks")
	}
	for _, r := range results {
		failed := r.Error != nil
		wantFail := r.Probe.Name == "Source SPARQL"
		if failed != wantFail {
			t.Errorf("%s: error = %v", r.Probe.Name, r.Error)
		}
	}
}

func TestForProfileLoginProbes(t *testing.T) {
	probes := newProfileProbes(t, true, func(p *config.Profile) {
		p.Target.User = "bot"
		p.Target.BotPassword = "secret"
		p.Source.RequiresLogin = true
	})

	if len(probes) != 6 {
		t.Fatalf("probes = %d, want 6 with credentials on both ends", len(probes))
	}
	if probes[0].Name != "Source Login" || probes[1].Name != "Target Login" {
		t.Errorf("login probes = %q, %q", probes[0].Name, probes[1].Name)
	}

	// The source demands a login but carries no credentials, so its
	// probe must fail without touching the network.
	if err := probes[0].Check(context.Background()); err == nil {
		t.Error("source login probe passed without credentials")
	}
}

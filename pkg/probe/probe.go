// Package probe runs connectivity checks against a profile's endpoints
// before a migration touches anything.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/sparql"
	"wbmigrate/pkg/wikibase"
)

// Public query services can be slow to first byte, a trivial ASK included.
const checkTimeout = 10 * time.Second

// CheckFunc performs one health check. Nil means the check passed.
type CheckFunc func(ctx context.Context) error

// Probe is a single named check. Critical failures block the migration.
type Probe struct {
	Name     string
	Check    CheckFunc
	Critical bool
}

// Result holds the outcome of a single probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// ForProfile builds the standard check set for a migration profile: a login
// wherever the profile carries credentials or demands one, then both Action
// APIs and both query services. Logins come first so a private wiki's API
// checks run on an authenticated session.
func ForProfile(p *config.Profile, source, target *wikibase.Client, sourceQuery, targetQuery *sparql.Client) []Probe {
	var probes []Probe
	if p.Source.HasCredentials() || p.Source.RequiresLogin {
		probes = append(probes, Probe{Name: "Source Login", Check: source.Login, Critical: true})
	}
	if p.Target.HasCredentials() || p.Target.RequiresLogin {
		probes = append(probes, Probe{Name: "Target Login", Check: target.Login, Critical: true})
	}
	probes = append(probes,
		Probe{
			Name: "Source API",
			Check: func(ctx context.Context) error {
				// Probing an ID that may not exist is fine, the missing
				// marker still proves wbgetentities answers.
				_, err := source.GetEntities(ctx, []string{"Q1"})
				return err
			},
			Critical: true,
		},
		Probe{
			Name: "Target API",
			Check: func(ctx context.Context) error {
				langs, err := target.SupportedLanguages(ctx)
				if err != nil {
					return err
				}
				if len(langs) == 0 {
					return errors.New("no content languages reported")
				}
				return nil
			},
			Critical: true,
		},
		Probe{
			Name:     "Source SPARQL",
			Check:    askProbe(sourceQuery, true),
			Critical: true,
		},
		Probe{
			Name:     "Target SPARQL",
			Check:    askProbe(targetQuery, false),
			Critical: true,
		},
	)
	return probes
}

// askProbe wraps a trivial ASK. A source with no triples at all has
// nothing to copy, so emptiness fails there; an empty target is fine.
func askProbe(c *sparql.Client, requireData bool) CheckFunc {
	return func(ctx context.Context) error {
		ok, err := c.Ask(ctx)
		if err != nil {
			return err
		}
		if requireData && !ok {
			return errors.New("endpoint holds no triples")
		}
		return nil
	}
}

// Run executes the probes in order and returns their results. Each check
// gets its own deadline so one dead endpoint cannot stall the sequence.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, len(probes))

	for i, p := range probes {
		start := time.Now()

		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := p.Check(checkCtx)
		cancel()

		results[i] = Result{
			Probe:    p,
			Error:    err,
			Duration: time.Since(start),
		}
	}

	return results
}

// AnalyzeResults logs each outcome and returns a combined error when any
// critical probe failed.
func AnalyzeResults(results []Result) error {
	var criticalErrors []error

	slog.Info("Endpoint Checks Summary")

	for _, r := range results {
		status := "PASS"
		if r.Error != nil {
			status = "FAIL"
		}

		msg := fmt.Sprintf("[%s] %-15s (%v)", status, r.Probe.Name, r.Duration.Round(time.Millisecond))

		if r.Error != nil {
			slog.Error(msg, "error", r.Error)
			if r.Probe.Critical {
				criticalErrors = append(criticalErrors, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
			}
		} else {
			slog.Info(msg)
		}
	}

	if len(criticalErrors) > 0 {
		return errors.Join(criticalErrors...)
	}

	return nil
}

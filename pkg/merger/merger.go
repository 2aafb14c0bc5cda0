// Package merger folds a rewritten entity into an already-existing target
// entity. The target keeps what it has; statements deduplicate by datavalue
// content so repeated migrations stay idempotent.
package merger

import (
	"log/slog"
	"slices"

	"wbmigrate/pkg/model"
)

// Policy selects what happens when a term already exists on the target.
type Policy int

const (
	// Keep leaves existing labels, descriptions and sitelinks untouched.
	Keep Policy = iota
	// ReplaceAll overwrites them with the source's values.
	ReplaceAll
)

// Merger merges entities under one policy. Aliases union and statements
// content-merge regardless of the policy.
type Merger struct {
	policy Policy
	Logger *slog.Logger
}

func New(policy Policy) *Merger {
	return &Merger{policy: policy, Logger: slog.Default()}
}

// Merge folds source into target, mutating target, and returns it.
func (m *Merger) Merge(source, target *model.Entity) *model.Entity {
	m.mergeTerms(source.Labels, target.Labels)
	m.mergeTerms(source.Descriptions, target.Descriptions)
	m.mergeAliases(source, target)
	m.mergeSitelinks(source, target)
	m.mergeStatements(source, target)
	return target
}

func (m *Merger) mergeTerms(source, target map[string]string) {
	for lang, value := range source {
		if _, ok := target[lang]; ok && m.policy != ReplaceAll {
			continue
		}
		target[lang] = value
	}
}

// mergeAliases always unions, preserving target order and appending new
// source values in their order.
func (m *Merger) mergeAliases(source, target *model.Entity) {
	for lang, values := range source.Aliases {
		existing := target.Aliases[lang]
		for _, value := range values {
			if !slices.Contains(existing, value) {
				existing = append(existing, value)
			}
		}
		target.Aliases[lang] = existing
	}
}

func (m *Merger) mergeSitelinks(source, target *model.Entity) {
	if !source.Kind.SupportsSitelinks() {
		return
	}
	for site, link := range source.Sitelinks {
		if _, ok := target.Sitelinks[site]; ok && m.policy != ReplaceAll {
			continue
		}
		target.Sitelinks[site] = link
	}
}

func (m *Merger) mergeStatements(source, target *model.Entity) {
	for _, claim := range source.Claims {
		m.mergeStatement(claim, target)
	}
	for _, claim := range target.Claims {
		recomputeQualifiersOrder(claim)
	}
}

// mergeStatement folds one claim into the target entity. A target claim on
// the same property with an equal main-snak hash absorbs the qualifiers and
// references, but only when at least one of the two claims is
// qualifier-free: claims that both carry qualifiers are distinguished by
// them and must not collapse.
func (m *Merger) mergeStatement(claim *model.Claim, target *model.Entity) {
	if existing := findMergeable(claim, target.Claims); existing != nil {
		m.mergeClaim(claim, existing)
		return
	}
	MergeRefsOrAppend(target, claim)
}

func findMergeable(claim *model.Claim, claims []*model.Claim) *model.Claim {
	want := DataValueHash(claim.MainSnak.Value)
	for _, candidate := range claims {
		if candidate.MainSnak.Property != claim.MainSnak.Property {
			continue
		}
		if candidate.QualifierCount() > 0 && claim.QualifierCount() > 0 {
			continue
		}
		if DataValueHash(candidate.MainSnak.Value) == want {
			return candidate
		}
	}
	return nil
}

// mergeClaim adds the source claim's qualifiers and references to the
// target claim, skipping content already present.
func (m *Merger) mergeClaim(source, target *model.Claim) {
	if DataValueHash(source.MainSnak.Value) != DataValueHash(target.MainSnak.Value) {
		m.Logger.Warn("Merging claims with different main snak hashes", "property", source.MainSnak.Property)
	}
	for _, prop := range source.QualifiersOrder {
		for _, qualifier := range source.Qualifiers[prop] {
			if !hasEquivalentSnak(qualifier, target.Qualifiers[prop]) {
				target.AddQualifier(qualifier)
			}
		}
	}
	unionReferences(target, source.References)
}

// recomputeQualifiersOrder appends property groups the merge introduced.
// New groups go last, in ID order, so the result is deterministic.
func recomputeQualifiersOrder(claim *model.Claim) {
	var missing []string
	for prop := range claim.Qualifiers {
		if !slices.Contains(claim.QualifiersOrder, prop) {
			missing = append(missing, prop)
		}
	}
	slices.SortFunc(missing, model.CompareIDs)
	claim.QualifiersOrder = append(claim.QualifiersOrder, missing...)
}

// Package translator rewrites a source-side entity into its target-side
// form. Every identifier the entity touches goes through the mapping cache;
// what cannot be mapped is dropped and recorded on the result, so a
// translation always succeeds in producing an entity, just possibly a
// smaller one than the source.
package translator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"wbmigrate/pkg/config"
	"wbmigrate/pkg/mapper"
	"wbmigrate/pkg/merger"
	"wbmigrate/pkg/model"
)

// Translator rewrites entities against a primed mapping cache. Given a
// primed cache it is pure and safe to call from several goroutines; a cold
// cache makes Resolve go to the network.
type Translator struct {
	profile *config.Profile
	mapping *mapper.Cache
	Logger  *slog.Logger
	// BackReferences controls whether the profile's provenance mark is
	// appended. On by default.
	BackReferences bool

	// languages is the term allow-list; nil allows every language.
	// sitelinks is the site-key allow-list; empty allows none.
	languages map[string]struct{}
	sitelinks map[string]struct{}
}

// New builds a translator over the profile's rules. A nil language list in
// the profile means every language; callers that want "every language the
// target supports" resolve the list before constructing the translator.
func New(p *config.Profile, mapping *mapper.Cache, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Translator{
		profile:        p,
		mapping:        mapping,
		Logger:         logger,
		BackReferences: true,
		sitelinks:      make(map[string]struct{}, len(p.Mapping.Sitelinks)),
	}
	if p.Mapping.Languages != nil {
		t.languages = make(map[string]struct{}, len(p.Mapping.Languages))
		for _, lang := range p.Mapping.Languages {
			t.languages[lang] = struct{}{}
		}
	}
	for _, site := range p.Mapping.Sitelinks {
		t.sitelinks[site] = struct{}{}
	}
	return t
}

func (t *Translator) allowedLanguage(lang string) bool {
	if t.languages == nil {
		return true
	}
	_, ok := t.languages[lang]
	return ok
}

func (t *Translator) allowedSitelink(site string) bool {
	_, ok := t.sitelinks[site]
	return ok
}

// Translate rewrites source into a target-side entity of the same kind. The
// returned result is always non-nil; its Rewritten field is nil only when
// the error is non-nil (a back-reference that cannot be expressed on this
// entity kind).
func (t *Translator) Translate(ctx context.Context, source *model.Entity) (*Result, error) {
	res := NewResult(source)
	target := model.NewEntity(source.Kind)
	if source.Kind == model.KindProperty {
		target.Datatype = source.Datatype
	}

	// Record the slice of the mapping this entity sees, mapped or not.
	Harvest(source).Each(func(id string) bool {
		mapped, _ := t.mapping.Resolve(ctx, id)
		res.MappingUsed[id] = mapped
		return false
	})

	for lang, text := range source.Labels {
		if t.allowedLanguage(lang) {
			target.Labels[lang] = text
		}
	}
	for lang, text := range source.Descriptions {
		if !t.allowedLanguage(lang) {
			continue
		}
		// Wikibase rejects a description equal to the label in the
		// same language.
		if text == source.Labels[lang] {
			continue
		}
		target.Descriptions[lang] = text
	}
	for lang, values := range source.Aliases {
		if t.allowedLanguage(lang) {
			target.Aliases[lang] = slices.Clone(values)
		}
	}
	if source.Kind.SupportsSitelinks() {
		for site, link := range source.Sitelinks {
			if t.allowedSitelink(site) {
				// Badges name badge items of the source wiki and
				// are not translated.
				target.SetSitelink(site, link.Title)
			}
		}
	}
	if source.Kind == model.KindLexeme {
		res.Errorf("lemmas, forms and senses of %s were not copied", source.ID)
	}

	for _, claim := range source.Claims {
		if out := t.translateClaim(ctx, claim, res); out != nil {
			merger.MergeRefsOrAppend(target, out)
		}
	}

	if t.BackReferences {
		if err := t.addBackReference(source, target); err != nil {
			res.Errorf("%v", err)
			return res, err
		}
	}

	res.Rewritten = target
	return res, nil
}

// addBackReference appends the profile's provenance mark for the entity's
// kind: a sitelink titled with the source ID, or an external-id statement
// carrying it.
func (t *Translator) addBackReference(source, target *model.Entity) error {
	br := t.profile.BackReferenceFor(string(source.Kind))
	if br == nil {
		return nil
	}
	switch br.Type {
	case config.BackReferenceSitelink:
		if !source.Kind.SupportsSitelinks() {
			return fmt.Errorf("back reference sitelink %s cannot be set on a %s", br.ID, source.Kind)
		}
		target.SetSitelink(br.ID, source.ID)
	case config.BackReferenceProperty:
		claim := &model.Claim{
			MainSnak: &model.Snak{
				Property: br.ID,
				Datatype: model.TypeExternalID,
				Kind:     model.KnownValue,
				Value:    model.StringValue{Value: source.ID},
			},
			Rank: "normal",
		}
		merger.MergeRefsOrAppend(target, claim)
	}
	return nil
}

// translateClaim rewrites one claim. Qualifiers and references translate
// before the main snak so their missing IDs are recorded even when the main
// snak drops and takes the whole claim with it.
func (t *Translator) translateClaim(ctx context.Context, claim *model.Claim, res *Result) *model.Claim {
	var qualifiers []*model.Snak
	for _, prop := range claim.QualifiersOrder {
		for _, q := range claim.Qualifiers[prop] {
			if s := t.translateSnak(ctx, q, res); s != nil {
				qualifiers = append(qualifiers, s)
			}
		}
	}
	var references []*model.Reference
	for _, ref := range claim.References {
		out := &model.Reference{}
		for _, s := range ref.AllSnaks() {
			if ts := t.translateSnak(ctx, s, res); ts != nil {
				out.AddSnak(ts)
			}
		}
		if !out.IsEmpty() {
			references = append(references, out)
		}
	}

	main := t.translateSnak(ctx, claim.MainSnak, res)
	if main == nil {
		return nil
	}
	out := &model.Claim{MainSnak: main, Rank: claim.Rank, References: references}
	for _, q := range qualifiers {
		out.AddQualifier(q)
	}
	return out
}

// translateSnak rewrites one snak, or returns nil when it must drop.
func (t *Translator) translateSnak(ctx context.Context, snak *model.Snak, res *Result) *model.Snak {
	if snak == nil {
		return nil
	}
	if snak.Kind == model.UnknownValue && t.profile.Mapping.IgnoreUnknownValues {
		return nil
	}
	if snak.Kind == model.NoValue && t.profile.Mapping.IgnoreNoValues {
		return nil
	}

	prop, ok := t.mapping.Resolve(ctx, snak.Property)
	if !ok {
		res.AddMissingProperty(snak.Property)
		return nil
	}
	if snak.Kind != model.KnownValue {
		return &model.Snak{Property: prop, Datatype: t.targetDatatype(prop, snak.Datatype), Kind: snak.Kind}
	}

	if dt := t.targetDatatype(prop, snak.Datatype); dt != snak.Datatype {
		return t.castSnak(snak, prop, dt, res)
	}
	return t.copySnak(ctx, snak, prop, res)
}

// targetDatatype returns the target property's datatype, falling back to
// the source snak's when the cache has no answer.
func (t *Translator) targetDatatype(pid string, fallback model.Datatype) model.Datatype {
	if dt, ok := t.mapping.PropertyType(mapper.SideTarget, pid); ok {
		return dt
	}
	return fallback
}

// copySnak rewrites a known-value snak whose datatype carries over. Item
// references and quantity units go through the mapping; every other payload
// copies verbatim.
func (t *Translator) copySnak(ctx context.Context, snak *model.Snak, prop string, res *Result) *model.Snak {
	out := &model.Snak{Property: prop, Datatype: snak.Datatype, Kind: model.KnownValue}
	switch v := snak.Value.(type) {
	case model.EntityIDValue:
		if snak.Datatype != model.TypeWikibaseItem {
			out.Value = v
			return out
		}
		mapped, ok := t.mapping.Resolve(ctx, v.ID)
		if !ok {
			res.AddMissingItem(v.ID)
			return nil
		}
		out.Value = model.EntityIDValue{ID: mapped}
	case model.QuantityValue:
		unit, ok := unitEntityID(v.Unit)
		if !ok {
			out.Value = v
			return out
		}
		mapped, found := t.mapping.Resolve(ctx, unit)
		if !found {
			res.AddMissingItem(unit)
			return nil
		}
		v.Unit = t.profile.Target.ItemPrefix + mapped
		out.Value = v
	default:
		out.Value = snak.Value
	}
	return out
}

// castSnak rewrites a known-value snak whose source and target property
// datatypes disagree. Every decision, applied or refused, leaves a note on
// the result.
func (t *Translator) castSnak(snak *model.Snak, prop string, target model.Datatype, res *Result) *model.Snak {
	if !t.profile.TypeCasts.Enabled {
		res.Errorf("dropped value of %s: casts disabled, cannot cast %s to %s for %s",
			snak.Property, snak.Datatype, target, prop)
		return nil
	}
	out := &model.Snak{Property: prop, Datatype: target, Kind: model.KnownValue}
	switch {
	case snak.Datatype == model.TypeString && target == model.TypeQuantity:
		sv, ok := snak.Value.(model.StringValue)
		if !ok {
			res.Errorf("dropped %s value of %s: not a string", snak.Datatype, snak.Property)
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(sv.Value))
		if err != nil {
			res.Errorf("dropped %q of %s: not an integer, cannot cast to quantity on %s", sv.Value, snak.Property, prop)
			return nil
		}
		out.Value = model.QuantityValue{Amount: fmt.Sprintf("%+d", n), Unit: "1"}
		res.Errorf("cast %q of %s from string to quantity on %s", sv.Value, snak.Property, prop)
	case snak.Datatype == model.TypeString && target == model.TypeMonolingualText:
		sv, ok := snak.Value.(model.StringValue)
		if !ok {
			res.Errorf("dropped %s value of %s: not a string", snak.Datatype, snak.Property)
			return nil
		}
		out.Value = model.MonolingualTextValue{Text: sv.Value, Language: t.profile.TypeCasts.FallbackLanguage}
		res.Errorf("cast %q of %s from string to monolingual text (%s) on %s",
			sv.Value, snak.Property, t.profile.TypeCasts.FallbackLanguage, prop)
	case snak.Datatype == model.TypeString && target == model.TypeExternalID:
		sv, ok := snak.Value.(model.StringValue)
		if !ok {
			res.Errorf("dropped %s value of %s: not a string", snak.Datatype, snak.Property)
			return nil
		}
		out.Value = sv
		res.Errorf("cast %q of %s from string to external-id on %s", sv.Value, snak.Property, prop)
	case snak.Datatype == model.TypeMonolingualText && target == model.TypeString:
		mv, ok := snak.Value.(model.MonolingualTextValue)
		if !ok {
			res.Errorf("dropped %s value of %s: not a monolingual text", snak.Datatype, snak.Property)
			return nil
		}
		out.Value = model.StringValue{Value: mv.Text}
		res.Errorf("cast %q of %s from monolingual text to string on %s", mv.Text, snak.Property, prop)
	default:
		res.Errorf("dropped value of %s: no cast from %s to %s for %s",
			snak.Property, snak.Datatype, target, prop)
		return nil
	}
	return out
}

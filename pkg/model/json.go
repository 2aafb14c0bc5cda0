package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Wire structs shared by the read and write shapes.

type wireTerm struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

type wireSitelink struct {
	Site   string   `json:"site"`
	Title  string   `json:"title"`
	Badges []string `json:"badges,omitempty"`
}

type wireDataValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type wireSnakIn struct {
	SnakType  string         `json:"snaktype"`
	Property  string         `json:"property"`
	Datatype  string         `json:"datatype"`
	DataValue *wireDataValue `json:"datavalue"`
}

type wireReferenceIn struct {
	Snaks      map[string][]wireSnakIn `json:"snaks"`
	SnaksOrder []string                `json:"snaks-order"`
}

type wireClaimIn struct {
	MainSnak        *wireSnakIn             `json:"mainsnak"`
	Rank            string                  `json:"rank"`
	Qualifiers      map[string][]wireSnakIn `json:"qualifiers"`
	QualifiersOrder []string                `json:"qualifiers-order"`
	References      []wireReferenceIn       `json:"references"`
}

type wireEntityIn struct {
	Type         string                    `json:"type"`
	ID           string                    `json:"id"`
	Datatype     string                    `json:"datatype"`
	Labels       map[string]wireTerm       `json:"labels"`
	Descriptions map[string]wireTerm       `json:"descriptions"`
	Aliases      map[string][]wireTerm     `json:"aliases"`
	Claims       json.RawMessage           `json:"claims"`
	Statements   json.RawMessage           `json:"statements"`
	Sitelinks    map[string]wireSitelinkIn `json:"sitelinks"`
}

type wireSitelinkIn struct {
	Site   string   `json:"site"`
	Title  string   `json:"title"`
	Badges []string `json:"badges"`
}

// UnmarshalEntity parses one entity record of a wbgetentities response.
// MediaInfo records keep their statements under "statements"; everything
// else uses "claims". Unknown datatypes or datavalue tags fail the decode.
func UnmarshalEntity(data []byte) (*Entity, error) {
	var in wireEntityIn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("entity json: %w", err)
	}

	kind := EntityKind(in.Type)
	if in.Type == "" {
		k, err := KindOf(in.ID)
		if err != nil {
			return nil, err
		}
		kind = k
	}

	e := NewEntity(kind)
	e.ID = in.ID

	if in.Datatype != "" {
		dt, err := ParseDatatype(in.Datatype)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", in.ID, err)
		}
		e.Datatype = dt
	}

	for lang, term := range in.Labels {
		e.Labels[lang] = term.Value
	}
	for lang, term := range in.Descriptions {
		e.Descriptions[lang] = term.Value
	}
	for lang, terms := range in.Aliases {
		values := make([]string, 0, len(terms))
		for _, t := range terms {
			values = append(values, t.Value)
		}
		e.Aliases[lang] = values
	}
	for site, sl := range in.Sitelinks {
		e.Sitelinks[site] = Sitelink{Site: sl.Site, Title: sl.Title, Badges: sl.Badges}
	}

	rawClaims := in.Claims
	if kind == KindMediaInfo && len(in.Statements) > 0 {
		rawClaims = in.Statements
	}
	claims, err := decodeClaims(rawClaims)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", in.ID, err)
	}
	e.Claims = claims

	return e, nil
}

// decodeClaims accepts the wbgetentities claims value: normally a map of
// property → claim list, but an empty set serializes as []. The map has no
// defined order, so property groups are flattened in ID order.
func decodeClaims(raw json.RawMessage) ([]*Claim, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("claims: %w", err)
		}
		if len(list) > 0 {
			return nil, fmt.Errorf("claims: unexpected list form with %d entries", len(list))
		}
		return nil, nil
	}

	var groups map[string][]wireClaimIn
	if err := json.Unmarshal(trimmed, &groups); err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}

	pids := make([]string, 0, len(groups))
	for pid := range groups {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return CompareIDs(pids[i], pids[j]) < 0 })

	var out []*Claim
	for _, pid := range pids {
		for i := range groups[pid] {
			claim, err := decodeClaim(&groups[pid][i])
			if err != nil {
				return nil, fmt.Errorf("claim on %s: %w", pid, err)
			}
			out = append(out, claim)
		}
	}
	return out, nil
}

func decodeClaim(in *wireClaimIn) (*Claim, error) {
	if in.MainSnak == nil {
		return nil, fmt.Errorf("claim without mainsnak")
	}
	main, err := decodeSnak(in.MainSnak)
	if err != nil {
		return nil, err
	}

	claim := &Claim{
		MainSnak:        main,
		Rank:            in.Rank,
		QualifiersOrder: in.QualifiersOrder,
	}

	if len(in.Qualifiers) > 0 {
		claim.Qualifiers = make(map[string][]*Snak, len(in.Qualifiers))
		for pid, snaks := range in.Qualifiers {
			for i := range snaks {
				s, err := decodeSnak(&snaks[i])
				if err != nil {
					return nil, fmt.Errorf("qualifier %s: %w", pid, err)
				}
				claim.Qualifiers[pid] = append(claim.Qualifiers[pid], s)
			}
		}
		if len(claim.QualifiersOrder) == 0 {
			claim.QualifiersOrder = sortedSnakGroupKeys(claim.Qualifiers)
		}
	}

	for _, refIn := range in.References {
		ref := &Reference{SnaksOrder: refIn.SnaksOrder}
		if len(refIn.Snaks) > 0 {
			ref.Snaks = make(map[string][]*Snak, len(refIn.Snaks))
			for pid, snaks := range refIn.Snaks {
				for i := range snaks {
					s, err := decodeSnak(&snaks[i])
					if err != nil {
						return nil, fmt.Errorf("reference snak %s: %w", pid, err)
					}
					ref.Snaks[pid] = append(ref.Snaks[pid], s)
				}
			}
			if len(ref.SnaksOrder) == 0 {
				ref.SnaksOrder = sortedSnakGroupKeys(ref.Snaks)
			}
		}
		claim.References = append(claim.References, ref)
	}

	return claim, nil
}

func sortedSnakGroupKeys(groups map[string][]*Snak) []string {
	keys := make([]string, 0, len(groups))
	for pid := range groups {
		keys = append(keys, pid)
	}
	sort.Slice(keys, func(i, j int) bool { return CompareIDs(keys[i], keys[j]) < 0 })
	return keys
}

func decodeSnak(in *wireSnakIn) (*Snak, error) {
	kind := SnakKind(in.SnakType)
	switch kind {
	case KnownValue, UnknownValue, NoValue:
	default:
		return nil, fmt.Errorf("unknown snaktype %q", in.SnakType)
	}

	var dt Datatype
	if in.Datatype != "" {
		parsed, err := ParseDatatype(in.Datatype)
		if err != nil {
			return nil, err
		}
		dt = parsed
	}

	snak := &Snak{
		Property: in.Property,
		Datatype: dt,
		Kind:     kind,
	}

	if kind == KnownValue && in.DataValue != nil {
		value, err := decodeDataValue(in.DataValue.Type, in.DataValue.Value)
		if err != nil {
			return nil, fmt.Errorf("snak %s: %w", in.Property, err)
		}
		snak.Value = value
	}

	return snak, nil
}

// Write shape: the wbeditentity data payload. Claims are emitted as a flat
// list so statement order survives the round trip; Wikibase accepts both
// forms.

type wireSnakOut struct {
	SnakType  string         `json:"snaktype"`
	Property  string         `json:"property"`
	Datatype  string         `json:"datatype,omitempty"`
	DataValue map[string]any `json:"datavalue,omitempty"`
}

type wireReferenceOut struct {
	Snaks      map[string][]wireSnakOut `json:"snaks"`
	SnaksOrder []string                 `json:"snaks-order,omitempty"`
}

type wireClaimOut struct {
	MainSnak        wireSnakOut              `json:"mainsnak"`
	Type            string                   `json:"type"`
	Rank            string                   `json:"rank,omitempty"`
	Qualifiers      map[string][]wireSnakOut `json:"qualifiers,omitempty"`
	QualifiersOrder []string                 `json:"qualifiers-order,omitempty"`
	References      []wireReferenceOut       `json:"references,omitempty"`
}

type wireEntityOut struct {
	Datatype     string                  `json:"datatype,omitempty"`
	Labels       map[string]wireTerm     `json:"labels,omitempty"`
	Descriptions map[string]wireTerm     `json:"descriptions,omitempty"`
	Aliases      map[string][]wireTerm   `json:"aliases,omitempty"`
	Claims       []wireClaimOut          `json:"claims,omitempty"`
	Sitelinks    map[string]wireSitelink `json:"sitelinks,omitempty"`
}

// MarshalEntity renders the wbeditentity data payload for an entity. The
// entity ID is not part of the payload; it travels in the request params.
func MarshalEntity(e *Entity) ([]byte, error) {
	out := wireEntityOut{}

	if e.Kind == KindProperty && e.Datatype != "" {
		out.Datatype = string(e.Datatype)
	}

	if len(e.Labels) > 0 {
		out.Labels = make(map[string]wireTerm, len(e.Labels))
		for lang, value := range e.Labels {
			out.Labels[lang] = wireTerm{Language: lang, Value: value}
		}
	}
	if len(e.Descriptions) > 0 {
		out.Descriptions = make(map[string]wireTerm, len(e.Descriptions))
		for lang, value := range e.Descriptions {
			out.Descriptions[lang] = wireTerm{Language: lang, Value: value}
		}
	}
	if len(e.Aliases) > 0 {
		out.Aliases = make(map[string][]wireTerm, len(e.Aliases))
		for lang, values := range e.Aliases {
			terms := make([]wireTerm, 0, len(values))
			for _, v := range values {
				terms = append(terms, wireTerm{Language: lang, Value: v})
			}
			out.Aliases[lang] = terms
		}
	}
	if len(e.Sitelinks) > 0 {
		out.Sitelinks = make(map[string]wireSitelink, len(e.Sitelinks))
		for site, sl := range e.Sitelinks {
			out.Sitelinks[site] = wireSitelink{Site: sl.Site, Title: sl.Title, Badges: sl.Badges}
		}
	}

	for _, claim := range e.Claims {
		claimOut, err := encodeClaim(claim)
		if err != nil {
			return nil, err
		}
		out.Claims = append(out.Claims, claimOut)
	}

	return json.Marshal(out)
}

func encodeClaim(c *Claim) (wireClaimOut, error) {
	if c.MainSnak == nil {
		return wireClaimOut{}, fmt.Errorf("claim without mainsnak")
	}
	out := wireClaimOut{
		MainSnak:        encodeSnak(c.MainSnak),
		Type:            "statement",
		Rank:            c.Rank,
		QualifiersOrder: c.QualifiersOrder,
	}
	if len(c.Qualifiers) > 0 {
		out.Qualifiers = make(map[string][]wireSnakOut, len(c.Qualifiers))
		for pid, snaks := range c.Qualifiers {
			for _, s := range snaks {
				out.Qualifiers[pid] = append(out.Qualifiers[pid], encodeSnak(s))
			}
		}
	}
	for _, ref := range c.References {
		refOut := wireReferenceOut{SnaksOrder: ref.SnaksOrder}
		if len(ref.Snaks) > 0 {
			refOut.Snaks = make(map[string][]wireSnakOut, len(ref.Snaks))
			for pid, snaks := range ref.Snaks {
				for _, s := range snaks {
					refOut.Snaks[pid] = append(refOut.Snaks[pid], encodeSnak(s))
				}
			}
		}
		out.References = append(out.References, refOut)
	}
	return out, nil
}

func encodeSnak(s *Snak) wireSnakOut {
	out := wireSnakOut{
		SnakType: string(s.Kind),
		Property: s.Property,
		Datatype: string(s.Datatype),
	}
	if s.Kind == KnownValue && s.Value != nil {
		out.DataValue = marshalDataValue(s.Value)
	}
	return out
}

// Package model defines the Wikibase entity data model: entities, claims,
// snaks, and the closed datavalue sum type, plus the JSON codec for the
// wbgetentities read shape and the wbeditentity write payload.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityKind identifies the four Wikibase entity kinds.
type EntityKind string

const (
	KindItem      EntityKind = "item"
	KindProperty  EntityKind = "property"
	KindLexeme    EntityKind = "lexeme"
	KindMediaInfo EntityKind = "mediainfo"
)

// KindOf derives the entity kind from the one-letter ID prefix.
func KindOf(id string) (EntityKind, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrUnknownEntityType)
	}
	switch id[0] {
	case 'Q':
		return KindItem, nil
	case 'P':
		return KindProperty, nil
	case 'L':
		return KindLexeme, nil
	case 'M':
		return KindMediaInfo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, id)
}

// SupportsSitelinks reports whether entities of this kind carry sitelinks.
func (k EntityKind) SupportsSitelinks() bool {
	return k == KindItem
}

// IsEntityID reports whether s looks like a Wikibase entity ID: a known
// one-letter prefix followed by digits.
func IsEntityID(s string) bool {
	if len(s) < 2 {
		return false
	}
	switch s[0] {
	case 'Q', 'P', 'L', 'M':
	default:
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NumericSuffix returns the digits of an entity ID as an integer, or -1 if
// the ID has no parseable suffix. Used for numeric-aware ID ordering.
func NumericSuffix(id string) int {
	if len(id) < 2 {
		return -1
	}
	n, err := strconv.Atoi(id[1:])
	if err != nil {
		return -1
	}
	return n
}

// CompareIDs orders entity IDs by prefix, then numeric suffix, then raw
// string. "Q9" sorts before "Q10".
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	pa, pb := "", ""
	if a != "" {
		pa = a[:1]
	}
	if b != "" {
		pb = b[:1]
	}
	if pa != pb {
		return strings.Compare(pa, pb)
	}
	na, nb := NumericSuffix(a), NumericSuffix(b)
	if na >= 0 && nb >= 0 && na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// SnakKind is the snak type: a known value, an explicit unknown, or an
// explicit no-value. The constants carry the wire names.
type SnakKind string

const (
	KnownValue   SnakKind = "value"
	UnknownValue SnakKind = "somevalue"
	NoValue      SnakKind = "novalue"
)

// Snak is a single property-value cell.
type Snak struct {
	Property string
	Datatype Datatype
	Kind     SnakKind
	// Value is nil unless Kind is KnownValue.
	Value DataValue
}

// Claim is a statement: a main snak plus qualifier snaks (grouped by
// property) and reference groups.
type Claim struct {
	MainSnak        *Snak
	Rank            string
	Qualifiers      map[string][]*Snak
	QualifiersOrder []string
	References      []*Reference
}

// QualifierCount returns the total number of qualifier snaks.
func (c *Claim) QualifierCount() int {
	n := 0
	for _, snaks := range c.Qualifiers {
		n += len(snaks)
	}
	return n
}

// AddQualifier appends a qualifier snak, keeping QualifiersOrder in sync.
func (c *Claim) AddQualifier(s *Snak) {
	if c.Qualifiers == nil {
		c.Qualifiers = make(map[string][]*Snak)
	}
	if _, ok := c.Qualifiers[s.Property]; !ok {
		c.QualifiersOrder = append(c.QualifiersOrder, s.Property)
	}
	c.Qualifiers[s.Property] = append(c.Qualifiers[s.Property], s)
}

// Reference is one reference group: snaks grouped by property.
type Reference struct {
	Snaks      map[string][]*Snak
	SnaksOrder []string
}

// AddSnak appends a reference snak, keeping SnaksOrder in sync.
func (r *Reference) AddSnak(s *Snak) {
	if r.Snaks == nil {
		r.Snaks = make(map[string][]*Snak)
	}
	if _, ok := r.Snaks[s.Property]; !ok {
		r.SnaksOrder = append(r.SnaksOrder, s.Property)
	}
	r.Snaks[s.Property] = append(r.Snaks[s.Property], s)
}

// AllSnaks returns the group's snaks in SnaksOrder.
func (r *Reference) AllSnaks() []*Snak {
	var out []*Snak
	for _, pid := range r.SnaksOrder {
		out = append(out, r.Snaks[pid]...)
	}
	return out
}

// IsEmpty reports whether the group holds no snaks.
func (r *Reference) IsEmpty() bool {
	return len(r.Snaks) == 0
}

// Sitelink is a cross-reference from an item to a page on an external wiki.
type Sitelink struct {
	Site   string
	Title  string
	Badges []string
}

// Entity is one Wikibase entity. Labels, descriptions and aliases are keyed
// by language code; sitelinks (items only) by site key. Claims keep source
// order. Lexeme lemmas, forms and senses are not modeled.
type Entity struct {
	ID   string
	Kind EntityKind
	// Datatype is set for properties only.
	Datatype     Datatype
	Labels       map[string]string
	Descriptions map[string]string
	Aliases      map[string][]string
	Sitelinks    map[string]Sitelink
	Claims       []*Claim
}

// NewEntity creates an empty entity of the given kind.
func NewEntity(kind EntityKind) *Entity {
	return &Entity{
		Kind:         kind,
		Labels:       make(map[string]string),
		Descriptions: make(map[string]string),
		Aliases:      make(map[string][]string),
		Sitelinks:    make(map[string]Sitelink),
	}
}

// ClaimsFor returns the entity's claims on the given property, in order.
func (e *Entity) ClaimsFor(pid string) []*Claim {
	var out []*Claim
	for _, c := range e.Claims {
		if c.MainSnak != nil && c.MainSnak.Property == pid {
			out = append(out, c)
		}
	}
	return out
}

// SetSitelink sets or replaces the sitelink for a site key.
func (e *Entity) SetSitelink(site, title string) {
	if e.Sitelinks == nil {
		e.Sitelinks = make(map[string]Sitelink)
	}
	e.Sitelinks[site] = Sitelink{Site: site, Title: title}
}

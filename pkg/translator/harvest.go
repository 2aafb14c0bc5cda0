package translator

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"wbmigrate/pkg/model"
)

// Harvest collects every entity ID reachable from e: the entity's own ID,
// the property of every snak, the target of every known-value item snak, and
// quantity units that name an entity. The set primes the mapping cache
// before translation. Calendar and globe IRIs are opaque on the wire and
// stay out.
func Harvest(e *model.Entity) mapset.Set[string] {
	ids := mapset.NewThreadUnsafeSet[string]()
	if e.ID != "" {
		ids.Add(e.ID)
	}
	for _, claim := range e.Claims {
		harvestSnak(claim.MainSnak, ids)
		for _, snaks := range claim.Qualifiers {
			for _, q := range snaks {
				harvestSnak(q, ids)
			}
		}
		for _, ref := range claim.References {
			for _, snaks := range ref.Snaks {
				for _, s := range snaks {
					harvestSnak(s, ids)
				}
			}
		}
	}
	return ids
}

func harvestSnak(s *model.Snak, ids mapset.Set[string]) {
	if s == nil {
		return
	}
	ids.Add(s.Property)
	if s.Kind != model.KnownValue {
		return
	}
	switch v := s.Value.(type) {
	case model.EntityIDValue:
		if s.Datatype == model.TypeWikibaseItem {
			ids.Add(v.ID)
		}
	case model.QuantityValue:
		if unit, ok := unitEntityID(v.Unit); ok {
			ids.Add(unit)
		}
	}
}

// unitEntityID extracts the entity ID a quantity unit IRI names. The
// unitless marker "1" and units whose trailing path segment is not an item,
// property or lexeme ID report false.
func unitEntityID(unit string) (string, bool) {
	if unit == "" || unit == "1" {
		return "", false
	}
	seg := unit[strings.LastIndexByte(unit, '/')+1:]
	if seg == "" {
		return "", false
	}
	switch seg[0] {
	case 'Q', 'P', 'L':
	default:
		return "", false
	}
	if !model.IsEntityID(seg) {
		return "", false
	}
	return seg, true
}

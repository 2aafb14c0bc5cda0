package merger

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"wbmigrate/pkg/model"
)

// DataValueHash fingerprints a datavalue by its canonical JSON form. Snaks
// without a datavalue (somevalue, novalue) all hash alike, matching the
// equality the merge rules need.
func DataValueHash(v model.DataValue) uint64 {
	h := fnv.New64a()
	h.Write(model.CanonicalDataValueJSON(v))
	return h.Sum64()
}

// ReferenceHash fingerprints a reference group as the wrapping sum of its
// snak hashes. The sum keeps equality order-insensitive: reference groups
// differing only in snak order are the same reference.
func ReferenceHash(r *model.Reference) uint64 {
	var sum uint64
	for _, snak := range r.AllSnaks() {
		sum += DataValueHash(snak.Value)
	}
	return sum
}

// qualifierSignature canonicalizes a claim's qualifiers: property groups in
// ID order, hashes sorted within each group. Equal signatures mean equal
// qualifier content.
func qualifierSignature(c *model.Claim) string {
	if len(c.Qualifiers) == 0 {
		return ""
	}
	props := make([]string, 0, len(c.Qualifiers))
	for prop := range c.Qualifiers {
		props = append(props, prop)
	}
	sort.Slice(props, func(i, j int) bool { return model.CompareIDs(props[i], props[j]) < 0 })

	var b strings.Builder
	for _, prop := range props {
		hashes := make([]uint64, 0, len(c.Qualifiers[prop]))
		for _, q := range c.Qualifiers[prop] {
			hashes = append(hashes, DataValueHash(q.Value))
		}
		sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
		b.WriteString(prop)
		for _, h := range hashes {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(h, 16))
		}
		b.WriteByte(';')
	}
	return b.String()
}

// MergeRefsOrAppend adds a claim to an entity under construction. When a
// claim with the same property, equal main-snak datavalue, and equal
// qualifier content already exists, the new claim's references are unioned
// into it; otherwise the claim is appended. Claims distinguished by their
// qualifiers stay separate.
func MergeRefsOrAppend(e *model.Entity, claim *model.Claim) {
	mainHash := DataValueHash(claim.MainSnak.Value)
	sig := qualifierSignature(claim)
	for _, existing := range e.Claims {
		if existing.MainSnak.Property != claim.MainSnak.Property {
			continue
		}
		if DataValueHash(existing.MainSnak.Value) != mainHash || qualifierSignature(existing) != sig {
			continue
		}
		unionReferences(existing, claim.References)
		return
	}
	e.Claims = append(e.Claims, claim)
}

// unionReferences appends reference groups absent from the claim, judged by
// reference hash.
func unionReferences(target *model.Claim, refs []*model.Reference) {
	for _, ref := range refs {
		if !hasEquivalentReference(ref, target.References) {
			target.References = append(target.References, ref)
		}
	}
}

func hasEquivalentReference(ref *model.Reference, refs []*model.Reference) bool {
	want := ReferenceHash(ref)
	for _, candidate := range refs {
		if ReferenceHash(candidate) == want {
			return true
		}
	}
	return false
}

func hasEquivalentSnak(snak *model.Snak, snaks []*model.Snak) bool {
	want := DataValueHash(snak.Value)
	for _, candidate := range snaks {
		if DataValueHash(candidate.Value) == want {
			return true
		}
	}
	return false
}

package translator

import (
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"wbmigrate/pkg/model"
)

// Result captures one entity's translation: the rewritten entity, the slice
// of the mapping it used, everything that could not be mapped, and notes. A
// result is mutated by the translator and then by the orchestrator (which
// fills Created after the write); it is never shared between goroutines.
type Result struct {
	Original  *model.Entity
	Rewritten *model.Entity
	// MappingUsed holds the target ID for every source ID the entity
	// references. Unmapped IDs map to "".
	MappingUsed       map[string]string
	MissingProperties mapset.Set[string]
	MissingItems      mapset.Set[string]
	// Created is the entity echoed by the target API after a successful
	// write; nil until then, and nil forever on write failure.
	Created *model.Entity
	// Errors is documentary: write failures land here, but so do notes
	// about casts, both applied and refused.
	Errors []string
}

func NewResult(original *model.Entity) *Result {
	return &Result{
		Original:          original,
		MappingUsed:       make(map[string]string),
		MissingProperties: mapset.NewThreadUnsafeSet[string](),
		MissingItems:      mapset.NewThreadUnsafeSet[string](),
	}
}

func (r *Result) AddMissingProperty(pid string) { r.MissingProperties.Add(pid) }

func (r *Result) AddMissingItem(id string) { r.MissingItems.Add(id) }

// Errorf appends a formatted note to Errors.
func (r *Result) Errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) HasErrors() bool { return len(r.Errors) > 0 }

// Batch aggregates translation results by source entity ID.
type Batch struct {
	Results map[string]*Result
}

func NewBatch() *Batch {
	return &Batch{Results: make(map[string]*Result)}
}

func (b *Batch) Add(r *Result) {
	b.Results[r.Original.ID] = r
}

func (b *Batch) Get(sourceID string) *Result {
	return b.Results[sourceID]
}

// SourceIDs returns the batch's source entity IDs in ID order.
func (b *Batch) SourceIDs() []string {
	ids := make([]string, 0, len(b.Results))
	for id := range b.Results {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, model.CompareIDs)
	return ids
}

// TargetIDs returns the known target-side IDs, in ID order: the written
// entity's ID where a write succeeded, otherwise the entity's own mapping.
func (b *Batch) TargetIDs() []string {
	var ids []string
	for _, r := range b.Results {
		switch {
		case r.Created != nil && r.Created.ID != "":
			ids = append(ids, r.Created.ID)
		case r.Original != nil && r.MappingUsed[r.Original.ID] != "":
			ids = append(ids, r.MappingUsed[r.Original.ID])
		}
	}
	slices.SortFunc(ids, model.CompareIDs)
	return ids
}

// MappingUsed unions the per-entity mappings. Unmapped entries drop out;
// they are reachable through MissingProperties and MissingItems.
func (b *Batch) MappingUsed() map[string]string {
	out := make(map[string]string)
	for _, r := range b.Results {
		for src, tgt := range r.MappingUsed {
			if tgt != "" {
				out[src] = tgt
			}
		}
	}
	return out
}

// MissingProperties returns the union across results, in ID order.
func (b *Batch) MissingProperties() []string {
	return b.union(func(r *Result) mapset.Set[string] { return r.MissingProperties })
}

// MissingItems returns the union across results, in ID order.
func (b *Batch) MissingItems() []string {
	return b.union(func(r *Result) mapset.Set[string] { return r.MissingItems })
}

func (b *Batch) union(pick func(*Result) mapset.Set[string]) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, r := range b.Results {
		set = set.Union(pick(r))
	}
	ids := set.ToSlice()
	slices.SortFunc(ids, model.CompareIDs)
	return ids
}

// EntitiesWithErrors returns the results carrying error notes, in source ID
// order.
func (b *Batch) EntitiesWithErrors() []*Result {
	var out []*Result
	for _, id := range b.SourceIDs() {
		if r := b.Results[id]; r.HasErrors() {
			out = append(out, r)
		}
	}
	return out
}

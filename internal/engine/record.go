package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Record is one persisted instance of a model: scalar field values plus
// relation state. To-one relations are stored inline as a single target id,
// to-many relations as a sorted id set; there is no separate join structure.
type Record struct {
	Model    string             `json:"-"`
	ID       int64              `json:"id"`
	Fields   map[string]any     `json:"fields"`
	Refs     map[string]int64   `json:"refs,omitempty"`
	RefSets  map[string][]int64 `json:"ref_sets,omitempty"`
	Created  time.Time          `json:"created"`
	Modified time.Time          `json:"modified"`
}

// Clone returns a deep copy. Every read path returns clones so callers never
// hold a live reference into engine state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	if r.Refs != nil {
		c.Refs = make(map[string]int64, len(r.Refs))
		for k, v := range r.Refs {
			c.Refs[k] = v
		}
	}
	if r.RefSets != nil {
		c.RefSets = make(map[string][]int64, len(r.RefSets))
		for k, v := range r.RefSets {
			c.RefSets[k] = slices.Clone(v)
		}
	}
	return &c
}

// Ref returns the to-one target id for a relation, 0 meaning null.
func (r *Record) Ref(relation string) int64 {
	return r.Refs[relation]
}

// RefSet returns the to-many target ids for a relation.
func (r *Record) RefSet(relation string) []int64 {
	return r.RefSets[relation]
}

// setRef sets or clears a to-one relation value.
func (r *Record) setRef(relation string, id int64) {
	if id == 0 {
		delete(r.Refs, relation)
		return
	}
	if r.Refs == nil {
		r.Refs = map[string]int64{}
	}
	r.Refs[relation] = id
}

// setRefSet replaces a to-many relation set. The ids must be sorted and
// deduplicated by the caller.
func (r *Record) setRefSet(relation string, ids []int64) {
	if len(ids) == 0 {
		delete(r.RefSets, relation)
		return
	}
	if r.RefSets == nil {
		r.RefSets = map[string][]int64{}
	}
	r.RefSets[relation] = ids
}

// addToRefSet inserts id keeping the set sorted; no-op if present.
func (r *Record) addToRefSet(relation string, id int64) {
	set := r.RefSets[relation]
	i, found := slices.BinarySearch(set, id)
	if found {
		return
	}
	r.setRefSet(relation, slices.Insert(set, i, id))
}

// removeFromRefSet removes id; no-op if absent.
func (r *Record) removeFromRefSet(relation string, id int64) {
	set := r.RefSets[relation]
	i, found := slices.BinarySearch(set, id)
	if !found {
		return
	}
	r.setRefSet(relation, slices.Delete(set, i, i+1))
}

// marshalRecord serializes a record to its store blob.
func marshalRecord(r *Record) ([]byte, error) {
	blob := r.Clone()
	// Dates travel as ISO 8601 strings.
	for k, v := range blob.Fields {
		if t, ok := v.(time.Time); ok {
			blob.Fields[k] = t.Format(time.RFC3339Nano)
		}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s/%d: %w", r.Model, r.ID, err)
	}
	return data, nil
}

// unmarshalRecord deserializes a store blob. Numbers are decoded as
// json.Number so whole values survive as int64 after coercion.
func unmarshalRecord(model string, blob []byte) (*Record, error) {
	var r Record
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record: %w", model, err)
	}
	r.Model = model
	return &r, nil
}

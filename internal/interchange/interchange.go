// Package interchange moves whole model sets in and out of the engine as a
// JSON document: one ordered array of flat field-value mappings per model,
// relation fields carried as identifier values or identifier arrays.
//
// Import runs in two passes. Pass one writes every record without its
// relations so forward references cannot fail; pass two applies the relation
// values with identifiers remapped to their newly assigned ones. Exported
// identifiers are therefore hints, not stable names: importing into a
// non-empty database reproduces the same graph under fresh identifiers.
package interchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/monou-jp/Shelflet/internal/engine"
	"github.com/monou-jp/Shelflet/internal/schema"
)

// Document is the interchange format. Model sets appear in schema
// registration order on export; import accepts any order.
type Document struct {
	Models []ModelSet `json:"models"`
}

// ModelSet holds every exported record of one model as flat mappings: "id",
// scalar fields by name, and non-derived relations by name.
type ModelSet struct {
	Model   string           `json:"model"`
	Records []map[string]any `json:"records"`
}

// Result summarizes an import.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Encode writes the document as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("failed to encode interchange document: %w", err)
	}
	return nil
}

// Decode reads a document from JSON.
func Decode(r io.Reader) (*Document, error) {
	var d Document
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode interchange document: %w", err)
	}
	return &d, nil
}

// Export snapshots every record of every registered model. Derived inverse
// relations are omitted; they are reconstructed from the forward side on
// import.
func Export(e *engine.Engine) (*Document, error) {
	doc := &Document{}
	for _, md := range e.Registry().Models() {
		set := ModelSet{Model: md.Name, Records: []map[string]any{}}
		recs, err := e.All(md.Name, engine.ListOptions{})
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			set.Records = append(set.Records, flatten(md, r))
		}
		doc.Models = append(doc.Models, set)
	}
	return doc, nil
}

// flatten renders one record as a flat JSON-compatible mapping.
func flatten(md *schema.Model, r *engine.Record) map[string]any {
	out := map[string]any{"id": r.ID}
	for name, v := range r.Fields {
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339Nano)
		}
		out[name] = v
	}
	for i := range md.Relations {
		rel := &md.Relations[i]
		if rel.Derived {
			continue
		}
		switch rel.Kind {
		case schema.ToOne:
			if id := r.Ref(rel.Name); id != 0 {
				out[rel.Name] = id
			}
		case schema.ToMany:
			if ids := r.RefSet(rel.Name); len(ids) > 0 {
				out[rel.Name] = ids
			}
		}
	}
	return out
}

// pending is one imported record waiting for its relation pass.
type pending struct {
	model string
	newID int64
	rels  map[string]any
}

// Import writes the document's records into the engine. A record whose "id"
// names an existing record of the model is updated in place; all others are
// created with fresh identifiers. Relation values referring to document
// identifiers follow the remapping; identifiers of records absent from the
// document are taken as references to pre-existing records.
func Import(e *engine.Engine, doc *Document) (*Result, error) {
	res := &Result{}
	reg := e.Registry()
	// old id in the document -> assigned id, per model.
	idMap := map[string]map[int64]int64{}
	var deferred []pending

	for _, set := range doc.Models {
		md, err := reg.Get(set.Model)
		if err != nil {
			return nil, err
		}
		if idMap[md.Name] == nil {
			idMap[md.Name] = map[int64]int64{}
		}
		for i, flat := range set.Records {
			oldID, fields, rels, err := split(md, flat)
			if err != nil {
				return nil, fmt.Errorf("%s record %d: %w", md.Name, i, err)
			}
			var rec *engine.Record
			updated := false
			if oldID != 0 {
				switch _, err := e.Get(md.Name, oldID); {
				case err == nil:
					updated = true
				case !errors.As(err, new(*engine.NotFoundError)):
					return nil, fmt.Errorf("%s record %d: %w", md.Name, i, err)
				}
			}
			if updated {
				rec, err = e.Update(md.Name, oldID, fields)
				res.Updated++
			} else {
				rec, err = e.Create(md.Name, fields)
				res.Created++
			}
			if err != nil {
				return nil, fmt.Errorf("%s record %d: %w", md.Name, i, err)
			}
			if oldID != 0 {
				idMap[md.Name][oldID] = rec.ID
			}
			if len(rels) > 0 {
				deferred = append(deferred, pending{model: md.Name, newID: rec.ID, rels: rels})
			}
		}
	}

	for _, p := range deferred {
		md, err := reg.Get(p.model)
		if err != nil {
			return nil, err
		}
		mapped := map[string]any{}
		for name, v := range p.rels {
			rel, _ := md.Relation(name)
			mapped[name] = remap(idMap[rel.Target], v)
		}
		if _, err := e.Update(p.model, p.newID, mapped); err != nil {
			return nil, fmt.Errorf("relations of %s %d: %w", p.model, p.newID, err)
		}
	}
	return res, nil
}

// split partitions one flat mapping into its identifier, scalar fields, and
// relation values.
func split(md *schema.Model, flat map[string]any) (int64, map[string]any, map[string]any, error) {
	fields := map[string]any{}
	rels := map[string]any{}
	var id int64
	for name, v := range flat {
		if name == "id" {
			n, ok := asID(v)
			if !ok {
				return 0, nil, nil, fmt.Errorf("invalid id %v", v)
			}
			id = n
			continue
		}
		if _, ok := md.Field(name); ok {
			fields[name] = v
			continue
		}
		if rel, ok := md.Relation(name); ok {
			if rel.Derived {
				continue // Reconstructed from the forward side.
			}
			rels[name] = v
			continue
		}
		return 0, nil, nil, fmt.Errorf("unknown key %q", name)
	}
	return id, fields, rels, nil
}

func asID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// remap rewrites relation identifier values through the old-to-new mapping.
// Identifiers without a mapping pass through unchanged.
func remap(m map[int64]int64, v any) any {
	one := func(v any) any {
		id, ok := asID(v)
		if !ok {
			return v
		}
		if newID, mapped := m[id]; mapped {
			return newID
		}
		return id
	}
	switch list := v.(type) {
	case []any:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = one(item)
		}
		return out
	case []int64:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = one(item)
		}
		return out
	case nil:
		return nil
	default:
		return one(v)
	}
}

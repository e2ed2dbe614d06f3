// Package engine implements the object mapper over the key-value store:
// validation, identifier allocation, relation maintenance with referential
// integrity, and the query layer.
//
// The engine is the only path to create, update, or delete a record. Every
// mutating operation is all-or-nothing: the full write set, including
// inverse-relation updates on target records, is computed and checked in
// memory before the first store write. A process-wide read/write mutex
// serializes writers; readers share.
package engine

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/monou-jp/Shelflet/internal/kvstore"
	"github.com/monou-jp/Shelflet/internal/schema"
)

// Engine binds a finalized schema registry to a store.
type Engine struct {
	reg   *schema.Registry
	store *kvstore.Store

	mu sync.RWMutex
	// seq holds the last allocated identifier per model. Identifiers are
	// monotonically increasing and never reused after deletion.
	seq map[string]int64
}

// New creates an engine. The registry must be finalized. Identifier counters
// are recovered from the store: the persisted counter, or the highest
// existing record id if the counter blob is missing or behind.
func New(reg *schema.Registry, store *kvstore.Store) (*Engine, error) {
	if !reg.Finalized() {
		return nil, schema.Errorf("registry must be finalized before use")
	}
	e := &Engine{reg: reg, store: store, seq: map[string]int64{}}
	for _, md := range reg.Models() {
		last, err := e.recoverSeq(md.Name)
		if err != nil {
			return nil, err
		}
		e.seq[md.Name] = last
	}
	return e, nil
}

// Registry returns the schema registry the engine was built with.
func (e *Engine) Registry() *schema.Registry {
	return e.reg
}

func recordKey(model string, id int64) string {
	return "m/" + model + "/" + strconv.FormatInt(id, 10)
}

func recordPrefix(model string) string {
	return "m/" + model + "/"
}

func seqKey(model string) string {
	return "sys/seq/" + model
}

// recoverSeq returns the last allocated id for a model.
func (e *Engine) recoverSeq(model string) (int64, error) {
	var last int64
	blob, err := e.store.Get(seqKey(model))
	switch {
	case err == nil:
		last, err = strconv.ParseInt(strings.TrimSpace(string(blob)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence counter for %s: %w", model, err)
		}
	case errors.Is(err, kvstore.ErrNotFound):
	default:
		return 0, err
	}
	// The counter is written before any record, so it normally leads. Take
	// the max anyway in case the counter blob was lost.
	for key := range e.store.Keys(recordPrefix(model)) {
		id, err := strconv.ParseInt(key[len(recordPrefix(model)):], 10, 64)
		if err != nil {
			continue
		}
		if id > last {
			last = id
		}
	}
	return last, nil
}

// loadLocked reads and normalizes one record. Caller holds a lock.
func (e *Engine) loadLocked(md *schema.Model, id int64) (*Record, error) {
	blob, err := e.store.Get(recordKey(md.Name, id))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, &NotFoundError{Model: md.Name, ID: id}
		}
		return nil, err
	}
	r, err := unmarshalRecord(md.Name, blob)
	if err != nil {
		return nil, err
	}
	r.ID = id
	normalizeFields(md, r)
	return r, nil
}

// splitInput partitions candidate data into scalar fields and relation
// values, flagging keys declared on neither.
func splitInput(md *schema.Model, data map[string]any, verr *ValidationError) (scalars, rels map[string]any) {
	scalars = map[string]any{}
	rels = map[string]any{}
	for name, v := range data {
		if _, ok := md.Field(name); ok {
			scalars[name] = v
			continue
		}
		if _, ok := md.Relation(name); ok {
			rels[name] = v
			continue
		}
		verr.add(name, CodeUnknownField, "no such field on %s", md.Name)
	}
	return scalars, rels
}

// checkUnique appends a unique violation for every unique field whose new
// value duplicates another record's. Runs a linear scan; the store has no
// index.
func (e *Engine) checkUnique(md *schema.Model, fields map[string]any, excludeID int64, verr *ValidationError) error {
	var uniques []*schema.Field
	for i := range md.Fields {
		f := &md.Fields[i]
		if f.Unique {
			if _, present := fields[f.Name]; present {
				uniques = append(uniques, f)
			}
		}
	}
	if len(uniques) == 0 {
		return nil
	}
	for key := range e.store.Keys(recordPrefix(md.Name)) {
		id, err := strconv.ParseInt(key[len(recordPrefix(md.Name)):], 10, 64)
		if err != nil || id == excludeID {
			continue
		}
		other, err := e.loadLocked(md, id)
		if err != nil {
			if _, missing := asNotFound(err); missing {
				continue
			}
			return err
		}
		for _, f := range uniques {
			v := fields[f.Name]
			if v == nil {
				continue
			}
			if equalValues(other.Fields[f.Name], v) && !verr.Has(f.Name, CodeUnique) {
				verr.add(f.Name, CodeUnique, "value %q is already used", formatValue(v))
			}
		}
	}
	return nil
}

func asNotFound(err error) (*NotFoundError, bool) {
	var nf *NotFoundError
	ok := errors.As(err, &nf)
	return nf, ok
}

// Create validates fields, allocates a new identifier, checks every relation
// target, updates declared inverse relations, and persists the record. The
// returned record is a snapshot.
func (e *Engine) Create(model string, fields map[string]any) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createLocked(model, fields)
}

func (e *Engine) createLocked(model string, fields map[string]any) (*Record, error) {
	md, err := e.reg.Get(model)
	if err != nil {
		return nil, err
	}
	verr := &ValidationError{Model: model}
	scalars, rels := splitInput(md, fields, verr)
	validated, ferr := validateFields(md, scalars, false)
	if ferr != nil {
		verr.Errors = append(verr.Errors, ferr.Errors...)
	}
	relIDs := map[string][]int64{}
	for name, v := range rels {
		rel, _ := md.Relation(name)
		if ids, ok := relationValues(md, rel, v, verr); ok {
			relIDs[name] = ids
		}
	}
	if len(verr.Errors) == 0 {
		if err := e.checkUnique(md, validated, 0, verr); err != nil {
			return nil, err
		}
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}

	now := time.Now().UTC()
	id := e.seq[model] + 1
	rec := &Record{Model: model, ID: id, Fields: validated, Created: now, Modified: now}
	ws := e.newWriteSet()
	ws.touch(rec)
	for i := range md.Relations {
		rel := &md.Relations[i]
		ids, present := relIDs[rel.Name]
		if !present || len(ids) == 0 {
			continue
		}
		if err := ws.applyRelation(md, rec, rel, ids); err != nil {
			return nil, err
		}
	}

	// All checks passed; the counter is persisted first so the id can never
	// be reused, then targets, then the record itself.
	e.seq[model] = id
	if err := e.store.Put(seqKey(model), []byte(strconv.FormatInt(id, 10))); err != nil {
		e.seq[model] = id - 1
		return nil, err
	}
	if err := ws.flush(recordKey(model, id), now); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Update re-validates the provided fields and applies the same integrity and
// inverse-maintenance rules as Create. Absent fields are left untouched; an
// explicit null clears an optional field or relation.
func (e *Engine) Update(model string, id int64, fields map[string]any) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateLocked(model, id, fields)
}

func (e *Engine) updateLocked(model string, id int64, fields map[string]any) (*Record, error) {
	md, err := e.reg.Get(model)
	if err != nil {
		return nil, err
	}
	ws := e.newWriteSet()
	rec, err := ws.get(md, id)
	if err != nil {
		return nil, err
	}
	verr := &ValidationError{Model: model}
	scalars, rels := splitInput(md, fields, verr)
	validated, ferr := validateFields(md, scalars, true)
	if ferr != nil {
		verr.Errors = append(verr.Errors, ferr.Errors...)
	}
	relIDs := map[string][]int64{}
	for name, v := range rels {
		rel, _ := md.Relation(name)
		if ids, ok := relationValues(md, rel, v, verr); ok {
			relIDs[name] = ids
		}
	}
	if len(verr.Errors) == 0 {
		if err := e.checkUnique(md, validated, id, verr); err != nil {
			return nil, err
		}
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}

	for name, v := range validated {
		if v == nil {
			delete(rec.Fields, name)
			continue
		}
		rec.Fields[name] = v
	}
	ws.touch(rec)
	for i := range md.Relations {
		rel := &md.Relations[i]
		ids, present := relIDs[rel.Name]
		if !present {
			continue
		}
		if err := ws.applyRelation(md, rec, rel, ids); err != nil {
			return nil, err
		}
	}
	if err := ws.flush(recordKey(model, id), time.Now().UTC()); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Relate adds a single link: for a to-many relation the target joins the
// set, for a to-one relation it replaces the current target. Inverse sides
// are kept in sync.
func (e *Engine) Relate(model string, id int64, relation string, targetID int64) error {
	return e.adjustRelation(model, id, relation, targetID, true)
}

// Unrelate removes a single link, detaching both sides.
func (e *Engine) Unrelate(model string, id int64, relation string, targetID int64) error {
	return e.adjustRelation(model, id, relation, targetID, false)
}

func (e *Engine) adjustRelation(model string, id int64, relation string, targetID int64, add bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	md, err := e.reg.Get(model)
	if err != nil {
		return err
	}
	rel, ok := md.Relation(relation)
	if !ok {
		return schema.Errorf("model %q has no relation %q", model, relation)
	}
	ws := e.newWriteSet()
	rec, err := ws.get(md, id)
	if err != nil {
		return err
	}
	var ids []int64
	switch rel.Kind {
	case schema.ToOne:
		if add {
			ids = []int64{targetID}
		} else if rec.Ref(rel.Name) != targetID {
			// The pair does not exist; removing it changes nothing.
			return nil
		}
	case schema.ToMany:
		ids = rec.RefSet(rel.Name)
		if add {
			ids = sortedUnique(append([]int64{targetID}, ids...))
		} else {
			if !slices.Contains(ids, targetID) {
				return nil
			}
			kept := make([]int64, 0, len(ids))
			for _, t := range ids {
				if t != targetID {
					kept = append(kept, t)
				}
			}
			ids = kept
		}
	}
	if err := ws.applyRelation(md, rec, rel, ids); err != nil {
		return err
	}
	return ws.flush(recordKey(model, id), time.Now().UTC())
}

// Delete removes a record after detaching it everywhere: the id is removed
// from every relation set or field that references it, in both directions.
// Dependents are unlinked, not deleted, unless their to-one relation to this
// model declares on_delete cascade.
func (e *Engine) Delete(model string, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	md, err := e.reg.Get(model)
	if err != nil {
		return err
	}
	ws := e.newWriteSet()
	visited := map[string]bool{}
	if err := e.deleteInto(ws, md, id, visited); err != nil {
		return err
	}
	return ws.flush("", time.Now().UTC())
}

// deleteInto stages the deletion of one record plus all its detach and
// cascade consequences.
func (e *Engine) deleteInto(ws *writeSet, md *schema.Model, id int64, visited map[string]bool) error {
	key := recordKey(md.Name, id)
	if visited[key] {
		return nil
	}
	visited[key] = true

	rec, err := ws.get(md, id)
	if err != nil {
		return err
	}

	// Cascade before detach: dependents whose to-one relation declares
	// cascade are deleted, not unlinked.
	for _, m2 := range e.reg.Models() {
		for i := range m2.Relations {
			rel2 := &m2.Relations[i]
			if rel2.Derived || rel2.Target != md.Name || rel2.Kind != schema.ToOne || rel2.OnDelete != schema.DeleteCascade {
				continue
			}
			deps, err := e.referencingIDs(ws, m2, rel2, id)
			if err != nil {
				return err
			}
			for _, dep := range deps {
				if err := e.deleteInto(ws, m2, dep, visited); err != nil {
					if _, missing := asNotFound(err); missing {
						continue
					}
					return err
				}
			}
		}
	}

	// Detach everything this record links to through relations that carry a
	// materialized inverse (including derived inverse sets).
	rec, err = ws.get(md, id) // Cascades may have rewritten our sets.
	if err != nil {
		return err
	}
	for i := range md.Relations {
		rel := &md.Relations[i]
		if rel.Inverse == "" {
			continue
		}
		td, err := e.reg.Get(rel.Target)
		if err != nil {
			return err
		}
		inv, _ := td.Relation(rel.Inverse)
		for _, t := range relationTargets(rec, rel) {
			if ws.dropped(recordKey(rel.Target, t)) {
				continue
			}
			tr, err := ws.get(td, t)
			if err != nil {
				if _, missing := asNotFound(err); missing {
					continue
				}
				return err
			}
			removeLink(tr, inv, id)
			ws.touch(tr)
		}
	}

	// Relations with no inverse leave no back-pointer on this record, so the
	// referencing side has to be found by scan.
	for _, m2 := range e.reg.Models() {
		for i := range m2.Relations {
			rel2 := &m2.Relations[i]
			if rel2.Derived || rel2.Inverse != "" || rel2.Target != md.Name {
				continue
			}
			if rel2.Kind == schema.ToOne && rel2.OnDelete == schema.DeleteCascade {
				continue // Dependents already deleted above.
			}
			refs, err := e.referencingIDs(ws, m2, rel2, id)
			if err != nil {
				return err
			}
			for _, rid := range refs {
				r2, err := ws.get(m2, rid)
				if err != nil {
					if _, missing := asNotFound(err); missing {
						continue
					}
					return err
				}
				removeLink(r2, rel2, id)
				ws.touch(r2)
			}
		}
	}

	ws.drop(md.Name, id)
	return nil
}

// referencingIDs finds records of md whose relation rel references target.
// Uses the materialized inverse set when one exists, a linear scan otherwise.
func (e *Engine) referencingIDs(ws *writeSet, md *schema.Model, rel *schema.Relation, target int64) ([]int64, error) {
	if rel.Inverse != "" {
		td, err := e.reg.Get(rel.Target)
		if err != nil {
			return nil, err
		}
		tr, err := ws.get(td, target)
		if err != nil {
			return nil, err
		}
		return append([]int64(nil), tr.RefSet(rel.Inverse)...), nil
	}
	ids, err := ws.modelIDs(md.Name)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, id := range ids {
		r, err := ws.get(md, id)
		if err != nil {
			if _, missing := asNotFound(err); missing {
				continue
			}
			return nil, err
		}
		for _, t := range relationTargets(r, rel) {
			if t == target {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// relationTargets returns the current target ids of a relation on a record.
func relationTargets(r *Record, rel *schema.Relation) []int64 {
	if rel.Kind == schema.ToOne {
		if id := r.Ref(rel.Name); id != 0 {
			return []int64{id}
		}
		return nil
	}
	return r.RefSet(rel.Name)
}

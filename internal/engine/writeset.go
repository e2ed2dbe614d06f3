package engine

import (
	"slices"
	"strconv"
	"time"

	"github.com/monou-jp/Shelflet/internal/schema"
)

// writeSet stages the full consequence of one mutating operation in memory.
// Nothing touches the store until flush, so a failed integrity or validation
// check leaves the database exactly as it was.
type writeSet struct {
	e       *Engine
	staged  map[string]*Record
	dirty   map[string]bool
	deletes map[string]bool
	order   []string
}

func (e *Engine) newWriteSet() *writeSet {
	return &writeSet{e: e, staged: map[string]*Record{}, dirty: map[string]bool{}, deletes: map[string]bool{}}
}

// get returns the staged copy of a record, loading and staging a private
// clone on first access. Mutations on the returned record stay in the set.
func (ws *writeSet) get(md *schema.Model, id int64) (*Record, error) {
	key := recordKey(md.Name, id)
	if r, ok := ws.staged[key]; ok {
		return r, nil
	}
	r, err := ws.e.loadLocked(md, id)
	if err != nil {
		return nil, err
	}
	ws.stage(r)
	return r, nil
}

func (ws *writeSet) stage(r *Record) {
	key := recordKey(r.Model, r.ID)
	if _, ok := ws.staged[key]; !ok {
		ws.order = append(ws.order, key)
	}
	ws.staged[key] = r
}

// touch stages r and marks it modified. Records staged through get alone are
// read-only snapshots and never reach the store on flush.
func (ws *writeSet) touch(r *Record) {
	ws.stage(r)
	ws.dirty[recordKey(r.Model, r.ID)] = true
}

func (ws *writeSet) drop(model string, id int64) {
	ws.deletes[recordKey(model, id)] = true
}

func (ws *writeSet) dropped(key string) bool {
	return ws.deletes[key]
}

// modelIDs lists every live record id of a model, store keys merged with the
// staged view.
func (ws *writeSet) modelIDs(model string) ([]int64, error) {
	prefix := recordPrefix(model)
	seen := map[int64]bool{}
	var out []int64
	for key := range ws.e.store.Keys(prefix) {
		id, err := strconv.ParseInt(key[len(prefix):], 10, 64)
		if err != nil || ws.deletes[recordKey(model, id)] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for key, r := range ws.staged {
		if r.Model == model && !seen[r.ID] && !ws.deletes[key] {
			out = append(out, r.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// applyRelation replaces the target set of one relation on rec with ids,
// verifying that every new target exists and mirroring the change on all
// declared inverse relations.
func (ws *writeSet) applyRelation(md *schema.Model, rec *Record, rel *schema.Relation, ids []int64) error {
	old := relationTargets(rec, rel)

	td, err := ws.e.reg.Get(rel.Target)
	if err != nil {
		return err
	}
	targets := map[int64]*Record{}
	for _, id := range ids {
		if id == rec.ID && rel.Target == md.Name {
			// Self links are allowed; the record is its own target.
			targets[id] = rec
			continue
		}
		tr, err := ws.get(td, id)
		if err != nil {
			if _, missing := asNotFound(err); missing {
				return &IntegrityError{Model: md.Name, Relation: rel.Name, Target: rel.Target, TargetID: id}
			}
			return err
		}
		targets[id] = tr
	}

	switch rel.Kind {
	case schema.ToOne:
		var id int64
		if len(ids) > 0 {
			id = ids[0]
		}
		rec.setRef(rel.Name, id)
	case schema.ToMany:
		rec.setRefSet(rel.Name, ids)
	}
	ws.touch(rec)

	if rel.Inverse == "" {
		return nil
	}
	inv, ok := td.Relation(rel.Inverse)
	if !ok {
		return schema.Errorf("model %q has no relation %q", td.Name, rel.Inverse)
	}
	for _, t := range old {
		if slices.Contains(ids, t) {
			continue
		}
		tr, err := ws.get(td, t)
		if err != nil {
			if _, missing := asNotFound(err); missing {
				continue
			}
			return err
		}
		removeLink(tr, inv, rec.ID)
		ws.touch(tr)
	}
	for _, t := range ids {
		if slices.Contains(old, t) {
			continue
		}
		if err := ws.addLink(md, targets[t], inv, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// addLink records an inverse link from tr back to id. When the inverse is a
// to-one it may displace a previous owner, whose own forward set is fixed up
// as well.
func (ws *writeSet) addLink(md *schema.Model, tr *Record, inv *schema.Relation, id int64) error {
	switch inv.Kind {
	case schema.ToMany:
		tr.addToRefSet(inv.Name, id)
		ws.touch(tr)
	case schema.ToOne:
		prior := tr.Ref(inv.Name)
		if prior == id {
			return nil
		}
		if prior != 0 && inv.Inverse != "" {
			fwd, _ := md.Relation(inv.Inverse)
			if fwd != nil {
				pr, err := ws.get(md, prior)
				if err == nil {
					removeLink(pr, fwd, tr.ID)
					ws.touch(pr)
				} else if _, missing := asNotFound(err); !missing {
					return err
				}
			}
		}
		tr.setRef(inv.Name, id)
		ws.touch(tr)
	}
	return nil
}

// removeLink erases id from one side of a relation on tr.
func removeLink(tr *Record, rel *schema.Relation, id int64) {
	switch rel.Kind {
	case schema.ToMany:
		tr.removeFromRefSet(rel.Name, id)
	case schema.ToOne:
		if tr.Ref(rel.Name) == id {
			tr.setRef(rel.Name, 0)
		}
	}
}

// flush writes the staged set. Only records marked through touch are
// written; get-only snapshots stay untouched on disk. Target records go out
// first and the primary record of the operation last, so a crash mid-flush
// can leave extra inverse entries but never a dangling primary. Deletes run
// after all writes.
func (ws *writeSet) flush(primary string, now time.Time) error {
	for _, key := range ws.order {
		if key == primary || ws.deletes[key] || !ws.dirty[key] {
			continue
		}
		if err := ws.put(key, now); err != nil {
			return err
		}
	}
	if primary != "" && !ws.deletes[primary] {
		if _, ok := ws.staged[primary]; ok {
			if err := ws.put(primary, now); err != nil {
				return err
			}
		}
	}
	doomed := make([]string, 0, len(ws.deletes))
	for key := range ws.deletes {
		doomed = append(doomed, key)
	}
	slices.Sort(doomed)
	for _, key := range doomed {
		if err := ws.e.store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (ws *writeSet) put(key string, now time.Time) error {
	r := ws.staged[key]
	r.Modified = now
	blob, err := marshalRecord(r)
	if err != nil {
		return err
	}
	return ws.e.store.Put(key, blob)
}

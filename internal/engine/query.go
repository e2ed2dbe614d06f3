package engine

import (
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/monou-jp/Shelflet/internal/schema"
)

// ListOptions shape an All scan. OrderBy names a field, prefixed with "-"
// for descending order; empty means ascending id. Offset and Limit paginate
// after ordering; Limit 0 means no limit.
type ListOptions struct {
	OrderBy string
	Offset  int
	Limit   int
}

// Get returns a snapshot of one record.
func (e *Engine) Get(model string, id int64) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	md, err := e.reg.Get(model)
	if err != nil {
		return nil, err
	}
	r, err := e.loadLocked(md, id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Count returns the number of records of a model.
func (e *Engine) Count(model string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	md, err := e.reg.Get(model)
	if err != nil {
		return 0, err
	}
	n := 0
	for range e.store.Keys(recordPrefix(md.Name)) {
		n++
	}
	return n, nil
}

// idsLocked returns the sorted record ids of a model.
func (e *Engine) idsLocked(model string) []int64 {
	prefix := recordPrefix(model)
	var out []int64
	for key := range e.store.Keys(prefix) {
		id, err := strconv.ParseInt(key[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// scan yields snapshot records of a model in id order. The read lock is held
// per step, not across the whole iteration, so a consumer that stops early
// or works slowly does not starve writers.
func (e *Engine) scan(md *schema.Model) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		e.mu.RLock()
		ids := e.idsLocked(md.Name)
		e.mu.RUnlock()
		for _, id := range ids {
			e.mu.RLock()
			r, err := e.loadLocked(md, id)
			e.mu.RUnlock()
			if err != nil {
				if _, missing := asNotFound(err); missing {
					continue // Deleted mid-scan.
				}
				yield(nil, err)
				return
			}
			if !yield(r.Clone(), nil) {
				return
			}
		}
	}
}

// Find lazily yields the records whose field equals value. The field may
// also name a relation: a to-one matches its target id, a to-many matches
// set membership.
func (e *Engine) Find(model, field string, value any) (iter.Seq2[*Record, error], error) {
	md, err := e.reg.Get(model)
	if err != nil {
		return nil, err
	}
	match, err := matcher(md, field, value)
	if err != nil {
		return nil, err
	}
	return func(yield func(*Record, error) bool) {
		for r, err := range e.scan(md) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !match(r) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

// matcher builds the per-record predicate for Find, coercing the probe value
// up front so type mismatches surface before the scan starts.
func matcher(md *schema.Model, field string, value any) (func(*Record) bool, error) {
	if f, ok := md.Field(field); ok {
		if value == nil {
			return func(r *Record) bool { return r.Fields[f.Name] == nil }, nil
		}
		coerce := coercers[f.Type]
		want, ok := coerce(f, value)
		if !ok {
			return nil, schema.Errorf("value %v is not comparable to %s field %q", value, f.Type, f.Name)
		}
		return func(r *Record) bool { return equalValues(r.Fields[f.Name], want) }, nil
	}
	if rel, ok := md.Relation(field); ok {
		if value == nil {
			if rel.Kind == schema.ToMany {
				return func(r *Record) bool { return len(r.RefSet(rel.Name)) == 0 }, nil
			}
			return func(r *Record) bool { return r.Ref(rel.Name) == 0 }, nil
		}
		want, ok := coerceID(value)
		if !ok {
			return nil, schema.Errorf("value %v is not a record id", value)
		}
		if rel.Kind == schema.ToMany {
			return func(r *Record) bool {
				_, found := slices.BinarySearch(r.RefSet(rel.Name), want)
				return found
			}, nil
		}
		return func(r *Record) bool { return r.Ref(rel.Name) == want }, nil
	}
	return nil, schema.Errorf("model %q has no field or relation %q", md.Name, field)
}

// Filter lazily yields the records for which pred returns true. The
// predicate sees a snapshot it may inspect but should not keep mutating
// references to.
func (e *Engine) Filter(model string, pred func(*Record) bool) (iter.Seq2[*Record, error], error) {
	md, err := e.reg.Get(model)
	if err != nil {
		return nil, err
	}
	return func(yield func(*Record, error) bool) {
		for r, err := range e.scan(md) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !pred(r) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

// All returns the records of a model ordered, offset, and limited per opts.
func (e *Engine) All(model string, opts ListOptions) ([]*Record, error) {
	md, err := e.reg.Get(model)
	if err != nil {
		return nil, err
	}
	field := strings.TrimPrefix(opts.OrderBy, "-")
	desc := strings.HasPrefix(opts.OrderBy, "-")
	if field != "" && field != "id" {
		if _, ok := md.Field(field); !ok {
			return nil, schema.Errorf("model %q has no field %q to order by", model, field)
		}
	}

	var out []*Record
	for r, err := range e.scan(md) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if field != "" && field != "id" {
		slices.SortStableFunc(out, func(a, b *Record) int {
			return compareValues(a.Fields[field], b.Fields[field])
		})
	}
	if desc {
		slices.Reverse(out)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// compareValues orders field values for All. Nulls first, then by the
// natural order of the value's type. Mixed types fall back to string form.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, bv)
		case float64:
			return cmpOrdered(float64(av), bv)
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, float64(bv))
		case float64:
			return cmpOrdered(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case bv:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// TraverseOne follows a to-one relation and returns the target record, or
// nil when the relation is unset.
func (e *Engine) TraverseOne(r *Record, relation string) (*Record, error) {
	md, err := e.reg.Get(r.Model)
	if err != nil {
		return nil, err
	}
	rel, ok := md.Relation(relation)
	if !ok {
		return nil, schema.Errorf("model %q has no relation %q", r.Model, relation)
	}
	if rel.Kind != schema.ToOne {
		return nil, schema.Errorf("relation %q on %q is to-many; use Traverse", relation, r.Model)
	}
	id := r.Ref(relation)
	if id == 0 {
		return nil, nil
	}
	return e.Get(rel.Target, id)
}

// Traverse follows a relation and returns the target records, id ordered. A
// to-one relation yields zero or one record.
func (e *Engine) Traverse(r *Record, relation string) ([]*Record, error) {
	md, err := e.reg.Get(r.Model)
	if err != nil {
		return nil, err
	}
	rel, ok := md.Relation(relation)
	if !ok {
		return nil, schema.Errorf("model %q has no relation %q", r.Model, relation)
	}
	ids := relationTargets(r, rel)
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		tr, err := e.Get(rel.Target, id)
		if err != nil {
			if _, missing := asNotFound(err); missing {
				continue
			}
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

package interchange

import (
	"bytes"
	"slices"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/monou-jp/Shelflet/internal/engine"
	"github.com/monou-jp/Shelflet/internal/kvstore"
	"github.com/monou-jp/Shelflet/internal/schema"
)

func newLibraryEngine(t *testing.T) (*engine.Engine, *kvstore.Store) {
	t.Helper()
	reg := schema.NewRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(reg.Register(&schema.Model{
		Name: "author",
		Fields: []schema.Field{
			{Name: "name", Type: schema.FieldText, Required: true, Unique: true},
		},
	}))
	must(reg.Register(&schema.Model{
		Name: "book",
		Fields: []schema.Field{
			{Name: "title", Type: schema.FieldText, Required: true},
			{Name: "pages", Type: schema.FieldNumber},
		},
		Relations: []schema.Relation{
			{Name: "author", Kind: schema.ToOne, Target: "author", Inverse: "books"},
			{Name: "tags", Kind: schema.ToMany, Target: "tag", Inverse: "books"},
		},
	}))
	must(reg.Register(&schema.Model{
		Name: "tag",
		Fields: []schema.Field{
			{Name: "label", Type: schema.FieldText, Required: true, Unique: true},
		},
	}))
	must(reg.Finalize())
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.New(reg, store)
	if err != nil {
		t.Fatal(err)
	}
	return e, store
}

func create(t *testing.T, e *engine.Engine, model string, fields map[string]any) *engine.Record {
	t.Helper()
	r, err := e.Create(model, fields)
	if err != nil {
		t.Fatalf("create %s: %v", model, err)
	}
	return r
}

// seed builds a small graph: two authors, three books, two tags.
func seed(t *testing.T, e *engine.Engine) {
	t.Helper()
	asimov := create(t, e, "author", map[string]any{"name": "Asimov"})
	clarke := create(t, e, "author", map[string]any{"name": "Clarke"})
	scifi := create(t, e, "tag", map[string]any{"label": "scifi"})
	classic := create(t, e, "tag", map[string]any{"label": "classic"})
	create(t, e, "book", map[string]any{"title": "Foundation", "pages": 255, "author": asimov.ID, "tags": []any{scifi.ID, classic.ID}})
	create(t, e, "book", map[string]any{"title": "Rama", "pages": 256, "author": clarke.ID, "tags": []any{scifi.ID}})
	create(t, e, "book", map[string]any{"title": "Untagged"})
	// Burn an id so the source and destination numbering diverge.
	ghost := create(t, e, "author", map[string]any{"name": "Ghost"})
	if err := e.Delete("author", ghost.ID); err != nil {
		t.Fatal(err)
	}
}

// bookShape is the id-free view of a book used to compare graph topology.
type bookShape struct {
	Pages  any
	Author string
	Tags   []string
}

func shapeBooks(t *testing.T, e *engine.Engine) map[string]bookShape {
	t.Helper()
	out := map[string]bookShape{}
	books, err := e.All("book", engine.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range books {
		s := bookShape{Pages: b.Fields["pages"]}
		a, err := e.TraverseOne(b, "author")
		if err != nil {
			t.Fatal(err)
		}
		if a != nil {
			s.Author = a.Fields["name"].(string)
		}
		tags, err := e.Traverse(b, "tags")
		if err != nil {
			t.Fatal(err)
		}
		for _, tag := range tags {
			s.Tags = append(s.Tags, tag.Fields["label"].(string))
		}
		slices.Sort(s.Tags)
		out[b.Fields["title"].(string)] = s
	}
	return out
}

func TestRoundTripIntoEmptyStore(t *testing.T) {
	src, _ := newLibraryEngine(t)
	seed(t, src)

	doc, err := Export(src)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	dst, _ := newLibraryEngine(t)
	res, err := Import(dst, decoded)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 7 || res.Updated != 0 {
		t.Errorf("result = %+v, want 7 created", res)
	}
	if diff := cmp.Diff(shapeBooks(t, src), shapeBooks(t, dst)); diff != "" {
		t.Errorf("graph not isomorphic (-src +dst):\n%s", diff)
	}
	// Inverse sets were rebuilt from the forward side.
	seq, err := dst.Find("tag", "label", "scifi")
	if err != nil {
		t.Fatal(err)
	}
	for tag, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		if got := len(tag.RefSet("books")); got != 2 {
			t.Errorf("scifi backrefs = %d, want 2", got)
		}
	}
}

func TestImportUpdatesExistingRecords(t *testing.T) {
	e, _ := newLibraryEngine(t)
	a := create(t, e, "author", map[string]any{"name": "Asimov"})

	doc := &Document{Models: []ModelSet{{
		Model: "author",
		Records: []map[string]any{
			{"id": a.ID, "name": "Isaac Asimov"},
			{"name": "Clarke"},
		},
	}}}
	res, err := Import(e, doc)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Updated != 1 {
		t.Errorf("result = %+v, want 1 created 1 updated", res)
	}
	got, err := e.Get("author", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["name"] != "Isaac Asimov" {
		t.Errorf("name = %v", got.Fields["name"])
	}
	if n, _ := e.Count("author"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestImportAbortsOnUnreadableRecord(t *testing.T) {
	e, store := newLibraryEngine(t)
	a := create(t, e, "author", map[string]any{"name": "Asimov"})
	// A read failure during the existence probe must abort the import, not
	// degrade into a create attempt.
	if err := store.Put("m/author/"+strconv.FormatInt(a.ID, 10), []byte("{broken")); err != nil {
		t.Fatal(err)
	}

	doc := &Document{Models: []ModelSet{{
		Model:   "author",
		Records: []map[string]any{{"id": a.ID, "name": "Isaac Asimov"}},
	}}}
	if _, err := Import(e, doc); err == nil {
		t.Fatal("import over unreadable record succeeded")
	}
}

func TestImportRejectsUnknownModelAndKeys(t *testing.T) {
	e, _ := newLibraryEngine(t)
	if _, err := Import(e, &Document{Models: []ModelSet{{Model: "spaceship"}}}); err == nil {
		t.Error("unknown model accepted")
	}
	doc := &Document{Models: []ModelSet{{
		Model:   "author",
		Records: []map[string]any{{"name": "X", "shoe_size": 44}},
	}}}
	if _, err := Import(e, doc); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestImportForwardReferences(t *testing.T) {
	// Books arrive before the authors and tags they reference.
	doc := &Document{Models: []ModelSet{
		{Model: "book", Records: []map[string]any{
			{"id": 10, "title": "Foundation", "author": 20, "tags": []any{30}},
		}},
		{Model: "author", Records: []map[string]any{{"id": 20, "name": "Asimov"}}},
		{Model: "tag", Records: []map[string]any{{"id": 30, "label": "scifi"}}},
	}}
	e, _ := newLibraryEngine(t)
	if _, err := Import(e, doc); err != nil {
		t.Fatal(err)
	}
	shapes := shapeBooks(t, e)
	want := map[string]bookShape{"Foundation": {Author: "Asimov", Tags: []string{"scifi"}}}
	if diff := cmp.Diff(want, shapes); diff != "" {
		t.Errorf("graph (-want +got):\n%s", diff)
	}
}

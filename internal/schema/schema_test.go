package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newLibraryRegistry builds the author/book/tag registry used across tests.
func newLibraryRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	models := []*Model{
		{
			Name:   "author",
			Fields: []Field{{Name: "name", Type: FieldText, Required: true}},
		},
		{
			Name:   "book",
			Fields: []Field{{Name: "title", Type: FieldText, Required: true}},
			Relations: []Relation{
				{Name: "author", Kind: ToOne, Target: "author", Inverse: "books"},
				{Name: "tags", Kind: ToMany, Target: "tag", Inverse: "books"},
			},
		},
		{
			Name:   "tag",
			Fields: []Field{{Name: "label", Type: FieldText, Required: true}},
		},
	}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			t.Fatalf("Register(%s) failed: %v", m.Name, err)
		}
	}
	return r
}

func TestRegisterDuplicateModel(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Model{Name: "author"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Register(&Model{Name: "author"})
	if err == nil {
		t.Fatal("duplicate Register succeeded")
	}
	var serr *Error
	if !errors.As(err, &serr) {
		t.Errorf("duplicate Register error is %T, want *Error", err)
	}
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name  string
		model *Model
	}{
		{"empty model name", &Model{Name: ""}},
		{"uppercase model name", &Model{Name: "Author"}},
		{"reserved model name", &Model{Name: "_sys"}},
		{"unknown field type", &Model{Name: "m", Fields: []Field{{Name: "f", Type: "decimal"}}}},
		{"reference field", &Model{Name: "m", Fields: []Field{{Name: "f", Type: FieldReference}}}},
		{"duplicate field", &Model{Name: "m", Fields: []Field{
			{Name: "f", Type: FieldText}, {Name: "f", Type: FieldText}}}},
		{"unknown relation kind", &Model{Name: "m", Relations: []Relation{
			{Name: "r", Kind: "one-to-one", Target: "m"}}}},
		{"cascade on to-many", &Model{Name: "m", Relations: []Relation{
			{Name: "r", Kind: ToMany, Target: "m", OnDelete: DeleteCascade}}}},
		{"relation shadows field", &Model{Name: "m",
			Fields:    []Field{{Name: "x", Type: FieldText}},
			Relations: []Relation{{Name: "x", Kind: ToOne, Target: "m"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().Register(tt.model); err == nil {
				t.Errorf("Register accepted %s", tt.name)
			}
		})
	}
}

func TestFinalizeResolvesForwardReferences(t *testing.T) {
	// book is registered before author exists; Finalize resolves it.
	r := NewRegistry()
	book := &Model{Name: "book", Relations: []Relation{
		{Name: "author", Kind: ToOne, Target: "author", Inverse: "books"},
	}}
	if err := r.Register(book); err != nil {
		t.Fatalf("Register(book) failed: %v", err)
	}
	if err := r.Register(&Model{Name: "author"}); err != nil {
		t.Fatalf("Register(author) failed: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	author, err := r.Get("author")
	if err != nil {
		t.Fatalf("Get(author) failed: %v", err)
	}
	inv, ok := author.Relation("books")
	if !ok {
		t.Fatal("inverse relation books not materialized on author")
	}
	if inv.Kind != ToMany || inv.Target != "book" || inv.Inverse != "author" || !inv.Derived {
		t.Errorf("inverse relation = %+v", inv)
	}
}

func TestFinalizeUnknownTarget(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Model{Name: "book", Relations: []Relation{
		{Name: "author", Kind: ToOne, Target: "author"},
	}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Finalize()
	if err == nil {
		t.Fatal("Finalize succeeded with unresolved target")
	}
	if !strings.Contains(err.Error(), "unknown target model") {
		t.Errorf("Finalize error = %v", err)
	}
}

func TestFinalizeInverseCollision(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Model{Name: "author",
		Fields: []Field{{Name: "books", Type: FieldText}}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&Model{Name: "book", Relations: []Relation{
		{Name: "author", Kind: ToOne, Target: "author", Inverse: "books"},
	}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Finalize(); err == nil {
		t.Fatal("Finalize succeeded with inverse colliding with a field")
	}
}

func TestRegisterAfterFinalize(t *testing.T) {
	r := newLibraryRegistry(t)
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := r.Register(&Model{Name: "late"}); err == nil {
		t.Error("Register after Finalize succeeded")
	}
}

func TestGetUnknownModel(t *testing.T) {
	r := newLibraryRegistry(t)
	if _, err := r.Get("publisher"); err == nil {
		t.Error("Get(publisher) succeeded")
	}
}

func TestModelsOrder(t *testing.T) {
	r := newLibraryRegistry(t)
	models := r.Models()
	want := []string{"author", "book", "tag"}
	for i, m := range models {
		if m.Name != want[i] {
			t.Errorf("Models()[%d] = %s, want %s", i, m.Name, want[i])
		}
	}
}

func TestSelfReferentialInverse(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Model{Name: "person", Relations: []Relation{
		{Name: "friends", Kind: ToMany, Target: "person", Inverse: "friends"},
	}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `models:
  - name: author
    fields:
      - {name: name, type: text, required: true}
  - name: book
    fields:
      - {name: title, type: text, required: true, max_length: 200}
      - {name: pages, type: number}
    relations:
      - {name: author, kind: to-one, target: author, inverse: books}
`
	if err := os.WriteFile(filepath.Join(dir, "models.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	r := NewRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if !r.Finalized() {
		t.Error("LoadDir did not finalize the registry")
	}
	book, err := r.Get("book")
	if err != nil {
		t.Fatalf("Get(book) failed: %v", err)
	}
	title, ok := book.Field("title")
	if !ok || title.MaxLength != 200 || !title.Required {
		t.Errorf("title field = %+v", title)
	}
	if _, ok := book.Relation("author"); !ok {
		t.Error("book.author relation missing")
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	doc := "models:\n  - name: author\n    colour: red\n"
	path := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := NewRegistry().LoadFile(path); err == nil {
		t.Error("LoadFile accepted unknown key")
	}
}

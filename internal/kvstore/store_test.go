package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupStore(t)
	if err := s.Put("author/1", []byte(`{"name":"Poe"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	blob, err := s.Get("author/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(blob) != `{"name":"Poe"}` {
		t.Errorf("Get returned %q", blob)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Get("author/999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing key: got %v, want ErrNotFound", err)
	}
}

func TestPutOverwrite(t *testing.T) {
	s := setupStore(t)
	if err := s.Put("k/1", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("k/1", []byte("b")); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	blob, err := s.Get("k/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(blob) != "b" {
		t.Errorf("Get after overwrite returned %q, want %q", blob, "b")
	}
}

func TestDelete(t *testing.T) {
	s := setupStore(t)
	if err := s.Put("k/1", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete("k/1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get("k/1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete("k/1"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestKeysPrefix(t *testing.T) {
	s := setupStore(t)
	for _, key := range []string{"author/1", "author/2", "book/1", "sys/seq/author"} {
		if err := s.Put(key, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	got := slices.Collect(s.Keys("author/"))
	want := []string{"author/1", "author/2"}
	if !slices.Equal(got, want) {
		t.Errorf("Keys(author/) = %v, want %v", got, want)
	}

	got = slices.Collect(s.Keys("sys/seq/"))
	want = []string{"sys/seq/author"}
	if !slices.Equal(got, want) {
		t.Errorf("Keys(sys/seq/) = %v, want %v", got, want)
	}

	if n := len(slices.Collect(s.Keys(""))); n != 4 {
		t.Errorf("Keys(\"\") yielded %d keys, want 4", n)
	}
}

func TestKeysStopsEarly(t *testing.T) {
	s := setupStore(t)
	for _, key := range []string{"m/1", "m/2", "m/3"} {
		if err := s.Put(key, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	var got []string
	for key := range s.Keys("m/") {
		got = append(got, key)
		break
	}
	if len(got) != 1 {
		t.Errorf("early break yielded %d keys, want 1", len(got))
	}
}

func TestKeyEscaping(t *testing.T) {
	s := setupStore(t)
	key := "weird model/räkörd #1"
	if err := s.Put(key, []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	blob, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(blob) != "v" {
		t.Errorf("Get returned %q", blob)
	}
	got := slices.Collect(s.Keys("weird model/"))
	if len(got) != 1 || got[0] != key {
		t.Errorf("Keys returned %v, want [%q]", got, key)
	}
}

func TestInvalidKeys(t *testing.T) {
	s := setupStore(t)
	for _, key := range []string{"", "/abs", "trailing/", "a//b"} {
		if err := s.Put(key, []byte("v")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}

func TestForeignFilesIgnored(t *testing.T) {
	s := setupStore(t)
	if err := s.Put("m/1", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Files the store could not have written are skipped during iteration.
	if err := os.WriteFile(filepath.Join(s.Dir(), ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got := slices.Collect(s.Keys(""))
	want := []string{"m/1"}
	if !slices.Equal(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestEscapeSegmentRoundTrip(t *testing.T) {
	for _, seg := range []string{"plain", "With Space", "100%", ".dot", "日本語", "a.b-c_d"} {
		escaped := escapeSegment(seg)
		got, err := unescapeSegment(escaped)
		if err != nil {
			t.Errorf("unescapeSegment(%q) failed: %v", escaped, err)
			continue
		}
		if got != seg {
			t.Errorf("round trip of %q: got %q", seg, got)
		}
	}
}

package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"
)

// ErrNotFound is returned by Get for keys that do not exist.
var ErrNotFound = errors.New("key not found")

// StorageError wraps an underlying I/O failure. Storage errors are fatal to
// the calling operation and are never retried.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store is a file-backed key-value store rooted at a directory.
type Store struct {
	dir string

	// lastWrite is the unix nano timestamp of the most recent own mutation,
	// used by Watch to tell our writes apart from a foreign process.
	lastWrite atomic.Int64
}

// Open creates the root directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", Key: dir, Err: err}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put stores blob under key. The write is atomic and durable before Put
// returns; a crash cannot leave a half-written value.
func (s *Store) Put(key string, blob []byte) error {
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	s.lastWrite.Store(time.Now().UnixNano())
	if err := natomic.WriteFile(path, bytes.NewReader(blob)); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Get returns the blob stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.pathForKey(key)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	return blob, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}
	s.lastWrite.Store(time.Now().UnixNano())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Keys returns an iterator over all keys starting with prefix, in sorted
// order. The snapshot is taken lazily per directory; mutating the store while
// iterating is undefined.
func (s *Store) Keys(prefix string) iter.Seq[string] {
	return func(yield func(string) bool) {
		s.walk(s.dir, "", prefix, yield)
	}
}

// walk recursively emits keys under dir whose full key has the prefix.
// Returns false once the consumer stops.
func (s *Store) walk(dir, keyBase, prefix string, yield func(string) bool) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true // Missing subdirectory means no keys.
	}
	for _, entry := range entries {
		seg, err := unescapeSegment(entry.Name())
		if err != nil {
			continue // Foreign file, not one of our keys.
		}
		key := seg
		if keyBase != "" {
			key = keyBase + "/" + seg
		}
		if entry.IsDir() {
			// Prune subtrees that cannot match.
			if !strings.HasPrefix(key+"/", prefix) && !strings.HasPrefix(prefix, key+"/") && prefix != key {
				continue
			}
			if !s.walk(filepath.Join(dir, entry.Name()), key, prefix, yield) {
				return false
			}
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !yield(key) {
			return false
		}
	}
	return true
}

// pathForKey maps a key to its file path, escaping every segment.
func (s *Store) pathForKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return "", &StorageError{Op: "key", Key: key, Err: errors.New("invalid key")}
	}
	segs := strings.Split(key, "/")
	parts := make([]string, 0, len(segs)+1)
	parts = append(parts, s.dir)
	for _, seg := range segs {
		if seg == "" {
			return "", &StorageError{Op: "key", Key: key, Err: errors.New("empty key segment")}
		}
		parts = append(parts, escapeSegment(seg))
	}
	return filepath.Join(parts...), nil
}

const hexDigits = "0123456789abcdef"

// escapeSegment maps a key segment to a filesystem-safe name. Alphanumerics,
// '-', '_' and '.' pass through; every other byte becomes %XX. A leading '.'
// is escaped so keys never produce hidden or relative path names.
func escapeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if isSafeByte(c) && !(c == '.' && i == 0) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xF])
	}
	return b.String()
}

// unescapeSegment reverses escapeSegment. Errors on names that escapeSegment
// could not have produced, so foreign files in the data dir are ignored.
func unescapeSegment(name string) (string, error) {
	if !strings.Contains(name, "%") {
		if name == "" || name[0] == '.' {
			return "", fmt.Errorf("not a key segment: %q", name)
		}
		for i := 0; i < len(name); i++ {
			if !isSafeByte(name[i]) {
				return "", fmt.Errorf("not a key segment: %q", name)
			}
		}
		return name, nil
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			if !isSafeByte(c) {
				return "", fmt.Errorf("not a key segment: %q", name)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("truncated escape in %q", name)
		}
		hi := strings.IndexByte(hexDigits, name[i+1])
		lo := strings.IndexByte(hexDigits, name[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("bad escape in %q", name)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func isSafeByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == '.'
}

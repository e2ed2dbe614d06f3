// Package kvstore implements a flat, file-backed key-value store.
//
// Keys are slash-separated paths ("author/12", "sys/seq/author"). Each key
// maps to a single file under the store's root directory, with every path
// segment escaped to a filesystem-safe name. A successful Put is durable
// before it returns: the blob is written to a temporary file and atomically
// renamed into place.
//
// The store offers no indexing, no joins, and no transactions. It supports
// exactly one writer process; Watch can be used to detect another process
// touching the data directory.
package kvstore

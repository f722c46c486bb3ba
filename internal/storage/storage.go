// Package storage provides the append-only bucket backends the rotator
// writes into: a filesystem tree and a MongoDB-compatible document
// database, selected by configuration.
package storage

import "context"

// Record is one stream event or snapshot. The collector reads only a
// handful of well-known fields; everything else is preserved verbatim.
type Record = map[string]any

// Bucket is a named, append-only sequence of records.
type Bucket interface {
	Name() string
	Insert(ctx context.Context, rec Record) error
}

// Database owns the set of buckets of one stream store.
//
// Export materializes a bucket as a single file of canonical JSON, one
// record per line, and returns the file's path. The filesystem backend
// flushes its live file and hands back that path; the document backend
// writes a fresh file under outDir.
type Database interface {
	Open(name string) (Bucket, error)
	List(pattern string) ([]string, error)
	Export(ctx context.Context, name, outDir string) (string, error)
	Drop(name string) error
	Close(ctx context.Context) error
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// FSDatabase stores one directory per database and one file per bucket,
// with one JSON record per line. It is the "simple" backend.
type FSDatabase struct {
	dir string

	mu      sync.Mutex
	buckets map[string]*fsBucket
}

// OpenFS creates (or reopens) a filesystem database rooted at
// <basePath>/<name>.
func OpenFS(basePath, name string) (*FSDatabase, error) {
	dir := filepath.Join(basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return &FSDatabase{dir: dir, buckets: make(map[string]*fsBucket)}, nil
}

func (d *FSDatabase) Open(name string) (Bucket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buckets[name]; ok {
		return b, nil
	}
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	b := &fsBucket{name: name, path: f.Name(), f: f, w: bufio.NewWriter(f)}
	d.buckets[name] = b
	return b, nil
}

// List returns the bucket names matching pattern, from the directory
// rather than the open-bucket map so restarts still see sealed buckets.
func (d *FSDatabase) List(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bucket pattern %q: %w", pattern, err)
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && re.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Export flushes the bucket and returns the path of its live file. The
// caller must not drop the bucket until it is done with the file.
func (d *FSDatabase) Export(_ context.Context, name, _ string) (string, error) {
	d.mu.Lock()
	b, ok := d.buckets[name]
	d.mu.Unlock()
	if !ok {
		// Sealed before this process started; the file is already complete.
		path := filepath.Join(d.dir, name)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("export %s: %w", name, err)
		}
		return path, nil
	}
	if err := b.flush(); err != nil {
		return "", fmt.Errorf("export %s: %w", name, err)
	}
	return b.path, nil
}

func (d *FSDatabase) Drop(name string) error {
	d.mu.Lock()
	b, ok := d.buckets[name]
	delete(d.buckets, name)
	d.mu.Unlock()
	if ok {
		if err := b.close(); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

func (d *FSDatabase) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, b := range d.buckets {
		if err := b.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.buckets = make(map[string]*fsBucket)
	return firstErr
}

type fsBucket struct {
	name string
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

func (b *fsBucket) Name() string { return b.name }

func (b *fsBucket) Insert(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record for %s: %w", b.name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bucket %s is closed", b.name)
	}
	if _, err := b.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", b.name, err)
	}
	if err := b.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write %s: %w", b.name, err)
	}
	return nil
}

func (b *fsBucket) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if err := b.w.Flush(); err != nil {
		return err
	}
	return b.f.Sync()
}

func (b *fsBucket) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.w.Flush(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}

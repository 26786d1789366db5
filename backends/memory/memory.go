// Package memory provides an in-process cache.Bucket. It keeps every object
// in a map guarded by a mutex and copies data on the way in and out. It is
// meant for tests and dry runs; nothing survives the process.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/idlestate/gcsbuildcache/cache"
)

type object struct {
	data    []byte
	created time.Time
}

// Bucket is an in-memory bucket.
type Bucket struct {
	name string
	now  func() time.Time

	mu      sync.RWMutex
	objects map[string]object
	writes  map[string]int
	touches map[string]int
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock sets the time source used to stamp object creation times.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// New returns an empty bucket called name.
func New(name string, opts ...Option) *Bucket {
	b := &Bucket{
		name:    name,
		now:     time.Now,
		objects: make(map[string]object),
		writes:  make(map[string]int),
		touches: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Opener returns a cache.Opener that always hands out b. Credentials are
// ignored.
func Opener(b *Bucket) cache.Opener {
	return func(_ context.Context, _, _ string) (cache.Bucket, error) {
		return b, nil
	}
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Attrs(ctx context.Context, name string) (cache.ObjectAttrs, error) {
	if err := ctx.Err(); err != nil {
		return cache.ObjectAttrs{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[name]
	if !ok {
		return cache.ObjectAttrs{}, cache.ErrNotExist
	}
	return cache.ObjectAttrs{Size: int64(len(obj.data)), Created: obj.created}, nil
}

func (b *Bucket) NewReader(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[name]
	if !ok {
		return nil, cache.ErrNotExist
	}
	// Stored slices are never mutated, so the reader can share them.
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *Bucket) NewWriter(ctx context.Context, name string, _ int64) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &writer{ctx: ctx, bucket: b, name: name}, nil
}

func (b *Bucket) Touch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[name]
	if !ok {
		return cache.ErrNotExist
	}
	obj.created = b.now()
	b.objects[name] = obj
	b.touches[name]++
	return nil
}

func (b *Bucket) Close() error { return nil }

// Put stores data under name with the given creation time.
func (b *Bucket) Put(name string, data []byte, created time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = object{data: bytes.Clone(data), created: created}
}

// Get returns a copy of the named object's data.
func (b *Bucket) Get(name string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Names returns the names of all stored objects.
func (b *Bucket) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	return names
}

// Writes returns how many uploads of name were committed.
func (b *Bucket) Writes(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes[name]
}

// Touches returns how many times name was refreshed.
func (b *Bucket) Touches(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.touches[name]
}

type writer struct {
	ctx    context.Context
	bucket *Bucket
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

// Close commits the object unless the upload context was cancelled.
func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.ctx.Err(); err != nil {
		return err
	}

	b := w.bucket
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[w.name] = object{data: w.buf.Bytes(), created: b.now()}
	b.writes[w.name]++
	return nil
}

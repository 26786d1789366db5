package cache_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idlestate/gcsbuildcache/backends/memory"
	"github.com/idlestate/gcsbuildcache/cache"
)

// fakeClock is a settable time source shared by the bucket and the service.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyBucket wraps a bucket, counts calls and injects failures.
type faultyBucket struct {
	cache.Bucket

	attrsCalls atomic.Int32
	touchCalls atomic.Int32

	attrsErr  error
	readerErr error
	writerErr error
	touchErr  error
	writeErr  error // returned by every writer Write
	readErr   error // returned by the reader after the first byte

	liveCloses atomic.Int32 // writer Close calls made before the upload context ended

	mu    sync.Mutex
	sizes []int64
}

func (f *faultyBucket) Attrs(ctx context.Context, object string) (cache.ObjectAttrs, error) {
	f.attrsCalls.Add(1)
	if f.attrsErr != nil {
		return cache.ObjectAttrs{}, f.attrsErr
	}
	return f.Bucket.Attrs(ctx, object)
}

func (f *faultyBucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	if f.readerErr != nil {
		return nil, f.readerErr
	}
	r, err := f.Bucket.NewReader(ctx, object)
	if err != nil || f.readErr == nil {
		return r, err
	}
	return io.NopCloser(io.MultiReader(io.LimitReader(r, 1), &errReader{f.readErr})), nil
}

func (f *faultyBucket) NewWriter(ctx context.Context, object string, size int64) (io.WriteCloser, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, size)
	f.mu.Unlock()
	if f.writerErr != nil {
		return nil, f.writerErr
	}
	w, err := f.Bucket.NewWriter(ctx, object, size)
	if err != nil {
		return nil, err
	}
	return &faultyWriter{WriteCloser: w, ctx: ctx, bucket: f}, nil
}

type faultyWriter struct {
	io.WriteCloser
	ctx    context.Context
	bucket *faultyBucket
}

func (w *faultyWriter) Write(p []byte) (int, error) {
	if w.bucket.writeErr != nil {
		return 0, w.bucket.writeErr
	}
	return w.WriteCloser.Write(p)
}

func (w *faultyWriter) Close() error {
	if w.ctx.Err() == nil {
		w.bucket.liveCloses.Add(1)
	}
	return w.WriteCloser.Close()
}

func (f *faultyBucket) Touch(ctx context.Context, object string) error {
	f.touchCalls.Add(1)
	if f.touchErr != nil {
		return f.touchErr
	}
	return f.Bucket.Touch(ctx, object)
}

func (f *faultyBucket) writerSizes() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sizes...)
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

// failingEntry writes some bytes and then fails.
type failingEntry struct {
	data []byte
	err  error
}

func (e failingEntry) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.data)
	if err != nil {
		return int64(n), err
	}
	return int64(n), e.err
}

// chunkedEntry writes data in fixed size pieces, like a producer that
// streams a large artifact.
type chunkedEntry struct {
	data  []byte
	chunk int
}

func (e chunkedEntry) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for off := 0; off < len(e.data); off += e.chunk {
		end := min(off+e.chunk, len(e.data))
		n, err := w.Write(e.data[off:end])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type failingSink struct{ err error }

func (s failingSink) Write([]byte) (int, error) { return 0, s.err }

func newService(t *testing.T, cfg cache.Config, bucket cache.Bucket, opts ...cache.Option) *cache.Service {
	t.Helper()
	open := func(context.Context, string, string) (cache.Bucket, error) { return bucket, nil }
	svc, err := cache.New(context.Background(), cfg, open, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func load(t *testing.T, svc *cache.Service, key string) ([]byte, bool) {
	t.Helper()
	var buf bytes.Buffer
	hit, err := svc.Load(context.Background(), key, &buf)
	require.NoError(t, err)
	return buf.Bytes(), hit
}

func TestStoreLoadRoundTrip(t *testing.T) {
	bucket := memory.New("cache-bucket")
	svc := newService(t, cache.Config{Bucket: "cache-bucket"}, bucket)

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, svc.Store(context.Background(), "abc123", bytes.NewReader(payload)))

	got, hit := load(t, svc, "abc123")
	assert.True(t, hit)
	assert.Equal(t, payload, got)

	stored, ok := bucket.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, payload, stored, "object content must be the raw entry bytes")
}

func TestRoundTripPayloads(t *testing.T) {
	bucket := memory.New("cache-bucket")
	svc := newService(t, cache.Config{Bucket: "cache-bucket", WriteThreshold: 64}, bucket)

	payloads := map[string][]byte{
		"empty":     {},
		"small":     []byte("hello"),
		"threshold": bytes.Repeat([]byte{0xAB}, 64),
		"large":     bytes.Repeat([]byte("0123456789"), 1000),
	}
	for key, payload := range payloads {
		t.Run(key, func(t *testing.T) {
			require.NoError(t, svc.Store(context.Background(), key, chunkedEntry{data: payload, chunk: 7}))
			got, hit := load(t, svc, key)
			assert.True(t, hit)
			assert.Equal(t, len(payload), len(got))
			assert.True(t, bytes.Equal(payload, got))
		})
	}
}

func TestLoadNeverStoredIsMiss(t *testing.T) {
	svc := newService(t, cache.Config{Bucket: "cache-bucket", RefreshAfter: 60}, memory.New("cache-bucket"))

	var buf bytes.Buffer
	hit, err := svc.Load(context.Background(), "never-stored", &buf)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, buf.Len())
}

func TestStoreOverwrites(t *testing.T) {
	svc := newService(t, cache.Config{Bucket: "cache-bucket"}, memory.New("cache-bucket"))
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, "abc123", bytes.NewReader([]byte("first"))))
	require.NoError(t, svc.Store(ctx, "abc123", bytes.NewReader([]byte("second"))))

	got, hit := load(t, svc, "abc123")
	assert.True(t, hit)
	assert.Equal(t, "second", string(got))
}

func TestPrefixIsolation(t *testing.T) {
	bucket := memory.New("cache-bucket")
	prefixed := newService(t, cache.Config{Bucket: "cache-bucket", Prefix: "ci"}, bucket)
	plain := newService(t, cache.Config{Bucket: "cache-bucket"}, bucket)

	require.NoError(t, prefixed.Store(context.Background(), "abc123", bytes.NewReader([]byte{1})))
	assert.Equal(t, []string{"ci/abc123"}, bucket.Names())

	_, hit := load(t, plain, "abc123")
	assert.False(t, hit)

	_, hit = load(t, prefixed, "abc123")
	assert.True(t, hit)
}

func TestRefreshDisabledNeverInspects(t *testing.T) {
	clock := newFakeClock()
	bucket := &faultyBucket{Bucket: memory.New("cache-bucket", memory.WithClock(clock.Now))}
	svc := newService(t, cache.Config{Bucket: "cache-bucket"}, bucket, cache.WithClock(clock.Now))

	require.NoError(t, svc.Store(context.Background(), "abc123", bytes.NewReader([]byte("x"))))
	clock.Advance(365 * 24 * time.Hour)

	for i := 0; i < 5; i++ {
		_, hit := load(t, svc, "abc123")
		require.True(t, hit)
	}
	assert.Zero(t, bucket.attrsCalls.Load())
	assert.Zero(t, bucket.touchCalls.Load())
}

func TestRefreshOldObject(t *testing.T) {
	clock := newFakeClock()
	mem := memory.New("cache-bucket", memory.WithClock(clock.Now))
	bucket := &faultyBucket{Bucket: mem}
	svc := newService(t, cache.Config{Bucket: "cache-bucket", RefreshAfter: 3600}, bucket, cache.WithClock(clock.Now))

	require.NoError(t, svc.Store(context.Background(), "abc123", bytes.NewReader([]byte("x"))))

	// Exactly at the interval the object is not yet older than it.
	clock.Advance(time.Hour)
	_, hit := load(t, svc, "abc123")
	require.True(t, hit)
	assert.Equal(t, 0, mem.Touches("abc123"))

	clock.Advance(time.Second)
	_, hit = load(t, svc, "abc123")
	require.True(t, hit)
	assert.Equal(t, 1, mem.Touches("abc123"))

	attrs, err := mem.Attrs(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), attrs.Created, "refresh resets the object age")

	// Freshly refreshed, so the next load does not write again.
	_, hit = load(t, svc, "abc123")
	require.True(t, hit)
	assert.Equal(t, 1, mem.Touches("abc123"))
	assert.Equal(t, int32(1), bucket.touchCalls.Load())

	got, _ := load(t, svc, "abc123")
	assert.Equal(t, "x", string(got), "refresh keeps the content")
}

func TestRefreshOncePerLoad(t *testing.T) {
	clock := newFakeClock()
	mem := memory.New("cache-bucket", memory.WithClock(clock.Now))
	// Touch fails, so the object stays old and every load decides to refresh.
	bucket := &faultyBucket{Bucket: mem, touchErr: errors.New("permission denied")}
	svc := newService(t, cache.Config{Bucket: "cache-bucket", RefreshAfter: 60}, bucket, cache.WithClock(clock.Now))

	mem.Put("abc123", []byte("x"), clock.Now().Add(-time.Hour))

	for i := 1; i <= 3; i++ {
		got, hit := load(t, svc, "abc123")
		require.True(t, hit, "a failed refresh must not fail the load")
		assert.Equal(t, "x", string(got))
		assert.Equal(t, int32(i), bucket.touchCalls.Load())
	}

	_, counters := svc.Stats()
	assert.Equal(t, int64(3), counters["refresh_errors"])
}

func TestSkipRefresh(t *testing.T) {
	clock := newFakeClock()
	mem := memory.New("cache-bucket", memory.WithClock(clock.Now))
	bucket := &faultyBucket{Bucket: mem}
	cfg := cache.Config{Bucket: "cache-bucket", RefreshAfter: 60, SkipRefresh: true}
	svc := newService(t, cfg, bucket, cache.WithClock(clock.Now))

	mem.Put("abc123", []byte("x"), clock.Now().Add(-24*time.Hour))
	_, hit := load(t, svc, "abc123")
	assert.True(t, hit)
	assert.Zero(t, bucket.touchCalls.Load())
	assert.Zero(t, bucket.attrsCalls.Load())
}

func TestNewRejectsBlankBucket(t *testing.T) {
	for _, name := range []string{"", "   ", "\t"} {
		called := false
		open := func(context.Context, string, string) (cache.Bucket, error) {
			called = true
			return memory.New(name), nil
		}

		_, err := cache.New(context.Background(), cache.Config{Bucket: name}, open)

		var cfgErr *cache.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "bucket", cfgErr.Field)
		assert.False(t, called, "no remote access for an invalid configuration")
	}
}

func TestNewPropagatesCredentialError(t *testing.T) {
	want := &cache.CredentialError{Path: "/nonexistent/key.json", Err: errors.New("no such file")}
	open := func(context.Context, string, string) (cache.Bucket, error) { return nil, want }

	_, err := cache.New(context.Background(), cache.Config{Bucket: "cache-bucket", CredentialsPath: want.Path}, open)

	var credErr *cache.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, want.Path, credErr.Path)
}

func TestNewPassesCredentialsAndBucket(t *testing.T) {
	var gotPath, gotBucket string
	open := func(_ context.Context, path, bucket string) (cache.Bucket, error) {
		gotPath, gotBucket = path, bucket
		return memory.New(bucket), nil
	}

	svc, err := cache.New(context.Background(), cache.Config{Bucket: "cache-bucket", CredentialsPath: "key.json"}, open)
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, "key.json", gotPath)
	assert.Equal(t, "cache-bucket", gotBucket)
	assert.Equal(t, cache.DefaultWriteThreshold, svc.Config().WriteThreshold)
}

func TestStoreBuffersSmallAndStreamsLarge(t *testing.T) {
	bucket := &faultyBucket{Bucket: memory.New("cache-bucket")}
	svc := newService(t, cache.Config{Bucket: "cache-bucket", WriteThreshold: 16}, bucket)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, "small", chunkedEntry{data: bytes.Repeat([]byte{1}, 16), chunk: 4}))
	require.NoError(t, svc.Store(ctx, "large", chunkedEntry{data: bytes.Repeat([]byte{2}, 17), chunk: 4}))

	assert.Equal(t, []int64{16, -1}, bucket.writerSizes())
}

func TestStoreStorageError(t *testing.T) {
	cause := errors.New("quota exceeded")

	for name, bucket := range map[string]*faultyBucket{
		"small": {Bucket: memory.New("cache-bucket"), writerErr: cause},
		"large": {Bucket: memory.New("cache-bucket"), writerErr: cause},
	} {
		t.Run(name, func(t *testing.T) {
			svc := newService(t, cache.Config{Bucket: "cache-bucket", Prefix: "ci", WriteThreshold: 4}, bucket)

			payload := []byte("ab")
			if name == "large" {
				payload = []byte("abcdefgh")
			}
			err := svc.Store(context.Background(), "abc123", chunkedEntry{data: payload, chunk: 1})

			var se *cache.StorageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "store", se.Op)
			assert.Equal(t, "cache-bucket", se.Bucket)
			assert.Equal(t, "ci/abc123", se.Object)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestStoreEntryFailureAborts(t *testing.T) {
	mem := memory.New("cache-bucket")
	svc := newService(t, cache.Config{Bucket: "cache-bucket", WriteThreshold: 4}, mem)
	cause := errors.New("disk read failed")

	err := svc.Store(context.Background(), "abc123", failingEntry{data: []byte("0123456789"), err: cause})
	require.ErrorIs(t, err, cause)
	assert.False(t, cache.IsStorageError(err))

	_, ok := mem.Get("abc123")
	assert.False(t, ok, "an aborted upload must not commit")
	assert.Equal(t, 0, mem.Writes("abc123"))
}

func TestStoreWriteFailureCancelsBeforeClose(t *testing.T) {
	cause := errors.New("connection reset")

	for name, payload := range map[string][]byte{
		"small": []byte("ab"),
		"large": []byte("abcdefgh"),
	} {
		t.Run(name, func(t *testing.T) {
			mem := memory.New("cache-bucket")
			bucket := &faultyBucket{Bucket: mem, writeErr: cause}
			svc := newService(t, cache.Config{Bucket: "cache-bucket", WriteThreshold: 4}, bucket)

			err := svc.Store(context.Background(), "abc123", bytes.NewReader(payload))
			require.ErrorIs(t, err, cause)
			assert.True(t, cache.IsStorageError(err))

			assert.Zero(t, bucket.liveCloses.Load(), "upload closed before its context was cancelled")
			_, ok := mem.Get("abc123")
			assert.False(t, ok)
		})
	}
}

func TestLoadStorageErrors(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name   string
		bucket *faultyBucket
		cfg    cache.Config
	}{
		{
			name:   "open reader",
			bucket: &faultyBucket{readerErr: cause},
			cfg:    cache.Config{Bucket: "cache-bucket"},
		},
		{
			name:   "attrs",
			bucket: &faultyBucket{attrsErr: cause},
			cfg:    cache.Config{Bucket: "cache-bucket", RefreshAfter: 60},
		},
		{
			name:   "mid copy",
			bucket: &faultyBucket{readErr: cause},
			cfg:    cache.Config{Bucket: "cache-bucket"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New("cache-bucket")
			mem.Put("abc123", []byte("payload"), time.Now())
			tt.bucket.Bucket = mem
			svc := newService(t, tt.cfg, tt.bucket)

			hit, err := svc.Load(context.Background(), "abc123", io.Discard)

			assert.False(t, hit)
			var se *cache.StorageError
			require.ErrorAs(t, err, &se, "a storage failure is never a miss")
			assert.Equal(t, "load", se.Op)
			assert.Equal(t, "abc123", se.Object)
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestLoadSinkFailure(t *testing.T) {
	mem := memory.New("cache-bucket")
	mem.Put("abc123", []byte("payload"), time.Now())
	svc := newService(t, cache.Config{Bucket: "cache-bucket"}, mem)
	cause := errors.New("disk full")

	hit, err := svc.Load(context.Background(), "abc123", failingSink{err: cause})
	assert.False(t, hit)
	require.ErrorIs(t, err, cause)
	assert.False(t, cache.IsStorageError(err))
}

func TestConcurrentStoreLoad(t *testing.T) {
	svc := newService(t, cache.Config{Bucket: "cache-bucket", WriteThreshold: 32, RefreshAfter: 1}, memory.New("cache-bucket"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%02d", i)
			payload := bytes.Repeat([]byte{byte(i)}, i*8)
			if err := svc.Store(ctx, key, bytes.NewReader(payload)); err != nil {
				t.Errorf("store %s: %v", key, err)
				return
			}
			for j := 0; j < 4; j++ {
				var buf bytes.Buffer
				hit, err := svc.Load(ctx, key, &buf)
				if err != nil || !hit || !bytes.Equal(payload, buf.Bytes()) {
					t.Errorf("load %s: hit=%v err=%v len=%d", key, hit, err, buf.Len())
				}
			}
		}(i)
	}
	wg.Wait()

	_, counters := svc.Stats()
	assert.Equal(t, int64(32), counters["stores"])
	assert.Equal(t, int64(128), counters["hits"])
}

func TestStatsRecordsOperations(t *testing.T) {
	svc := newService(t, cache.Config{Bucket: "cache-bucket"}, memory.New("cache-bucket"))
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, "a", bytes.NewReader([]byte("a"))))
	_, _ = svc.Load(ctx, "a", io.Discard)
	_, _ = svc.Load(ctx, "b", io.Discard)

	latencies, counters := svc.Stats()
	require.Len(t, latencies, 2)
	assert.Equal(t, "load", latencies[0].Operation)
	assert.Equal(t, int64(2), latencies[0].Count)
	assert.Equal(t, "store", latencies[1].Operation)
	assert.Equal(t, int64(1), counters["hits"])
	assert.Equal(t, int64(1), counters["misses"])
}

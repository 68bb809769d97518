package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/him/internal/cache"
)

// CachingStore serves repeated payload reads from an in-memory LRU.
//
// Payloads larger than maxObjectSize are streamed from the inner store and
// never cached. Writes and deletes go through and evict the cached copy.
type CachingStore struct {
	inner         BlobStore
	cache         *cache.LRU
	maxObjectSize int64
}

// NewCachingStore wraps inner. maxObjectSize defaults to 1 MiB if <= 0.
func NewCachingStore(inner BlobStore, c *cache.LRU, maxObjectSize int64) *CachingStore {
	if maxObjectSize <= 0 {
		maxObjectSize = 1 << 20
	}
	return &CachingStore{inner: inner, cache: c, maxObjectSize: maxObjectSize}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	if data, ok := s.cache.Get(name); ok {
		return &bytesBlob{data: data}, nil
	}

	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if b.Size() > s.maxObjectSize {
		return b, nil
	}
	defer func() { _ = b.Close() }()

	data := make([]byte, b.Size())
	if len(data) > 0 {
		n, err := b.ReadAt(ctx, data, 0)
		if n != len(data) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	s.cache.Add(name, data)
	return &bytesBlob{data: data}, nil
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.cache.Remove(name)
	return s.inner.Put(ctx, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.Remove(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// CacheStats reports the hit rate of the underlying LRU.
func (s *CachingStore) CacheStats() cache.Stats { return s.cache.Stats() }

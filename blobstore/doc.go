// Package blobstore provides storage abstraction for tile payloads.
//
// A payload is an immutable byte object addressed by a slash-separated name
// such as "tiles/kv_cache/s1/L0/x0/y0/5f2b9c0e1a7d.bin". Implementations
// must be safe for concurrent use and must publish a Put atomically: a
// concurrent reader observes either no object or the complete bytes.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, temp file + rename publish
//   - MemoryStore: in-memory, for tests and ephemeral deployments
//   - CachingStore: LRU read cache in front of any store
//   - CompressingStore: transparent zstd or lz4 compression
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible systems
package blobstore

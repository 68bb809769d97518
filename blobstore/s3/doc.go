// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "him/")
//	tiles, err := him.New(ctx, catalog, store)
//
// Small payloads are written with a single PutObject carrying a CRC32C
// checksum; payloads above UploadConfig.MultipartThreshold use the
// multipart uploader. Reads are ranged GETs.
package s3

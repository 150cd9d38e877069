// Package artifact publishes run directories to artifact stores.
//
// # Implementations
//
//   - [LocalStore]: a directory on the local file system
//   - [MemoryStore]: in-memory, for tests
//   - artifact/s3: Amazon S3
//   - artifact/minio: MinIO and other S3-compatible stores
//
// # Usage
//
//	store := artifact.NewLocalStore("/mnt/shared/annbench")
//	report, err := artifact.Publish(ctx, store, runID, "runs/"+runID,
//	    artifact.WithConcurrency(8),
//	    artifact.WithCompression(dataset.Zstd),
//	)
//
// Publish uploads every file of the run directory under "<runID>/" in parallel and
// retries failed uploads with exponential backoff.
package artifact

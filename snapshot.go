package s3ui

import (
	"context"
	"maps"
)

// BucketSnapshot is the complete key to version-tag (ETag) mapping for one
// bucket at one point in time. Tags are opaque: equality means the object
// content is unchanged, inequality means it was modified.
type BucketSnapshot map[string]string

// Clone returns an independent copy of the snapshot.
func (s BucketSnapshot) Clone() BucketSnapshot {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// SnapshotFetcher produces a full snapshot of a bucket. A fetch either
// traverses the backend listing to completion or fails as a whole; callers
// must never diff against a partial snapshot.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, bucket string) (BucketSnapshot, error)
}

package s3ui

import (
	"slices"
	"time"

	"github.com/jhurlocker/s3ui/pkg/bucketevent"
)

// Diff compares two snapshots of a bucket and returns one event per detected
// change. A key that is new or carries a different tag yields OBJECT_CREATED,
// a key that disappeared yields OBJECT_DELETED. The result is deterministic:
// created/modified keys first, then deleted keys, each group sorted by key.
//
// Diff is a pure function. Baselining is the caller's concern: an empty
// previous snapshot here means "the bucket really was empty", not "first
// cycle".
func Diff(bucket string, previous, current BucketSnapshot, now time.Time) []*bucketevent.Event {
	events := make([]*bucketevent.Event, 0, len(current)+len(previous))
	created := make([]string, 0, len(current))
	for key, tag := range current {
		if prevTag, ok := previous[key]; !ok || prevTag != tag {
			created = append(created, key)
		}
	}
	deleted := make([]string, 0)
	for key := range previous {
		if _, ok := current[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	slices.Sort(created)
	slices.Sort(deleted)
	ts := bucketevent.NewTimestamp(now)
	for _, key := range created {
		events = append(events, &bucketevent.Event{
			EventType: bucketevent.EventTypeObjectCreated,
			Bucket:    bucket,
			ObjectKey: key,
			Time:      ts,
		})
	}
	for _, key := range deleted {
		events = append(events, &bucketevent.Event{
			EventType: bucketevent.EventTypeObjectDeleted,
			Bucket:    bucket,
			ObjectKey: key,
			Time:      ts,
		})
	}
	return events
}

package s3ui_test

import (
	"testing"
	"time"

	"github.com/jhurlocker/s3ui"
	"github.com/jhurlocker/s3ui/pkg/bucketevent"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		previous s3ui.BucketSnapshot
		current  s3ui.BucketSnapshot
		expected []*bucketevent.Event
	}{
		{
			name:     "no changes",
			previous: s3ui.BucketSnapshot{"a.txt": `"etag-1"`},
			current:  s3ui.BucketSnapshot{"a.txt": `"etag-1"`},
			expected: []*bucketevent.Event{},
		},
		{
			name:     "new object",
			previous: s3ui.BucketSnapshot{},
			current:  s3ui.BucketSnapshot{"a.txt": `"etag-1"`},
			expected: []*bucketevent.Event{
				{EventType: bucketevent.EventTypeObjectCreated, Bucket: "docs", ObjectKey: "a.txt", Time: bucketevent.NewTimestamp(now)},
			},
		},
		{
			name:     "deleted object",
			previous: s3ui.BucketSnapshot{"a.txt": `"etag-1"`},
			current:  s3ui.BucketSnapshot{},
			expected: []*bucketevent.Event{
				{EventType: bucketevent.EventTypeObjectDeleted, Bucket: "docs", ObjectKey: "a.txt", Time: bucketevent.NewTimestamp(now)},
			},
		},
		{
			name:     "overwrite reported as created",
			previous: s3ui.BucketSnapshot{"a.txt": `"etag-1"`},
			current:  s3ui.BucketSnapshot{"a.txt": `"etag-2"`},
			expected: []*bucketevent.Event{
				{EventType: bucketevent.EventTypeObjectCreated, Bucket: "docs", ObjectKey: "a.txt", Time: bucketevent.NewTimestamp(now)},
			},
		},
		{
			name:     "rename is a create and a delete",
			previous: s3ui.BucketSnapshot{"old.txt": `"etag-1"`},
			current:  s3ui.BucketSnapshot{"new.txt": `"etag-1"`},
			expected: []*bucketevent.Event{
				{EventType: bucketevent.EventTypeObjectCreated, Bucket: "docs", ObjectKey: "new.txt", Time: bucketevent.NewTimestamp(now)},
				{EventType: bucketevent.EventTypeObjectDeleted, Bucket: "docs", ObjectKey: "old.txt", Time: bucketevent.NewTimestamp(now)},
			},
		},
		{
			name: "created keys sorted before deleted keys",
			previous: s3ui.BucketSnapshot{
				"z-removed.txt": `"etag-1"`,
				"a-removed.txt": `"etag-2"`,
				"kept.txt":      `"etag-3"`,
			},
			current: s3ui.BucketSnapshot{
				"kept.txt":    `"etag-3"`,
				"b-added.txt": `"etag-4"`,
				"a-added.txt": `"etag-5"`,
			},
			expected: []*bucketevent.Event{
				{EventType: bucketevent.EventTypeObjectCreated, Bucket: "docs", ObjectKey: "a-added.txt", Time: bucketevent.NewTimestamp(now)},
				{EventType: bucketevent.EventTypeObjectCreated, Bucket: "docs", ObjectKey: "b-added.txt", Time: bucketevent.NewTimestamp(now)},
				{EventType: bucketevent.EventTypeObjectDeleted, Bucket: "docs", ObjectKey: "a-removed.txt", Time: bucketevent.NewTimestamp(now)},
				{EventType: bucketevent.EventTypeObjectDeleted, Bucket: "docs", ObjectKey: "z-removed.txt", Time: bucketevent.NewTimestamp(now)},
			},
		},
		{
			name:     "nil snapshots",
			previous: nil,
			current:  nil,
			expected: []*bucketevent.Event{},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			actual := s3ui.Diff("docs", c.previous, c.current, now)
			require.EqualValues(t, c.expected, actual)
		})
	}
}

func TestDiffDoesNotMutateInputs(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	previous := s3ui.BucketSnapshot{"a.txt": `"etag-1"`}
	current := s3ui.BucketSnapshot{"b.txt": `"etag-2"`}
	s3ui.Diff("docs", previous, current, now)
	require.Equal(t, s3ui.BucketSnapshot{"a.txt": `"etag-1"`}, previous)
	require.Equal(t, s3ui.BucketSnapshot{"b.txt": `"etag-2"`}, current)
}

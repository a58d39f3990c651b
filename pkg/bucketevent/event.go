// Package bucketevent provides the payload types for s3ui change notifications.
// Webhook consumers can use this package to unmarshal the POST body without
// importing the rest of the application.
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    var event bucketevent.Event
//	    json.NewDecoder(r.Body).Decode(&event)
//	    fmt.Println(event.EventType, event.ObjectKey)
//	}
package bucketevent

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Event types emitted by the poller.
const (
	EventTypeObjectCreated = "OBJECT_CREATED"
	EventTypeObjectDeleted = "OBJECT_DELETED"
)

// Event is one detected change to an object in a monitored bucket.
// The JSON wire shape is {event_type, bucket, object_key, timestamp}
// where timestamp is epoch seconds as a JSON number.
type Event struct {
	EventType string    `json:"event_type"`
	Bucket    string    `json:"bucket"`
	ObjectKey string    `json:"object_key"`
	Time      Timestamp `json:"timestamp"`
}

// Timestamp marshals as fractional epoch seconds.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t as a wire timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	sec := float64(ts.UnixNano()) / float64(time.Second)
	return json.Marshal(sec)
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var sec float64
	if err := json.Unmarshal(data, &sec); err != nil {
		return fmt.Errorf("timestamp must be a number: %w", err)
	}
	whole, frac := math.Modf(sec)
	ts.Time = time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	return nil
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("%s s3://%s/%s", e.EventType, e.Bucket, e.ObjectKey)
}

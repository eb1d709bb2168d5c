// Bucket is the central entity of the domain.
package core

import (
	"strconv"
	"strings"
	"time"
)

// RootID is the identifier of the root bucket, the single entry point of a stream.
const RootID = ""

// InstantLayout renders relation values: UTC ISO-8601 with a nanosecond
// fraction. FormatInstant trims it to no fewer than three digits.
const InstantLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Member is one identified unit of the stream.
// The payload is opaque to the engine beyond timestamp extraction.
type Member struct {
	ID      string
	Payload []byte
}

// RelationType is the comparison kind carried by a Relation.
type RelationType string

const (
	RelationGTE RelationType = "GTE"
	RelationLT  RelationType = "LT"

	// Reserved by the relation vocabulary, never emitted by the engine.
	RelationGT  RelationType = "GT"
	RelationLTE RelationType = "LTE"
	RelationEQ  RelationType = "EQ"
)

// Relation is a directed edge from a bucket (in practice the root) to a
// destination bucket, asserting a comparison against Value at Path.
type Relation struct {
	Type   RelationType `json:"type" yaml:"type"`
	Path   string       `json:"path" yaml:"path"`
	Value  string       `json:"value" yaml:"value"`
	Bucket string       `json:"bucket" yaml:"bucket"`
}

// Bucket is a bounded partition of the stream's members.
// Also called window or fragment.
type Bucket struct {
	ID        string     `json:"id"`
	StreamID  string     `json:"stream_id"`
	Leaf      bool       `json:"leaf"`
	Start     *time.Time `json:"start,omitempty"` // inclusive
	End       *time.Time `json:"end,omitempty"`   // exclusive, nil while the bucket is open
	Members   []string   `json:"members"`
	Relations []Relation `json:"relations,omitempty"`
	Count     int        `json:"count"`
}

// IsRoot reports whether b is the stream's root index.
func (b Bucket) IsRoot() bool {
	return b.ID == RootID
}

// IsOpen reports whether b still accepts members.
func (b Bucket) IsOpen() bool {
	return b.End == nil
}

// Window returns the bounds view of the bucket.
func (b Bucket) Window() Window {
	return Window{ID: b.ID, Start: b.Start, End: b.End}
}

// Clone returns a deep copy of b.
func (b Bucket) Clone() Bucket {
	out := b
	out.Start = cloneTime(b.Start)
	out.End = cloneTime(b.End)
	if b.Members != nil {
		out.Members = append([]string(nil), b.Members...)
	}
	if b.Relations != nil {
		out.Relations = append([]Relation(nil), b.Relations...)
	}
	return out
}

// Window identifies a bucket and its time bounds.
// It is the argument of the window creation and update primitives.
type Window struct {
	ID    string
	Start *time.Time
	End   *time.Time
}

// Fields holds the bounds to overwrite on an existing bucket.
// Nil fields are left untouched.
type Fields struct {
	Start *time.Time
	End   *time.Time
}

// StreamMeta is the stream-level metadata written once by the bootstrap.
type StreamMeta struct {
	StreamID    string    `json:"stream_id" yaml:"stream_id"`
	Description string    `json:"description" yaml:"description"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// BucketID renders t as the identifier of the bucket starting at t:
// Unix nanoseconds as a decimal string.
func BucketID(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// FormatInstant renders t as a relation value, e.g.
// "2024-05-01T10:00:00.000Z" or "2024-05-01T10:00:00.0002Z".
func FormatInstant(t time.Time) string {
	s := t.UTC().Format(InstantLayout)
	// "...05.000000000Z": the fraction ends right before the zone.
	dot := strings.LastIndexByte(s, '.')
	end := dot + 10
	frac := strings.TrimRight(s[dot+1:end], "0")
	for len(frac) < 3 {
		frac += "0"
	}
	return s[:dot+1] + frac + s[end:]
}

// ParseInstant parses a relation value (any RFC 3339 instant).
func ParseInstant(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Instant returns a pointer to t in UTC, without a monotonic reading.
func Instant(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EventType represents the type of change in a stream.
type EventType string

const (
	EventBucketOpened   EventType = "OPEN"
	EventBucketClosed   EventType = "CLOSE"
	EventMemberAppended EventType = "APPEND"
)

// Event represents a change applied by the engine.
type Event struct {
	Type      EventType
	StreamID  string
	Bucket    string
	Member    string
	Timestamp int64 // Unix timestamp
}

// String implements lifecycle.Event.
func (e Event) String() string {
	s := string(e.Type) + " " + e.StreamID + "/" + e.Bucket
	if e.Member != "" {
		s += " " + e.Member
	}
	return s
}

package dynamodb

import (
	"time"

	"github.com/aretw0/fragmenta/pkg/core"
)

// Single-table key layout.
const (
	streamPrefix = "STREAM#"
	bucketPrefix = "BUCKET#"
	memberPrefix = "MEMBER#"
	lockPrefix   = "LOCK#"

	metaSK   = "META"
	memberSK = "MEMBER"
	lockSK   = "LOCK"
)

func streamPK(streamID string) string { return streamPrefix + streamID }
func bucketSK(id string) string       { return bucketPrefix + id }
func memberPK(id string) string       { return memberPrefix + id }
func lockPK(streamID string) string   { return lockPrefix + streamID }

// bucketItem is a bucket row. Bounds are Unix nanoseconds.
type bucketItem struct {
	PK        string         `dynamodbav:"PK"`
	SK        string         `dynamodbav:"SK"`
	ID        string         `dynamodbav:"ID"`
	Stream    string         `dynamodbav:"Stream"`
	Leaf      bool           `dynamodbav:"Leaf"`
	Start     *int64         `dynamodbav:"Start,omitempty"`
	End       *int64         `dynamodbav:"End,omitempty"`
	Count     int            `dynamodbav:"Count"`
	Members   []string       `dynamodbav:"Members,omitempty"`
	Relations []relationItem `dynamodbav:"Relations,omitempty"`
}

type relationItem struct {
	Type   string `dynamodbav:"Type"`
	Path   string `dynamodbav:"Path"`
	Value  string `dynamodbav:"Value"`
	Bucket string `dynamodbav:"Bucket"`
}

type metaItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Stream      string `dynamodbav:"Stream"`
	Description string `dynamodbav:"Description"`
	CreatedAt   string `dynamodbav:"CreatedAt"`
}

type memberItem struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	ID      string `dynamodbav:"ID"`
	Payload []byte `dynamodbav:"Payload"`
}

type lockItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Token     string `dynamodbav:"Token"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"` // Unix ms, checked by the acquire condition
	TTL       int64  `dynamodbav:"TTL"`       // Unix s, for DynamoDB TTL cleanup
}

func nanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ns := t.UnixNano()
	return &ns
}

func fromNanos(ns *int64) *time.Time {
	if ns == nil {
		return nil
	}
	return core.Instant(time.Unix(0, *ns))
}

func toItem(b core.Bucket) bucketItem {
	return bucketItem{
		PK:        streamPK(b.StreamID),
		SK:        bucketSK(b.ID),
		ID:        b.ID,
		Stream:    b.StreamID,
		Leaf:      b.Leaf,
		Start:     nanos(b.Start),
		End:       nanos(b.End),
		Count:     len(b.Members),
		Members:   b.Members,
		Relations: toRelationItems(b.Relations),
	}
}

func toRelationItems(rels []core.Relation) []relationItem {
	out := make([]relationItem, 0, len(rels))
	for _, r := range rels {
		out = append(out, relationItem{Type: string(r.Type), Path: r.Path, Value: r.Value, Bucket: r.Bucket})
	}
	return out
}

func (i bucketItem) bucket() core.Bucket {
	b := core.Bucket{
		ID:       i.ID,
		StreamID: i.Stream,
		Leaf:     i.Leaf,
		Start:    fromNanos(i.Start),
		End:      fromNanos(i.End),
		Count:    i.Count,
	}
	if len(i.Members) > 0 {
		b.Members = i.Members
	}
	for _, r := range i.Relations {
		b.Relations = append(b.Relations, core.Relation{
			Type:   core.RelationType(r.Type),
			Path:   r.Path,
			Value:  r.Value,
			Bucket: r.Bucket,
		})
	}
	return b
}

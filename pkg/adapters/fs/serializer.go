package fs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/fragmenta/pkg/core"
)

// bucketDoc is the on-disk shape of a bucket.
// Bounds are kept as relation-style instants so the files read naturally.
type bucketDoc struct {
	ID        string          `json:"id" yaml:"id"`
	Stream    string          `json:"stream" yaml:"stream"`
	Leaf      bool            `json:"leaf" yaml:"leaf"`
	Start     string          `json:"start,omitempty" yaml:"start,omitempty"`
	End       string          `json:"end,omitempty" yaml:"end,omitempty"`
	Count     int             `json:"count" yaml:"count"`
	Members   []string        `json:"members" yaml:"members"`
	Relations []core.Relation `json:"relations,omitempty" yaml:"relations,omitempty"`
}

func toDoc(b core.Bucket) bucketDoc {
	doc := bucketDoc{
		ID:        b.ID,
		Stream:    b.StreamID,
		Leaf:      b.Leaf,
		Count:     b.Count,
		Members:   b.Members,
		Relations: b.Relations,
	}
	if doc.Members == nil {
		doc.Members = []string{}
	}
	if b.Start != nil {
		doc.Start = core.FormatInstant(*b.Start)
	}
	if b.End != nil {
		doc.End = core.FormatInstant(*b.End)
	}
	return doc
}

func (d bucketDoc) bucket() (core.Bucket, error) {
	b := core.Bucket{
		ID:        d.ID,
		StreamID:  d.Stream,
		Leaf:      d.Leaf,
		Count:     d.Count,
		Members:   d.Members,
		Relations: d.Relations,
	}
	var err error
	if b.Start, err = parseBound(d.Start); err != nil {
		return core.Bucket{}, fmt.Errorf("invalid start: %w", err)
	}
	if b.End, err = parseBound(d.End); err != nil {
		return core.Bucket{}, fmt.Errorf("invalid end: %w", err)
	}
	if len(b.Members) == 0 {
		b.Members = nil
	}
	return b, nil
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := core.ParseInstant(s)
	if err != nil {
		return nil, err
	}
	return core.Instant(t), nil
}

// Serializer defines how bucket files of one format are read and written.
type Serializer interface {
	Decode(data []byte) (core.Bucket, error)
	Encode(b core.Bucket) ([]byte, error)
}

// DefaultSerializers returns the supported bucket formats by extension.
func DefaultSerializers() map[string]Serializer {
	return map[string]Serializer{
		".json": JSONSerializer{},
		".yaml": YAMLSerializer{},
		".yml":  YAMLSerializer{},
	}
}

// normalizeExt accepts "json", ".json" or "JSON".
func normalizeExt(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return ".json"
	}
	if !strings.HasPrefix(format, ".") {
		format = "." + format
	}
	return format
}

// JSONSerializer reads and writes bucket files as indented JSON.
type JSONSerializer struct{}

func (JSONSerializer) Decode(data []byte) (core.Bucket, error) {
	var doc bucketDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.Bucket{}, fmt.Errorf("invalid json: %w", err)
	}
	return doc.bucket()
}

func (JSONSerializer) Encode(b core.Bucket) ([]byte, error) {
	return json.MarshalIndent(toDoc(b), "", "  ")
}

// YAMLSerializer reads and writes bucket files as YAML.
type YAMLSerializer struct{}

func (YAMLSerializer) Decode(data []byte) (core.Bucket, error) {
	var doc bucketDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return core.Bucket{}, fmt.Errorf("invalid yaml: %w", err)
	}
	return doc.bucket()
}

func (YAMLSerializer) Encode(b core.Bucket) ([]byte, error) {
	return yaml.Marshal(toDoc(b))
}

// Package typed publishes Go values as stream members.
package typed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/extract"
)

// Record is a typed member. An empty ID is taken from the payload's "@id"
// or "id" field, or generated.
type Record[T any] struct {
	ID   string
	Data T
}

// Appender is the part of *core.Engine a Publisher needs.
type Appender interface {
	Append(ctx context.Context, m core.Member) error
	Publish(ctx context.Context, members []core.Member) error
}

// Publisher wraps an engine to append typed records.
type Publisher[T any] struct {
	engine Appender
}

// NewPublisher creates a new type-safe wrapper around an engine.
func NewPublisher[T any](engine Appender) *Publisher[T] {
	return &Publisher[T]{engine: engine}
}

// Member converts a record into the JSON payload the engine stores.
func Member[T any](rec Record[T]) (core.Member, error) {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return core.Member{}, fmt.Errorf("failed to marshal typed data: %w", err)
	}
	id := rec.ID
	if id == "" {
		id = extract.MemberIDOrNew(payload)
	}
	return core.Member{ID: id, Payload: payload}, nil
}

// Append stores one record.
func (p *Publisher[T]) Append(ctx context.Context, rec Record[T]) (string, error) {
	m, err := Member(rec)
	if err != nil {
		return "", err
	}
	if err := p.engine.Append(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// Publish stores records in order. Nothing is appended when any record
// fails to marshal.
func (p *Publisher[T]) Publish(ctx context.Context, recs []Record[T]) ([]string, error) {
	members := make([]core.Member, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for i, rec := range recs {
		m, err := Member(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		members = append(members, m)
		ids = append(ids, m.ID)
	}
	if err := p.engine.Publish(ctx, members); err != nil {
		return nil, err
	}
	return ids, nil
}

// Decode unmarshals a stored payload into T.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal typed data: %w", err)
	}
	return v, nil
}

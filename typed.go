package fragmenta

import (
	"context"

	"github.com/aretw0/fragmenta/pkg/typed"
)

// Record is a public alias for the typed member.
type Record[T any] = typed.Record[T]

// Publisher is a public alias for the typed publisher.
type Publisher[T any] = typed.Publisher[T]

// NewPublisher wraps an engine for records of type T.
func NewPublisher[T any](engine typed.Appender) *Publisher[T] {
	return typed.NewPublisher[T](engine)
}

// OpenPublisher opens the stream and wraps its engine for records of type T.
// T is marshaled to JSON; the timestamp path refers to its JSON field names.
func OpenPublisher[T any](ctx context.Context, uri string, opts ...Option) (*Publisher[T], error) {
	engine, err := Open(ctx, uri, opts...)
	if err != nil {
		return nil, err
	}
	return typed.NewPublisher[T](engine), nil
}

package platform

import (
	"context"

	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/extract"
)

// NewEngine builds the engine for the stream named in the options on top
// of an opened backend.
func NewEngine(b *Backend, opts ...Option) (*core.Engine, error) {
	o := buildOptions(opts)

	extractor := o.extractor
	if extractor == nil {
		extractor = extract.New()
	}
	return core.NewEngine(o.engine, b.Stores, extractor)
}

// Open initializes the adapter and returns the stream's engine.
//
//	engine, err := fragmenta.Open(ctx, "./data",
//		fragmenta.WithStream("sensors"),
//		fragmenta.WithTimestampPath("observedAt"),
//		fragmenta.WithPageSize(100),
//	)
//
// Use Init and NewEngine when the backend must be closed or inspected.
func Open(ctx context.Context, uri string, opts ...Option) (*core.Engine, error) {
	b, err := Init(ctx, uri, opts...)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(b, opts...)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return engine, nil
}

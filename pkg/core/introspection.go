package core

import (
	"time"

	"github.com/aretw0/introspection"
)

// EngineState exposes internal state for observability.
type EngineState struct {
	StreamID      string     `json:"stream_id"`
	TimestampPath string     `json:"timestamp_path"`
	PageSize      int        `json:"page_size"`
	Appended      int64      `json:"appended"`
	Splits        int64      `json:"splits"`
	LastSplit     *time.Time `json:"last_split,omitempty"`
	StoreType     string     `json:"store_type"`
}

// State implements introspection.Introspectable.
func (e *Engine) State() any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	storeType := "unknown"
	if e.buckets != nil {
		storeType = "store"
		if comp, ok := e.buckets.(introspection.Component); ok {
			storeType = comp.ComponentType()
		}
	}

	return EngineState{
		StreamID:      e.cfg.StreamID,
		TimestampPath: e.cfg.TimestampPath,
		PageSize:      e.cfg.PageSize,
		Appended:      e.appended,
		Splits:        e.splits,
		LastSplit:     cloneTime(e.lastSplit),
		StoreType:     storeType,
	}
}

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "engine"
}

var _ introspection.Introspectable = (*Engine)(nil)
var _ introspection.Component = (*Engine)(nil)

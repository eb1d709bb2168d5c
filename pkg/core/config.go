package core

import "log/slog"

// Config holds the settings of one stream's fragmentation engine.
// It is validated once by NewEngine.
type Config struct {
	StreamID      string
	TimestampPath string // field the split boundary is read from
	PageSize      int    // max members per bucket, 0 means unbounded
	Logger        *slog.Logger

	// Events, when set, receives every bucket and member change. The engine
	// blocks on a full channel until the caller's context is done, so use a
	// buffered channel.
	Events chan<- Event

	// DropSplitTrigger restores the legacy placement where the member that
	// triggers a split only provides the boundary and is stored nowhere.
	// By default it becomes the first member of the new bucket.
	DropSplitTrigger bool
}

// Validate reports the first missing or invalid setting as ErrConfiguration.
func (c Config) Validate() error {
	if c.StreamID == "" {
		return configErr("stream ID is required")
	}
	if c.TimestampPath == "" {
		return configErr("timestamp path is required")
	}
	if c.PageSize < 0 {
		return configErr("page size must not be negative, got %d", c.PageSize)
	}
	return nil
}

// hasRoom reports whether a bucket holding n members accepts one more.
func (c Config) hasRoom(n int) bool {
	return c.PageSize == 0 || n+1 <= c.PageSize
}

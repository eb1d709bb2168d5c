// Package fragmenta is the composition root of the fragmenta library.
//
// It connects the fragmentation engine (pkg/core) with the storage adapters
// (pkg/adapters/...) using functional options.
//
// Fragmenta splits an append-only stream of timestamped members into
// time-windowed buckets of bounded size. A root bucket links every window
// with GTE and LT relations on the stream's timestamp path, so a reader can
// locate the bucket holding any instant without scanning the stream.
//
// Features:
//
//   - **Bounded pages**: a full bucket is closed at the next member's
//     timestamp and a new window opens at the same instant.
//   - **Pluggable storage**: filesystem (default), in-memory, Redis and
//     DynamoDB adapters behind the core store interfaces.
//   - **Safe concurrency**: appends to one stream are serialized by the
//     adapter's lock (keyed mutex, lock file, Redis SET NX, DynamoDB
//     conditional put).
//   - **Typed publishing**: `OpenPublisher[T]` marshals Go values as members.
//
// Usage:
//
//	engine, err := fragmenta.Open(ctx, "./data",
//		fragmenta.WithStream("sensors"),
//		fragmenta.WithTimestampPath("observedAt"),
//		fragmenta.WithPageSize(100),
//		fragmenta.WithLogger(logger),
//	)
//
//	_, err = engine.Bootstrap(ctx, core.BootstrapConfig{Description: "Sensor readings"})
//	err = engine.Append(ctx, core.Member{ID: "obs-1", Payload: payload})
package fragmenta

// Package config loads and deep-merges the Kit's configuration: per-module
// defaults, a base file, and environment overrides, in that priority order
// (core spec §4.8 "config deep-merge"). Adapted from the teacher's
// feeders/ format-specific loaders, but working over map[string]interface{}
// instead of reflecting into a fixed struct, since the orchestrator's
// module configuration sections are heterogeneous and module-defined.
package config

import "context"

// Source is one input to the merge, read in ascending Priority order so a
// higher Priority value wins conflicting keys.
type Source interface {
	// Load returns this source's contribution as a nested map, or an empty
	// map if the source has nothing to contribute (e.g. a missing,
	// optional file).
	Load(ctx context.Context) (map[string]interface{}, error)
	Priority() int
}

// Watcher is implemented by sources that can notify on external change
// (core spec ambient stack: fsnotify-backed file reload).
type Watcher interface {
	Watch(ctx context.Context, onChange func()) (stop func(), err error)
}

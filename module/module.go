// Package module defines the Module contract (core spec §4.6): the
// interface every gamification module (points, badges, levels, quests,
// streaks, leaderboards) implements to plug into the Kit, plus the
// Context handed to each module before Initialize.
//
// The contract is deliberately small, in the spirit of the framework this
// package is adapted from: a module declares its name, receives its
// runtime context once, initializes itself, reports and resets per-user
// state, and shuts down cleanly.
package module

import (
	"context"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/logging"
	"github.com/ersinkoc/gamificationkit/rules"
	"github.com/ersinkoc/gamificationkit/storage"
)

// Context is the set of engine-owned dependencies a Module receives via
// SetContext before Initialize is called.
type Context struct {
	Storage storage.Storage
	Events  eventbus.EventBus
	Rules   *rules.Engine
	Logger  logging.Logger

	// Config is a free-form configuration section. Kit.Initialize leaves
	// it nil; the modules in this repository take their settings through
	// their constructors.
	Config map[string]interface{}
}

// Module is the contract every gamification module implements (core spec
// §4.6). A zero-value-constructed module should be inert until SetContext
// and Initialize have both run.
type Module interface {
	// Name returns the module's unique identifier, used as a storage key
	// prefix and as the routing key for module-addressed operations.
	Name() string

	// SetContext supplies the module's runtime dependencies. Called
	// exactly once, before Initialize.
	SetContext(ctx Context)

	// Initialize prepares the module to serve traffic: subscribing to
	// events, validating configuration, scheduling background jobs.
	Initialize(ctx context.Context) error

	// GetUserStats returns the module's view of a single user's state,
	// in a shape specific to the module (balances for points, unlocked
	// badge IDs for badges, and so on).
	GetUserStats(ctx context.Context, userID string) (map[string]interface{}, error)

	// ResetUser clears all of this module's state for userID.
	ResetUser(ctx context.Context, userID string) error

	// Shutdown releases any resources (timers, goroutines) the module
	// holds. During Kit shutdown it is called concurrently for all modules.
	Shutdown(ctx context.Context) error

	// StorageKey namespaces a logical key under this module, so two
	// modules can use the same logical key without colliding in shared
	// storage.
	StorageKey(parts ...string) string
}

// Base provides the boilerplate shared by every module: Name/StorageKey
// and the stored Context, so concrete modules only implement the
// domain-specific methods.
type Base struct {
	name string
	Ctx  Context
}

// NewBase constructs a Base with the given module name.
func NewBase(name string) Base {
	return Base{name: name}
}

func (b *Base) Name() string { return b.name }

func (b *Base) SetContext(ctx Context) { b.Ctx = ctx }

// StorageKey joins the module name with parts using ":" as the
// conventional gamification-kit key separator, e.g. "points:balance:u1".
func (b *Base) StorageKey(parts ...string) string {
	key := b.name
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

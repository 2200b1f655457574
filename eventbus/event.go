// Package eventbus implements the gamification engine's EventBus (core spec
// §4.1): named and wildcard subscription, bounded observable history, and
// concurrent multi-listener dispatch where a single emit's returned error
// set never aborts delivery to peer handlers.
package eventbus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var eventNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Event is an immutable fact propagated by value once created (core spec
// §3.1). The conventional "userId" key in Data, when present, is used by
// reward modules to route per-user side effects.
type Event struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"` // milliseconds since epoch
}

// ValidEventName reports whether name matches the `[A-Za-z0-9._-]+` grammar.
func ValidEventName(name string) bool {
	return name != "" && eventNamePattern.MatchString(name)
}

// NewEvent stamps a new event with a generated ID and the current time, per
// §3.1's `evt_<epochMs>_<rand>` identifier shape.
func NewEvent(name string, data map[string]interface{}) Event {
	now := time.Now()
	return Event{
		ID:        newEventID(now),
		Name:      name,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}
}

func newEventID(t time.Time) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("evt_%d_%s", t.UnixMilli(), hex.EncodeToString(buf[:]))
}

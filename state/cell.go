// Package state holds the last known broadcast state of the system.
//
// A Cell is written by a state listener callback and read by any number of
// goroutines. Writers swap in a new immutable Snapshot, so a reader always
// sees one consistent version.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync/atomic"
	"time"

	"github.com/glimte/agentmq/internal/jsoncodec"
	"github.com/glimte/agentmq/messaging"
)

// FlightInfoKey is where OnStateChange stores the broadcast object.
const FlightInfoKey = "flight_info"

// ErrNotFound is returned by Decode for a key that has no value.
var ErrNotFound = errors.New("state: key not found")

// Snapshot is an immutable view of the cell. Do not modify Values.
type Snapshot struct {
	Values    map[string]json.RawMessage
	Version   uint64
	UpdatedAt time.Time
}

// Get returns the value stored under key.
func (s *Snapshot) Get(key string) (json.RawMessage, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// Keys returns the stored keys, sorted.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Cell is a last-write-wins map of state values. The zero value is an empty
// cell.
type Cell struct {
	current atomic.Pointer[Snapshot]
}

// NewCell returns an empty cell.
func NewCell() *Cell {
	c := &Cell{}
	c.current.Store(&Snapshot{Values: map[string]json.RawMessage{}})
	return c
}

var empty = &Snapshot{}

// Snapshot returns the current snapshot.
func (c *Cell) Snapshot() *Snapshot {
	if s := c.current.Load(); s != nil {
		return s
	}
	return empty
}

// Get returns the current value under key.
func (c *Cell) Get(key string) (json.RawMessage, bool) {
	return c.Snapshot().Get(key)
}

// Decode unmarshals the current value under key into v.
func (c *Cell) Decode(key string, v any) error {
	raw, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return jsoncodec.Unmarshal(raw, v)
}

// Set replaces the value under key.
func (c *Cell) Set(key string, value json.RawMessage) {
	stored := append(json.RawMessage(nil), value...)
	for {
		old := c.current.Load()
		values := map[string]json.RawMessage{}
		var version uint64
		if old != nil {
			maps.Copy(values, old.Values)
			version = old.Version
		}
		values[key] = stored
		next := &Snapshot{
			Values:    values,
			Version:   version + 1,
			UpdatedAt: time.Now(),
		}
		if c.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// OnStateChange stores the update's object under FlightInfoKey. It has the
// messaging.StateCallback signature.
func (c *Cell) OnStateChange(update messaging.StateUpdate) {
	if len(update.Object) == 0 {
		return
	}
	c.Set(FlightInfoKey, update.Object)
}

var _ messaging.StateCallback = (*Cell)(nil).OnStateChange

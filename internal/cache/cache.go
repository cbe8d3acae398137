// Package cache holds the local mirror of session state so reads can be
// answered without touching the backend. Latency here is critical: the
// game loop queries the cache every frame while fetches trickle in on
// their cooldown windows.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/opencoop/relay/pkg/core"
)

// Class names one remotely fetched entity collection. Each class has its
// own fetch cooldown window.
type Class string

const (
	ClassPlayers     Class = "players"
	ClassVehicles    Class = "vehicles"
	ClassEnvironment Class = "environment"
	ClassChat        Class = "chat"
)

type playerEntry struct {
	snap    core.PlayerSnapshot
	updated time.Time
}

type vehicleEntry struct {
	snap    core.VehicleSnapshot
	updated time.Time
}

// EntityCache mirrors the remote session subtree. All methods are safe
// for concurrent use.
type EntityCache struct {
	mu sync.Mutex

	// localID is the identity of this client. Its player entry is never
	// garbage collected from a merge, so a lagging remote listing cannot
	// make the local player vanish from its own view.
	localID string

	players     map[string]playerEntry
	vehicles    map[string]vehicleEntry
	environment core.EnvironmentSnapshot
	envSet      bool

	lastFetch map[Class]time.Time

	now func() time.Time
}

// New creates an empty cache for the given local player identity.
func New(localID string) *EntityCache {
	return &EntityCache{
		localID:   localID,
		players:   make(map[string]playerEntry),
		vehicles:  make(map[string]vehicleEntry),
		lastFetch: make(map[Class]time.Time),
		now:       time.Now,
	}
}

// Reset drops all cached state. Called on session leave.
func (c *EntityCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players = make(map[string]playerEntry)
	c.vehicles = make(map[string]vehicleEntry)
	c.environment = core.EnvironmentSnapshot{}
	c.envSet = false
	c.lastFetch = make(map[Class]time.Time)
}

// SetPlayer stores one player snapshot.
func (c *EntityCache) SetPlayer(id string, s core.PlayerSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players[id] = playerEntry{snap: s, updated: c.now()}
}

// Player returns one cached player snapshot.
func (c *EntityCache) Player(id string) (core.PlayerSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.players[id]
	return e.snap, ok
}

// Players returns a copy of all cached players.
func (c *EntityCache) Players() map[string]core.PlayerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.PlayerSnapshot, len(c.players))
	for id, e := range c.players {
		out[id] = e.snap
	}
	return out
}

// SetVehicle stores one vehicle snapshot.
func (c *EntityCache) SetVehicle(id string, s core.VehicleSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vehicles[id] = vehicleEntry{snap: s, updated: c.now()}
}

// Vehicle returns one cached vehicle snapshot.
func (c *EntityCache) Vehicle(id string) (core.VehicleSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.vehicles[id]
	return e.snap, ok
}

// Vehicles returns a copy of all cached vehicles.
func (c *EntityCache) Vehicles() map[string]core.VehicleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.VehicleSnapshot, len(c.vehicles))
	for id, e := range c.vehicles {
		out[id] = e.snap
	}
	return out
}

// RemoveVehicle drops one vehicle from the cache.
func (c *EntityCache) RemoveVehicle(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vehicles, id)
}

// SetEnvironment stores the environment snapshot.
func (c *EntityCache) SetEnvironment(s core.EnvironmentSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.environment = s
	c.envSet = true
}

// Environment returns the cached environment snapshot.
func (c *EntityCache) Environment() (core.EnvironmentSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.environment, c.envSet
}

// MergePlayers replaces the player set with a remote listing. Ids absent
// from the listing are dropped, except the local identity.
func (c *EntityCache) MergePlayers(remote map[string]core.PlayerSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	for id := range c.players {
		if id == c.localID {
			continue
		}
		if _, ok := remote[id]; !ok {
			delete(c.players, id)
		}
	}
	for id, s := range remote {
		if id == c.localID {
			// The backend's echo of our own state is always staler than
			// what we published.
			continue
		}
		c.players[id] = playerEntry{snap: s, updated: now}
	}
}

// MergeVehicles replaces the vehicle set with a remote listing. Vehicle
// ids carry their owner as a prefix; locally owned entries get the same
// treatment as the local player: never garbage collected, never
// overwritten by the backend's echo.
func (c *EntityCache) MergeVehicles(remote map[string]core.VehicleSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	for id := range c.vehicles {
		if c.ownsVehicle(id) {
			continue
		}
		if _, ok := remote[id]; !ok {
			delete(c.vehicles, id)
		}
	}
	for id, s := range remote {
		if c.ownsVehicle(id) {
			continue
		}
		c.vehicles[id] = vehicleEntry{snap: s, updated: now}
	}
}

// ownsVehicle reports whether a vehicle id was minted by this client.
// Callers hold c.mu.
func (c *EntityCache) ownsVehicle(id string) bool {
	return c.localID != "" && strings.HasPrefix(id, c.localID+"_")
}

// EvictStale drops entries not refreshed within ttl and returns how many
// went. The local identity is exempt.
func (c *EntityCache) EvictStale(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-ttl)

	evicted := 0
	for id, e := range c.players {
		if id == c.localID {
			continue
		}
		if e.updated.Before(cutoff) {
			delete(c.players, id)
			evicted++
		}
	}
	for id, e := range c.vehicles {
		if e.updated.Before(cutoff) {
			delete(c.vehicles, id)
			evicted++
		}
	}
	return evicted
}

// ShouldFetch reports whether the cooldown window for the class has
// elapsed, and opens a new window when it has. Callers fetch only on
// true, which bounds backend reads per class.
func (c *EntityCache) ShouldFetch(class Class, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	last, ok := c.lastFetch[class]
	if ok && now.Sub(last) < cooldown {
		return false
	}
	c.lastFetch[class] = now
	return true
}

// Counts returns the cached player and vehicle counts.
func (c *EntityCache) Counts() (players, vehicles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.players), len(c.vehicles)
}

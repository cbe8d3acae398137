// Package delta decides whether a snapshot differs enough from the last
// published one to be worth a backend write. Sub-threshold movement is
// noise at the far end anyway once quantized, so suppressing it saves
// billable writes without visible cost.
package delta

import (
	"math"
	"sync"

	"github.com/opencoop/relay/pkg/core"
)

// Options are the change thresholds. Zero values fall back to defaults
// matched to the wire quantization step.
type Options struct {
	PlayerMoveThreshold  float64
	VehicleMoveThreshold float64
	HeadingThreshold     float64
}

const (
	defaultPlayerMove  = 0.3
	defaultVehicleMove = 0.5
	defaultHeading     = 5.0
)

// Gate tracks the last published snapshot per entity and gates publishes
// on meaningful change. Safe for concurrent use.
type Gate struct {
	mu   sync.Mutex
	opts Options

	players  map[string]core.PlayerSnapshot
	vehicles map[string]core.VehicleSnapshot

	env    core.EnvironmentSnapshot
	envSet bool

	suppressed int
}

// New creates a gate with the given thresholds.
func New(opts Options) *Gate {
	if opts.PlayerMoveThreshold <= 0 {
		opts.PlayerMoveThreshold = defaultPlayerMove
	}
	if opts.VehicleMoveThreshold <= 0 {
		opts.VehicleMoveThreshold = defaultVehicleMove
	}
	if opts.HeadingThreshold <= 0 {
		opts.HeadingThreshold = defaultHeading
	}
	return &Gate{
		opts:     opts,
		players:  make(map[string]core.PlayerSnapshot),
		vehicles: make(map[string]core.VehicleSnapshot),
	}
}

func headingDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// PlayerChanged reports whether the snapshot should be published, and
// records it as the new baseline when it should. The first snapshot for
// an id always publishes.
func (g *Gate) PlayerChanged(id string, s core.PlayerSnapshot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.players[id]
	if ok && !playerDiffers(prev, s, g.opts) {
		g.suppressed++
		return false
	}
	g.players[id] = s
	return true
}

func playerDiffers(prev, next core.PlayerSnapshot, opts Options) bool {
	if prev.Position.DistanceTo(next.Position) >= opts.PlayerMoveThreshold {
		return true
	}
	if headingDelta(prev.Heading, next.Heading) >= opts.HeadingThreshold {
		return true
	}
	// State bits always publish on flip.
	return prev.Animation != next.Animation ||
		prev.IsAlive != next.IsAlive ||
		prev.InVehicle != next.InVehicle ||
		prev.VehicleRef != next.VehicleRef ||
		prev.SeatIndex != next.SeatIndex ||
		prev.WeaponID != next.WeaponID
}

// VehicleChanged reports whether the snapshot should be published, and
// records it as the new baseline when it should.
func (g *Gate) VehicleChanged(id string, s core.VehicleSnapshot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.vehicles[id]
	if ok && !vehicleDiffers(prev, s, g.opts) {
		g.suppressed++
		return false
	}
	g.vehicles[id] = s
	return true
}

func vehicleDiffers(prev, next core.VehicleSnapshot, opts Options) bool {
	if prev.Position.DistanceTo(next.Position) >= opts.VehicleMoveThreshold {
		return true
	}
	if headingDelta(prev.Heading, next.Heading) >= opts.HeadingThreshold {
		return true
	}
	return prev.EngineRunning != next.EngineRunning
}

// EnvironmentChanged reports whether weather or time of day moved.
func (g *Gate) EnvironmentChanged(s core.EnvironmentSnapshot) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.envSet && g.env.WeatherID == s.WeatherID && g.env.Hour == s.Hour {
		g.suppressed++
		return false
	}
	g.env = s
	g.envSet = true
	return true
}

// Forget drops the baseline for an entity so its next snapshot publishes
// unconditionally.
func (g *Gate) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.players, id)
	delete(g.vehicles, id)
}

// Reset drops all baselines.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.players = make(map[string]core.PlayerSnapshot)
	g.vehicles = make(map[string]core.VehicleSnapshot)
	g.envSet = false
	g.suppressed = 0
}

// Suppressed returns how many publishes the gate has swallowed.
func (g *Gate) Suppressed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suppressed
}

// Package interest culls remote entities by distance from the local
// player. Entities outside the radius are neither applied nor worth
// fetching in detail, which keeps per-frame work flat as sessions grow.
package interest

import "github.com/opencoop/relay/pkg/core"

// Filter holds the interest radii. Vehicles get a wider radius since
// they are visible from farther away.
type Filter struct {
	radius        float64
	vehicleFactor float64
}

const (
	defaultRadius        = 300.0
	defaultVehicleFactor = 1.2
)

// New creates a filter. Non-positive arguments fall back to defaults.
func New(radius, vehicleFactor float64) *Filter {
	if radius <= 0 {
		radius = defaultRadius
	}
	if vehicleFactor <= 0 {
		vehicleFactor = defaultVehicleFactor
	}
	return &Filter{radius: radius, vehicleFactor: vehicleFactor}
}

// Radius returns the player interest radius.
func (f *Filter) Radius() float64 {
	return f.radius
}

// VehicleRadius returns the widened vehicle interest radius.
func (f *Filter) VehicleRadius() float64 {
	return f.radius * f.vehicleFactor
}

// PlayerVisible reports whether a remote player is inside the interest
// radius of the given viewpoint.
func (f *Filter) PlayerVisible(self core.Position3D, p core.PlayerSnapshot) bool {
	return self.DistanceTo(p.Position) <= f.radius
}

// VehicleVisible reports whether a vehicle is inside the vehicle radius.
func (f *Filter) VehicleVisible(self core.Position3D, v core.VehicleSnapshot) bool {
	return self.DistanceTo(v.Position) <= f.VehicleRadius()
}

// FilterPlayers returns the remote players inside the interest radius.
func (f *Filter) FilterPlayers(self core.Position3D, players map[string]core.PlayerSnapshot) map[string]core.PlayerSnapshot {
	out := make(map[string]core.PlayerSnapshot, len(players))
	for id, p := range players {
		if f.PlayerVisible(self, p) {
			out[id] = p
		}
	}
	return out
}

// FilterVehicles returns the vehicles inside the vehicle radius. The
// vehicle the local player occupies is always kept regardless of the
// reported position, so a stale record cannot unseat the player.
func (f *Filter) FilterVehicles(self core.Position3D, vehicles map[string]core.VehicleSnapshot, occupiedRef string) map[string]core.VehicleSnapshot {
	out := make(map[string]core.VehicleSnapshot, len(vehicles))
	for id, v := range vehicles {
		if id == occupiedRef || f.VehicleVisible(self, v) {
			out[id] = v
		}
	}
	return out
}

package core

import "math"

// Position3D represents a 3D coordinate in session-local space.
type Position3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Velocity3D represents a velocity vector in units per second.
type Velocity3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (p Position3D) DistanceTo(other Position3D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Length returns the magnitude of the velocity vector.
func (v Velocity3D) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// AnimationState is the coarse movement state of a player.
type AnimationState uint8

const (
	AnimIdle AnimationState = iota
	AnimRunning
	AnimShooting
	AnimRagdoll
)

// String returns the animation state name.
func (a AnimationState) String() string {
	switch a {
	case AnimRunning:
		return "running"
	case AnimShooting:
		return "shooting"
	case AnimRagdoll:
		return "ragdoll"
	default:
		return "idle"
	}
}

package core

// PlayerSnapshot is the point-in-time state of a player avatar.
// A player record is owned exclusively by the peer whose identity matches the
// record key; all other peers are read-only observers.
type PlayerSnapshot struct {
	Name       string
	Position   Position3D
	Velocity   Velocity3D
	Heading    float64
	Animation  AnimationState
	IsAlive    bool
	InVehicle  bool
	VehicleRef string // vehicle record key when seated, "" otherwise
	SeatIndex  int    // -1 driver, 0 front passenger, 1 left rear, 2 right rear
	Health     float64
	WeaponID   int32
	Timestamp  int64 // unix milliseconds
}

// VehicleSnapshot is the point-in-time state of a vehicle. The record key is
// namespaced by the owning peer's identity, so only the owner may overwrite it.
type VehicleSnapshot struct {
	ModelID       int32
	Position      Position3D
	Velocity      Velocity3D
	Heading       float64
	EngineRunning bool
	Health        float64
	OwnerID       string
	Timestamp     int64
}

// EnvironmentSnapshot is the session-wide world state, written only by the
// current host.
type EnvironmentSnapshot struct {
	WeatherID int
	Hour      int
	Timestamp int64
}

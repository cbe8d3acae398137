package wire

import (
	"math"
	"unicode/utf8"

	"github.com/opencoop/relay/pkg/core"
)

// Quantization factors. These are fixed wire-format tradeoffs: int16 x10
// position gives +-3276.7 units of session-local range, int8 x10 velocity
// gives +-12.7 units/s, and a single heading byte gives a ~1.41 degree step.
// Changing any of them is a breaking format revision.
const (
	posScale     = 10.0
	velScale     = 10.0
	headingScale = 255.0 / 360.0

	vehicleHealthScale = 10.0

	// MaxNameLength caps names at write time to keep records small.
	MaxNameLength = 24
	// MaxChatLength caps chat text at write time.
	MaxChatLength = 100
)

// Decode fallbacks for records missing expected fields.
const (
	defaultPlayerHealth  = 100
	defaultVehicleHealth = 1000
	defaultHour          = 12
)

func quantize16(v float64) int16 {
	scaled := math.Round(v * posScale)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

func quantize8(v float64) int8 {
	scaled := math.Round(v * velScale)
	if scaled > math.MaxInt8 {
		return math.MaxInt8
	}
	if scaled < math.MinInt8 {
		return math.MinInt8
	}
	return int8(scaled)
}

func quantizeHeading(h float64) uint8 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return uint8(math.Round(h * headingScale))
}

func dequantizeHeading(b uint8) float64 {
	return float64(b) / headingScale
}

// Truncate bounds a string to max bytes without splitting a UTF-8
// sequence, so multibyte names survive as valid (if shorter) strings.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateName bounds a display name for a compact record.
func TruncateName(name string) string {
	return Truncate(name, MaxNameLength)
}

// TruncateChat bounds chat text for a compact record.
func TruncateChat(text string) string {
	return Truncate(text, MaxChatLength)
}

// EncodePlayer quantizes a player snapshot into its compact record.
func EncodePlayer(s core.PlayerSnapshot) CompactPlayer {
	var flags uint8
	if s.IsAlive {
		flags |= FlagAlive
	}
	if s.InVehicle {
		flags |= FlagInVehicle
	}

	health := s.Health
	if health < 0 {
		health = 0
	}
	if health > 255 {
		health = 255
	}

	rec := CompactPlayer{
		Name:      TruncateName(s.Name),
		X:         quantize16(s.Position.X),
		Y:         quantize16(s.Position.Y),
		Z:         quantize16(s.Position.Z),
		VX:        quantize8(s.Velocity.X),
		VY:        quantize8(s.Velocity.Y),
		VZ:        quantize8(s.Velocity.Z),
		Heading:   quantizeHeading(s.Heading),
		Animation: uint8(s.Animation),
		Flags:     flags,
		Health:    uint8(health),
		Weapon:    s.WeaponID,
		Seat:      int8(s.SeatIndex),
		Timestamp: s.Timestamp,
	}
	if s.InVehicle {
		rec.VehicleRef = s.VehicleRef
	}
	return rec
}

// DecodePlayer dequantizes a compact player record. It is the exact inverse
// scaling of EncodePlayer; round-trip error is bounded by the quantization
// step.
func DecodePlayer(rec CompactPlayer) core.PlayerSnapshot {
	return core.PlayerSnapshot{
		Name: rec.Name,
		Position: core.Position3D{
			X: float64(rec.X) / posScale,
			Y: float64(rec.Y) / posScale,
			Z: float64(rec.Z) / posScale,
		},
		Velocity: core.Velocity3D{
			X: float64(rec.VX) / velScale,
			Y: float64(rec.VY) / velScale,
			Z: float64(rec.VZ) / velScale,
		},
		Heading:    dequantizeHeading(rec.Heading),
		Animation:  core.AnimationState(rec.Animation),
		IsAlive:    rec.Flags&FlagAlive != 0,
		InVehicle:  rec.Flags&FlagInVehicle != 0,
		VehicleRef: rec.VehicleRef,
		SeatIndex:  int(rec.Seat),
		Health:     float64(rec.Health),
		WeaponID:   rec.Weapon,
		Timestamp:  rec.Timestamp,
	}
}

// EncodeVehicle quantizes a vehicle snapshot into its compact record.
// Vehicle health lives on a 0-1000 domain and is stored at /10 scaling.
func EncodeVehicle(s core.VehicleSnapshot) CompactVehicle {
	var flags uint8
	if s.EngineRunning {
		flags |= FlagEngineRunning
	}

	health := math.Round(s.Health / vehicleHealthScale)
	if health < 0 {
		health = 0
	}
	if health > 255 {
		health = 255
	}

	return CompactVehicle{
		Model:     s.ModelID,
		X:         quantize16(s.Position.X),
		Y:         quantize16(s.Position.Y),
		Z:         quantize16(s.Position.Z),
		VX:        quantize8(s.Velocity.X),
		VY:        quantize8(s.Velocity.Y),
		VZ:        quantize8(s.Velocity.Z),
		Heading:   quantizeHeading(s.Heading),
		Flags:     flags,
		Health:    uint8(health),
		Owner:     s.OwnerID,
		Timestamp: s.Timestamp,
	}
}

// DecodeVehicle dequantizes a compact vehicle record.
func DecodeVehicle(rec CompactVehicle) core.VehicleSnapshot {
	return core.VehicleSnapshot{
		ModelID: rec.Model,
		Position: core.Position3D{
			X: float64(rec.X) / posScale,
			Y: float64(rec.Y) / posScale,
			Z: float64(rec.Z) / posScale,
		},
		Velocity: core.Velocity3D{
			X: float64(rec.VX) / velScale,
			Y: float64(rec.VY) / velScale,
			Z: float64(rec.VZ) / velScale,
		},
		Heading:       dequantizeHeading(rec.Heading),
		EngineRunning: rec.Flags&FlagEngineRunning != 0,
		Health:        float64(rec.Health) * vehicleHealthScale,
		OwnerID:       rec.Owner,
		Timestamp:     rec.Timestamp,
	}
}

// EncodeEnvironment builds the environment record.
func EncodeEnvironment(s core.EnvironmentSnapshot) CompactEnvironment {
	return CompactEnvironment{
		Weather:   s.WeatherID,
		Hour:      s.Hour,
		Timestamp: s.Timestamp,
	}
}

// DecodeEnvironment reads the environment record.
func DecodeEnvironment(rec CompactEnvironment) core.EnvironmentSnapshot {
	return core.EnvironmentSnapshot{
		WeatherID: rec.Weather,
		Hour:      rec.Hour,
		Timestamp: rec.Timestamp,
	}
}

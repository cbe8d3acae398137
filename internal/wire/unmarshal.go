package wire

import "encoding/json"

// Remote records can be partial: an older client may omit fields, or a write
// may have been interrupted. Missing fields are defaulted rather than treated
// as errors, so unmarshalling goes through pointer-field documents first.

type playerDoc struct {
	Name       *string `json:"n"`
	X          *int16  `json:"x"`
	Y          *int16  `json:"y"`
	Z          *int16  `json:"z"`
	VX         *int8   `json:"vx"`
	VY         *int8   `json:"vy"`
	VZ         *int8   `json:"vz"`
	Heading    *uint8  `json:"h"`
	Animation  *uint8  `json:"a"`
	Flags      *uint8  `json:"f"`
	Health     *uint8  `json:"hp"`
	Weapon     *int32  `json:"w"`
	VehicleRef *string `json:"vr"`
	Seat       *int8   `json:"vs"`
	Timestamp  *int64  `json:"t"`
}

type vehicleDoc struct {
	Model     *int32  `json:"m"`
	X         *int16  `json:"x"`
	Y         *int16  `json:"y"`
	Z         *int16  `json:"z"`
	VX        *int8   `json:"vx"`
	VY        *int8   `json:"vy"`
	VZ        *int8   `json:"vz"`
	Heading   *uint8  `json:"h"`
	Flags     *uint8  `json:"f"`
	Health    *uint8  `json:"hp"`
	Owner     *string `json:"o"`
	Timestamp *int64  `json:"t"`
}

type environmentDoc struct {
	Weather   *int   `json:"w"`
	Hour      *int   `json:"h"`
	Timestamp *int64 `json:"t"`
}

// UnmarshalPlayer parses a raw backend document into a compact player record,
// defaulting missing fields (alive, health 100).
func UnmarshalPlayer(raw []byte) (CompactPlayer, error) {
	var doc playerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CompactPlayer{}, err
	}

	rec := CompactPlayer{
		Flags:  FlagAlive,
		Health: defaultPlayerHealth,
	}
	if doc.Name != nil {
		rec.Name = *doc.Name
	}
	if doc.X != nil {
		rec.X = *doc.X
	}
	if doc.Y != nil {
		rec.Y = *doc.Y
	}
	if doc.Z != nil {
		rec.Z = *doc.Z
	}
	if doc.VX != nil {
		rec.VX = *doc.VX
	}
	if doc.VY != nil {
		rec.VY = *doc.VY
	}
	if doc.VZ != nil {
		rec.VZ = *doc.VZ
	}
	if doc.Heading != nil {
		rec.Heading = *doc.Heading
	}
	if doc.Animation != nil {
		rec.Animation = *doc.Animation
	}
	if doc.Flags != nil {
		rec.Flags = *doc.Flags
	}
	if doc.Health != nil {
		rec.Health = *doc.Health
	}
	if doc.Weapon != nil {
		rec.Weapon = *doc.Weapon
	}
	if doc.VehicleRef != nil {
		rec.VehicleRef = *doc.VehicleRef
	}
	if doc.Seat != nil {
		rec.Seat = *doc.Seat
	}
	if doc.Timestamp != nil {
		rec.Timestamp = *doc.Timestamp
	}
	return rec, nil
}

// UnmarshalVehicle parses a raw backend document into a compact vehicle
// record, defaulting missing fields (health 1000, engine off).
func UnmarshalVehicle(raw []byte) (CompactVehicle, error) {
	var doc vehicleDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CompactVehicle{}, err
	}

	rec := CompactVehicle{
		Health: defaultVehicleHealth / vehicleHealthScale,
	}
	if doc.Model != nil {
		rec.Model = *doc.Model
	}
	if doc.X != nil {
		rec.X = *doc.X
	}
	if doc.Y != nil {
		rec.Y = *doc.Y
	}
	if doc.Z != nil {
		rec.Z = *doc.Z
	}
	if doc.VX != nil {
		rec.VX = *doc.VX
	}
	if doc.VY != nil {
		rec.VY = *doc.VY
	}
	if doc.VZ != nil {
		rec.VZ = *doc.VZ
	}
	if doc.Heading != nil {
		rec.Heading = *doc.Heading
	}
	if doc.Flags != nil {
		rec.Flags = *doc.Flags
	}
	if doc.Health != nil {
		rec.Health = *doc.Health
	}
	if doc.Owner != nil {
		rec.Owner = *doc.Owner
	}
	if doc.Timestamp != nil {
		rec.Timestamp = *doc.Timestamp
	}
	return rec, nil
}

// UnmarshalEnvironment parses a raw backend document into the environment
// record, defaulting missing fields (weather 0, hour 12).
func UnmarshalEnvironment(raw []byte) (CompactEnvironment, error) {
	var doc environmentDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CompactEnvironment{}, err
	}

	rec := CompactEnvironment{Hour: defaultHour}
	if doc.Weather != nil {
		rec.Weather = *doc.Weather
	}
	if doc.Hour != nil {
		rec.Hour = *doc.Hour
	}
	if doc.Timestamp != nil {
		rec.Timestamp = *doc.Timestamp
	}
	return rec, nil
}

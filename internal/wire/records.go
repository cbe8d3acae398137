// Package wire quantizes snapshots into compact backend records and back.
// All functions are pure; records round-trip within one quantization step
// (0.1 unit per position axis, ~1.4 degrees of heading).
package wire

// Compact record field keys are single letters to keep document payloads
// small on a pay-per-byte backend.

// CompactPlayer is the player snapshot as stored in the backend.
type CompactPlayer struct {
	Name       string `json:"n"`
	X          int16  `json:"x"`
	Y          int16  `json:"y"`
	Z          int16  `json:"z"`
	VX         int8   `json:"vx"`
	VY         int8   `json:"vy"`
	VZ         int8   `json:"vz"`
	Heading    uint8  `json:"h"`
	Animation  uint8  `json:"a"`
	Flags      uint8  `json:"f"`
	Health     uint8  `json:"hp"`
	Weapon     int32  `json:"w"`
	VehicleRef string `json:"vr,omitempty"`
	Seat       int8   `json:"vs"`
	Timestamp  int64  `json:"t"`
}

// CompactVehicle is the vehicle snapshot as stored in the backend.
type CompactVehicle struct {
	Model     int32  `json:"m"`
	X         int16  `json:"x"`
	Y         int16  `json:"y"`
	Z         int16  `json:"z"`
	VX        int8   `json:"vx"`
	VY        int8   `json:"vy"`
	VZ        int8   `json:"vz"`
	Heading   uint8  `json:"h"`
	Flags     uint8  `json:"f"`
	Health    uint8  `json:"hp"`
	Owner     string `json:"o"`
	Timestamp int64  `json:"t"`
}

// CompactEnvironment is the session environment record.
type CompactEnvironment struct {
	Weather   int   `json:"w"`
	Hour      int   `json:"h"`
	Timestamp int64 `json:"t"`
}

// CompactChat is one chat channel entry.
type CompactChat struct {
	Sender     string `json:"s"`
	SenderName string `json:"sn"`
	Text       string `json:"x"`
	Timestamp  int64  `json:"t"`
}

// Player flag bits.
const (
	FlagAlive     = 1 << 0
	FlagInVehicle = 1 << 1
)

// Vehicle flag bits.
const (
	FlagEngineRunning = 1 << 0
)

// Size estimates the wire footprint of the record in bytes: key lengths plus
// fixed field widths. Used for the bytes-sent counter, not for allocation.
func (p CompactPlayer) Size() int {
	// keys: n x y z vx vy vz h a f hp w vs t (+vr when set)
	size := 19
	size += len(p.Name)
	size += 3 * 2 // position int16s
	size += 3 * 1 // velocity int8s
	size += 4     // heading, animation, flags, health
	size += 4     // weapon
	size += 1     // seat
	size += 8     // timestamp
	if p.VehicleRef != "" {
		size += 2 + len(p.VehicleRef)
	}
	return size
}

// Size estimates the wire footprint of the record in bytes.
func (v CompactVehicle) Size() int {
	// keys: m x y z vx vy vz h f hp o t
	size := 14
	size += 4     // model
	size += 3 * 2 // position int16s
	size += 3 * 1 // velocity int8s
	size += 3     // heading, flags, health
	size += len(v.Owner)
	size += 8 // timestamp
	return size
}

// Size estimates the wire footprint of the record in bytes.
func (e CompactEnvironment) Size() int {
	return 3 + 4 + 4 + 8
}

// Size estimates the wire footprint of the record in bytes.
func (c CompactChat) Size() int {
	return 5 + len(c.Sender) + len(c.SenderName) + len(c.Text) + 8
}

package protocol

import (
	"encoding/binary"
	"time"
)

// PositionSize is lat(4) + lon(4) + altitude(4) + time(4).
const PositionSize = 16

// Position is the payload carried on PortPosition. Coordinates are
// transmitted as fixed-point int32 scaled by 1e7; altitude in whole meters;
// time as uint32 Unix seconds.
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  int32 // meters
	Time      time.Time
}

const coordScale = 1e7

// EncodePosition serialises pos into its 16-byte wire form.
func EncodePosition(pos Position) []byte {
	buf := make([]byte, PositionSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(pos.Latitude*coordScale)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(pos.Longitude*coordScale)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(pos.Altitude))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pos.Time.Unix()))
	return buf
}

// DecodePosition parses a PortPosition payload.
func DecodePosition(b []byte) (Position, error) {
	if len(b) < PositionSize {
		return Position{}, ErrTruncatedPayload
	}
	return Position{
		Latitude:  float64(int32(binary.LittleEndian.Uint32(b[0:]))) / coordScale,
		Longitude: float64(int32(binary.LittleEndian.Uint32(b[4:]))) / coordScale,
		Altitude:  int32(binary.LittleEndian.Uint32(b[8:])),
		Time:      time.Unix(int64(binary.LittleEndian.Uint32(b[12:])), 0).UTC(),
	}, nil
}

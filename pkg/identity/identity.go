// Package identity decodes the opaque identification map a device
// returns from its IDENTIFY handshake and derives the daemon's
// internal device id from it.
package identity

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Info is the subset of the identification map the daemon decodes
// eagerly; everything else in the map is retained as opaque bytes
// (Raw) and re-serialized verbatim for LIST_DEVICES.
type Info struct {
	SerialNumber   []byte `msgpack:"serial_number"`
	DeviceNickname string `msgpack:"device_nickname"`

	Raw []byte `msgpack:"-"`
}

// Decode parses the msgpack-encoded identification payload returned
// by a device's IDENTIFY response.
func Decode(payload []byte) (Info, error) {
	var info Info
	if err := msgpack.Unmarshal(payload, &info); err != nil {
		return Info{}, errors.Wrap(err, "decoding identification payload")
	}
	info.Raw = append([]byte(nil), payload...)
	return info, nil
}

// DeviceID derives the daemon's stable 32-bit device id from a
// serial number. Unlike the host-specific string hash this replaces,
// BLAKE3 gives the same id across daemon restarts, hosts, and
// operating systems, so the same physical device always lands on the
// same registry key regardless of which transport identified it.
func DeviceID(serialNumber []byte) uint32 {
	sum := blake3.Sum256(serialNumber)
	return binary.BigEndian.Uint32(sum[:4])
}

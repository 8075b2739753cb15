// Package protocol defines the wire format shared by every transport
// the daemon speaks: the frontend socket, USB bridge endpoints, and
// TCP device sessions. The framing is a fixed-size little-endian
// header, followed by a payload, followed by a trailer of object-id
// references.
package protocol

import "encoding/binary"

// HeaderLen is the on-wire size of a MessageHeader in bytes.
const HeaderLen = 4 + 4 + 4 + 4 + 8 + 8

// Result codes the daemon itself is permitted to generate. Device
// agents may return other module-specific codes; those are passed
// through to clients unexamined.
const (
	ResultOk                   uint32 = 0
	ResultUnrecognizedDevice   uint32 = 0x0001
	ResultUnrecognizedObject   uint32 = 0x0002
	ResultUnrecognizedFunction uint32 = 0x0003
	ResultBadRequest           uint32 = 0x0004
	ResultEOF                  uint32 = 0x0005
)

// CommandClose is the reserved command id that closes (or, when sent
// to object 0, bulk-resets) a remote object.
const CommandClose uint32 = 0xFFFFFFFF

// LocalSystemClientID is the sentinel id for traffic the daemon
// originates itself rather than forwarding from a frontend.
// Request.ClientID reports it for a request with no Client, and, since
// the wire header has no client_id field, daemon-originated requests
// (the identification handshake and the on-add object reset) carry it
// in their Tag.
const LocalSystemClientID uint32 = 0xFFFFFFFF

// MetaDeviceID addresses the in-process meta-device; MetaObjectID
// addresses its single root object.
const (
	MetaDeviceID uint32 = 0
	MetaObjectID uint32 = 0
)

// RootObjectID is never closed: it is freed implicitly when its
// owning device is removed.
const RootObjectID uint32 = 0

// MessageHeader is the framing unit common to requests and
// responses. The third word is interpreted as a command id on
// requests and a result code on responses.
type MessageHeader struct {
	DeviceID        uint32
	ObjectID        uint32
	CommandOrResult uint32
	Tag             uint32
	PayloadSize     uint64
	ObjectCount     uint64
}

// Marshal encodes h into its fixed-size little-endian wire form.
func (h MessageHeader) Marshal() []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], h.ObjectID)
	binary.LittleEndian.PutUint32(buf[8:12], h.CommandOrResult)
	binary.LittleEndian.PutUint32(buf[12:16], h.Tag)
	binary.LittleEndian.PutUint64(buf[16:24], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.ObjectCount)
	return buf
}

// UnmarshalHeader decodes a MessageHeader from its fixed-size wire
// form. buf must be at least HeaderLen bytes.
func UnmarshalHeader(buf []byte) MessageHeader {
	return MessageHeader{
		DeviceID:        binary.LittleEndian.Uint32(buf[0:4]),
		ObjectID:        binary.LittleEndian.Uint32(buf[4:8]),
		CommandOrResult: binary.LittleEndian.Uint32(buf[8:12]),
		Tag:             binary.LittleEndian.Uint32(buf[12:16]),
		PayloadSize:     binary.LittleEndian.Uint64(buf[16:24]),
		ObjectCount:     binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// MarshalObjectIDs encodes a sequence of object-id references as they
// appear in the trailer of a frame.
func MarshalObjectIDs(ids []uint32) []byte {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], id)
	}
	return buf
}

// UnmarshalObjectIDs decodes count object-id references from buf. A
// count of zero yields nil.
func UnmarshalObjectIDs(buf []byte, count uint64) []uint32 {
	if count == 0 {
		return nil
	}
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(buf[4*i : 4*i+4])
	}
	return ids
}

// Package frame implements the length-prefixed request/response
// framing (component C1 of the daemon) shared by the byte-stream
// transports: the frontend socket and a TCP device session. The USB
// backend does not use it; it writes and reads protocol headers on its
// meta/data endpoints directly.
package frame

import "github.com/HookedBehemoth/twili/pkg/protocol"

// Frame is one fully-parsed wire unit: a header, its payload, and its
// trailing object-id references.
type Frame struct {
	Header    protocol.MessageHeader
	Payload   []byte
	ObjectIDs []uint32
}

// Marshal encodes f exactly as it appears on the wire.
func (f Frame) Marshal() []byte {
	buf := make([]byte, 0, protocol.HeaderLen+len(f.Payload)+4*len(f.ObjectIDs))
	buf = append(buf, f.Header.Marshal()...)
	buf = append(buf, f.Payload...)
	buf = append(buf, protocol.MarshalObjectIDs(f.ObjectIDs)...)
	return buf
}

package twibd

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/HookedBehemoth/twili/pkg/protocol"
)

// metaCommand ids understood by the in-process meta-object rooted at
// (device_id=0, object_id=0).
const (
	metaCommandListDevices uint32 = 10
	metaCommandConnectTCP  uint32 = 11
)

// handleMeta dispatches a request addressed to the meta-object.
// handleRequest routes here on device_id==0 alone, so any object_id
// other than 0 under the meta device lands on the UNRECOGNIZED_OBJECT
// arm below.
func (d *Dispatcher) handleMeta(req protocol.Request) protocol.Response {
	if req.ObjectID != protocol.MetaObjectID {
		return req.RespondError(protocol.ResultUnrecognizedObject)
	}

	switch req.CommandID {
	case metaCommandListDevices:
		return d.handleListDevices(req)
	case metaCommandConnectTCP:
		return d.handleConnectTCP(req)
	default:
		return req.RespondError(protocol.ResultUnrecognizedFunction)
	}
}

func (d *Dispatcher) handleListDevices(req protocol.Request) protocol.Response {
	devices := d.Registry.Snapshot()
	summaries := make([]IdentificationSummary, len(devices))
	for i, dev := range devices {
		summaries[i] = dev.summary()
	}

	payload, err := msgpack.Marshal(summaries)
	if err != nil {
		d.log.Warnf("failed to serialize device list: %s", err)
		return req.RespondError(protocol.ResultBadRequest)
	}
	return req.RespondOk(payload, nil)
}

func (d *Dispatcher) handleConnectTCP(req protocol.Request) protocol.Response {
	hostname, port, ok := decodeConnectTCPPayload(req.Payload)
	if !ok {
		return req.RespondError(protocol.ResultBadRequest)
	}
	d.log.Infof("requested to connect to %s:%s", hostname, port)

	if d.connectTCP == nil {
		return req.RespondOk([]byte("tcp backend disabled"), nil)
	}
	msg := d.connectTCP(hostname, port)
	return req.RespondOk([]byte(msg), nil)
}

// decodeConnectTCPPayload parses the CONNECT_TCP request body:
// {hostname_len: u64, port_len: u64, hostname: bytes, port: bytes},
// the daemon's one hand-rolled wire structure outside MessageHeader
// itself (it predates, and is independent of, the identification
// map's msgpack encoding).
func decodeConnectTCPPayload(payload []byte) (hostname, port string, ok bool) {
	if len(payload) < 16 {
		return "", "", false
	}
	hostnameLen := binary.LittleEndian.Uint64(payload[0:8])
	portLen := binary.LittleEndian.Uint64(payload[8:16])

	rest := payload[16:]
	if uint64(len(rest)) < hostnameLen+portLen {
		return "", "", false
	}

	hostname = string(rest[:hostnameLen])
	port = string(rest[hostnameLen : hostnameLen+portLen])
	return hostname, port, true
}

package twibd

import (
	"errors"
	"sync"

	"github.com/HookedBehemoth/twili/pkg/identity"
	"github.com/HookedBehemoth/twili/pkg/protocol"
)

// BridgeType names the transport a Device was reached over. Priority
// among duplicate device ids is resolved in its favor: USB outranks
// TCP.
type BridgeType string

const (
	BridgeUSB BridgeType = "usb"
	BridgeTCP BridgeType = "tcp"
)

// Priority returns the arbitration priority for a bridge type, per
// spec.md §4.4: USB (2) beats TCP (1).
func (b BridgeType) Priority() int {
	switch b {
	case BridgeUSB:
		return 2
	case BridgeTCP:
		return 1
	default:
		return 0
	}
}

// Sender is implemented by a backend's per-device transport session.
// Forward writes a request as a frame over whatever physical link the
// backend owns (USB bulk endpoints, a TCP session).
type Sender interface {
	Forward(protocol.Request) error
}

// Device tracks one remote endpoint reachable over exactly one
// transport. device_id 0 never appears here; it addresses the
// in-process meta-device handled directly by the Dispatcher.
//
// The wire header carries no client_id field (spec.md §6), so a
// device's own responses can only ever be correlated back to a
// waiting client by tag. pending is therefore keyed by tag alone,
// scoped to this one device; Forward rejects a request whose tag
// collides with another client's still-outstanding call to the same
// device rather than silently losing track of one of them.
type Device struct {
	ID         uint32
	Identity   identity.Info
	Bridge     BridgeType
	SessionTag string // backend-assigned correlation id (e.g. a uuid), for logging only

	sender Sender

	mu           sync.Mutex
	readyFlag    bool
	deletionFlag bool
	pending      map[uint32]*Client
}

// NewDevice constructs a Device bound to sender, not yet ready.
// Callers set ready via SetReady once the identification handshake
// completes.
func NewDevice(id uint32, bridge BridgeType, info identity.Info, sender Sender) *Device {
	return &Device{
		ID:       id,
		Identity: info,
		Bridge:   bridge,
		sender:   sender,
		pending:  make(map[uint32]*Client),
	}
}

// Priority is the device's arbitration priority, derived from its
// bridge type.
func (d *Device) Priority() int {
	return d.Bridge.Priority()
}

// SetReady publishes the device as visible to the registry. Devices
// are not ready until their identification handshake has completed.
func (d *Device) SetReady() {
	d.mu.Lock()
	d.readyFlag = true
	d.mu.Unlock()
}

// Ready reports whether the identification handshake has completed.
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyFlag
}

// MarkDeleted flags the device for removal; no new requests should be
// routed to it after this returns.
func (d *Device) MarkDeleted() {
	d.mu.Lock()
	d.deletionFlag = true
	d.mu.Unlock()
}

// Deleted reports whether MarkDeleted has been called.
func (d *Device) Deleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deletionFlag
}

// errDuplicateTag is returned by Forward when another client already
// has an outstanding call to this device under the same tag.
var errDuplicateTag = errors.New("tag already pending on this device")

// Forward records the pending entry for req.Tag and writes the
// request to the device's transport. Rejects the call outright if
// req.Tag is already outstanding for a different client on this
// device, since the wire response that eventually arrives will carry
// nothing but the tag to resolve it by.
func (d *Device) Forward(client *Client, req protocol.Request) error {
	d.mu.Lock()
	if existing, ok := d.pending[req.Tag]; ok && existing != client {
		d.mu.Unlock()
		return errDuplicateTag
	}
	d.pending[req.Tag] = client
	d.mu.Unlock()
	return d.sender.Forward(req)
}

// ResolvePending removes and returns the client waiting on tag, if
// any. Called by a backend session as soon as a response frame
// arrives, to recover the client_id the wire itself never carried.
func (d *Device) ResolvePending(tag uint32) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	client := d.pending[tag]
	delete(d.pending, tag)
	return client
}

// DrainPending removes and returns every client still awaiting a
// response from this device, for answering them with
// UNRECOGNIZED_DEVICE once the device is torn down.
func (d *Device) DrainPending() []struct {
	Client *Client
	Tag    uint32
} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]struct {
		Client *Client
		Tag    uint32
	}, 0, len(d.pending))
	for tag, client := range d.pending {
		out = append(out, struct {
			Client *Client
			Tag    uint32
		}{Client: client, Tag: tag})
	}
	d.pending = make(map[uint32]*Client)
	return out
}

// IdentificationSummary is the shape the meta-object's LIST_DEVICES
// command reports for each device.
type IdentificationSummary struct {
	DeviceID       uint32 `msgpack:"device_id"`
	BridgeType     string `msgpack:"bridge_type"`
	Identification []byte `msgpack:"identification"`
}

func (d *Device) summary() IdentificationSummary {
	return IdentificationSummary{
		DeviceID:       d.ID,
		BridgeType:     string(d.Bridge),
		Identification: d.Identity.Raw,
	}
}

package twibd

import "sync"

// RemoteObjectHandle is a local reference to a server-side object
// addressed by (DeviceID, ObjectID) and owned by exactly one Client.
// When the owning client drops it, the dispatcher sends a close
// request (CommandClose) carrying ObjectID unless valid has already
// been cleared by a prior explicit close.
type RemoteObjectHandle struct {
	DeviceID uint32
	ObjectID uint32
	Owner    *Client

	mu    sync.Mutex
	valid bool
}

// NewRemoteObjectHandle mints a handle for an object a response just
// declared. A handle for RootObjectID (0) may be minted too, but
// RemoveClient never sends a close request for it: the root object is
// freed implicitly with its device, never closed individually.
func NewRemoteObjectHandle(deviceID, objectID uint32, owner *Client) *RemoteObjectHandle {
	return &RemoteObjectHandle{
		DeviceID: deviceID,
		ObjectID: objectID,
		Owner:    owner,
		valid:    true,
	}
}

// Valid reports whether the handle still needs a close request sent
// on its behalf.
func (h *RemoteObjectHandle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.valid
}

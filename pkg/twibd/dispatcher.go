// Package twibd implements the daemon's core: the client and device
// bookkeeping (component C4) and the single-consumer dispatcher
// (component C5) that routes requests to devices and responses back
// to clients.
package twibd

import (
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/HookedBehemoth/twili/pkg/protocol"
)

// discardSink is the outbound sink used by the daemon's own system
// client: nothing ever reads its responses, matching the original's
// "we don't care about the response" comment on the on-add reset.
type discardSink struct{}

func (discardSink) Enqueue(protocol.Response) {}

// Dispatcher is the beating heart of the daemon: a single-consumer
// queue pairing inbound requests from frontends with outbound
// responses from devices.
type Dispatcher struct {
	log *logging.Logger

	jobs     chan protocol.Job
	clients  *clientTable
	Registry *Registry

	systemClient *Client

	// connectTCP is wired by the TCP backend; CONNECT_TCP meta
	// requests call it with (hostname, port) and return its textual
	// result verbatim.
	connectTCP func(hostname, port string) string
}

// NewDispatcher constructs a Dispatcher with an empty client and
// device table. queueDepth bounds how many outstanding jobs may be
// buffered before a producer blocks; the spec's "blocking queue" is
// exactly a Go channel of this shape.
func NewDispatcher(log *logging.Logger, queueDepth int) *Dispatcher {
	d := &Dispatcher{
		log:     log,
		jobs:    make(chan protocol.Job, queueDepth),
		clients: newClientTable(),
	}
	d.systemClient = &Client{}
	if err := d.clients.Add(d.systemClient, discardSink{}); err != nil {
		// Unreachable: the table is empty, so the very first
		// allocation attempt cannot fail.
		panic(err)
	}
	d.Registry = NewRegistry(d.onDeviceAdded)
	return d
}

// SetConnectTCP wires the meta-object's CONNECT_TCP command to the
// TCP backend's connect path. Must be called once during daemon
// startup, before any CONNECT_TCP request is posted.
func (d *Dispatcher) SetConnectTCP(fn func(hostname, port string) string) {
	d.connectTCP = fn
}

// PostRequest enqueues a request for dispatch. Safe to call from any
// goroutine (frontends, backends, the dispatcher itself).
func (d *Dispatcher) PostRequest(req protocol.Request) {
	d.jobs <- protocol.Job{Request: &req}
}

// PostResponse enqueues a response for dispatch.
func (d *Dispatcher) PostResponse(resp protocol.Response) {
	d.jobs <- protocol.Job{Response: &resp}
}

// AddClient allocates a fresh client id and registers a Client whose
// responses are delivered to outbound.
func (d *Dispatcher) AddClient(outbound OutboundSink) (*Client, error) {
	client := &Client{}
	if err := d.clients.Add(client, outbound); err != nil {
		return nil, err
	}
	d.log.Infof("adding client with newly assigned id %08x", client.ClientID())
	return client, nil
}

// RemoveClient flags client for deletion, emits a close request for
// every object it still owns (scenario: "object close on client
// drop"), and removes it from the client table.
func (d *Dispatcher) RemoveClient(client *Client) {
	client.MarkDeleted()
	for _, h := range client.takeOwnedObjects() {
		if h.ObjectID == protocol.RootObjectID || !h.Valid() {
			continue
		}
		d.PostRequest(protocol.Request{
			DeviceID:  h.DeviceID,
			ObjectID:  h.ObjectID,
			CommandID: protocol.CommandClose,
			Client:    client,
		})
	}
	d.clients.Remove(client)
	d.log.Infof("removing client %08x", client.ClientID())
}

// RemoveDevice tears a device out of the registry and answers every
// request still pending on it with UNRECOGNIZED_DEVICE, per the
// "pending-request completion on device loss" invariant.
func (d *Dispatcher) RemoveDevice(device *Device) {
	device.MarkDeleted()
	d.Registry.Remove(device)
	for _, entry := range device.DrainPending() {
		clientID := protocol.LocalSystemClientID
		if entry.Client != nil {
			clientID = entry.Client.ClientID()
		}
		d.PostResponse(protocol.Response{
			ClientID:   clientID,
			DeviceID:   device.ID,
			Tag:        entry.Tag,
			ResultCode: protocol.ResultUnrecognizedDevice,
		})
	}
	d.log.Infof("removing device %08x", device.ID)
}

// onDeviceAdded is the registry's add-hook: it sends the bulk-reset
// request (object_id=0, command_id=CommandClose) on behalf of the
// daemon's system client, per spec.md §4.4, so that stale on-device
// objects from a previous connection are released.
func (d *Dispatcher) onDeviceAdded(device *Device) {
	d.log.Infof("adding device with id %08x", device.ID)
	d.log.Debugf("resetting objects on new device %08x", device.ID)
	d.PostRequest(protocol.Request{
		DeviceID:  device.ID,
		ObjectID:  protocol.RootObjectID,
		CommandID: protocol.CommandClose,
		Tag:       protocol.LocalSystemClientID,
		Client:    d.systemClient,
	})
}

// Run drains the job queue on the calling goroutine until stop is
// closed. It is the daemon's sole dispatcher thread.
func (d *Dispatcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case job := <-d.jobs:
			d.process(job)
		}
	}
}

func (d *Dispatcher) process(job protocol.Job) {
	switch {
	case job.Request != nil:
		d.handleRequest(*job.Request)
	case job.Response != nil:
		d.handleResponse(*job.Response)
	}
}

func (d *Dispatcher) handleRequest(req protocol.Request) {
	d.log.Debugf("dispatching request: device=%08x object=%08x command=%08x tag=%08x",
		req.DeviceID, req.ObjectID, req.CommandID, req.Tag)

	if req.DeviceID == protocol.MetaDeviceID {
		d.PostResponse(d.handleMeta(req))
		return
	}

	device := d.Registry.Lookup(req.DeviceID)
	if device == nil {
		d.PostResponse(req.RespondError(protocol.ResultUnrecognizedDevice))
		return
	}

	client, _ := req.Client.(*Client)

	if req.CommandID == protocol.CommandClose {
		d.log.Debugf("detected close request for 0x%x", req.ObjectID)
		if client != nil {
			client.disownObject(req.DeviceID, req.ObjectID)
		}
	}

	if err := device.Forward(client, req); err != nil {
		d.log.Warnf("error forwarding request to device %08x: %s", device.ID, err)
		d.PostResponse(req.RespondError(protocol.ResultBadRequest))
	}
}

func (d *Dispatcher) handleResponse(resp protocol.Response) {
	d.log.Debugf("dispatching response: client=%08x object=%08x result=%08x tag=%08x",
		resp.ClientID, resp.ObjectID, resp.ResultCode, resp.Tag)

	// A backend session already resolved its own pending entry by tag
	// to learn resp.ClientID in the first place (the wire header never
	// carries one); this is just best-effort cleanup for responses the
	// dispatcher itself originates without going through a device at all.
	// The entry is cleared only if it belongs to resp's own client, so a
	// BAD_REQUEST for a rejected duplicate tag leaves the other client's
	// outstanding call in place.
	if device := d.Registry.Lookup(resp.DeviceID); device != nil {
		device.mu.Lock()
		if owner, ok := device.pending[resp.Tag]; ok && owner != nil && owner.ClientID() == resp.ClientID {
			delete(device.pending, resp.Tag)
		}
		device.mu.Unlock()
	}

	client := d.clients.Get(resp.ClientID)
	if client == nil {
		d.log.Infof("dropping response for bad client: 0x%x", resp.ClientID)
		return
	}

	for _, objectID := range resp.ObjectIDs {
		client.addObject(NewRemoteObjectHandle(resp.DeviceID, objectID, client))
	}
	client.Post(resp)
}

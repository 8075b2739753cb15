package twibd

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/HookedBehemoth/twili/pkg/protocol"
)

// errNoFreeClientID is fatal: with 32-bit rejection-sampled ids, this
// should only be reachable if the client map is nearly saturated
// across the entire id space, which the daemon treats as resource
// exhaustion (spec §7).
var errNoFreeClientID = errors.New("twibd: exhausted client id space")

// Client is one local frontend session: ~one accepted connection on
// the frontend listener. Every remote object the session can name is
// recorded in ownedObjects.
type Client struct {
	id uint32

	mu           sync.Mutex
	deletionFlag bool
	ownedObjects []*RemoteObjectHandle

	outbound OutboundSink
}

// OutboundSink delivers a response to whatever is pumping bytes back
// out to the frontend socket for this client.
type OutboundSink interface {
	Enqueue(protocol.Response)
}

// ClientID returns the client's id, satisfying protocol.ClientRef.
func (c *Client) ClientID() uint32 {
	return c.id
}

// Deleted reports whether the client's session has torn down.
func (c *Client) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletionFlag
}

// MarkDeleted flags the client for removal. It is idempotent.
func (c *Client) MarkDeleted() {
	c.mu.Lock()
	c.deletionFlag = true
	c.mu.Unlock()
}

// Post delivers a response to this client's outbound stream.
func (c *Client) Post(r protocol.Response) {
	c.outbound.Enqueue(r)
}

// addObject records a newly minted remote object as owned by this
// client, enforcing the no-duplicates invariant.
func (c *Client) addObject(h *RemoteObjectHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.ownedObjects {
		if existing.DeviceID == h.DeviceID && existing.ObjectID == h.ObjectID {
			return
		}
	}
	c.ownedObjects = append(c.ownedObjects, h)
}

// disownObject removes and invalidates the owned-object entry for
// (deviceID, objectID), returning whether one was found. The handle's
// valid flag is cleared before removal so that if anything else still
// holds a reference to it, it won't re-issue a close request.
func (c *Client) disownObject(deviceID, objectID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.ownedObjects {
		if h.DeviceID == deviceID && h.ObjectID == objectID {
			h.mu.Lock()
			h.valid = false
			h.mu.Unlock()
			c.ownedObjects = append(c.ownedObjects[:i], c.ownedObjects[i+1:]...)
			return true
		}
	}
	return false
}

// takeOwnedObjects removes and returns every object the client still
// owns, for close-request emission on teardown.
func (c *Client) takeOwnedObjects() []*RemoteObjectHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	taken := c.ownedObjects
	c.ownedObjects = nil
	return taken
}

// clientTable allocates and tracks Clients by a random, non-zero,
// rejection-sampled 32-bit id, matching the original AddClient loop
// ("do { client_id = rng(); } while (clients.find(...) != end)").
type clientTable struct {
	mu      sync.Mutex
	clients map[uint32]*Client
}

func newClientTable() *clientTable {
	return &clientTable{clients: make(map[uint32]*Client)}
}

func randomNonzeroUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "reading random client id")
	}
	v := binary.LittleEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v, nil
}

// Add allocates a fresh id for client and registers it.
func (t *clientTable) Add(client *Client, outbound OutboundSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	const maxAttempts = 1 << 20
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := randomNonzeroUint32()
		if err != nil {
			return err
		}
		if _, taken := t.clients[id]; taken {
			continue
		}
		client.id = id
		client.outbound = outbound
		t.clients[id] = client
		return nil
	}
	return errNoFreeClientID
}

// Get looks up a live (non-deleted) client by id.
func (t *clientTable) Get(id uint32) *Client {
	t.mu.Lock()
	client, ok := t.clients[id]
	t.mu.Unlock()
	if !ok || client.Deleted() {
		return nil
	}
	return client
}

// Remove drops client from the table. Ids are only reused once this
// has been called, per the spec's client-id lifecycle.
func (t *clientTable) Remove(client *Client) {
	t.mu.Lock()
	delete(t.clients, client.id)
	t.mu.Unlock()
}

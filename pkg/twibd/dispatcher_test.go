package twibd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/HookedBehemoth/twili/pkg/identity"
	"github.com/HookedBehemoth/twili/pkg/protocol"
	"github.com/HookedBehemoth/twili/pkg/twlog"
)

// recordingSender captures every request forwarded to a device
// without driving a real transport.
type recordingSender struct {
	sent chan protocol.Request
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan protocol.Request, 16)}
}

func (s *recordingSender) Forward(req protocol.Request) error {
	s.sent <- req
	return nil
}

// recordingSink captures every response delivered to a client.
type recordingSink struct {
	received chan protocol.Response
}

func newRecordingSink() *recordingSink {
	return &recordingSink{received: make(chan protocol.Response, 16)}
}

func (s *recordingSink) Enqueue(r protocol.Response) {
	s.received <- r
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(twlog.Get("test"), 64)
	stop := make(chan struct{})
	go d.Run(stop)
	t.Cleanup(func() { close(stop) })
	return d
}

func mustRecv(t *testing.T, ch <-chan protocol.Response) protocol.Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return protocol.Response{}
	}
}

func TestEnumerateEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	d.PostRequest(protocol.Request{
		DeviceID:  protocol.MetaDeviceID,
		ObjectID:  protocol.MetaObjectID,
		CommandID: metaCommandListDevices,
		Tag:       1,
		Client:    client,
	})

	resp := mustRecv(t, sink.received)
	require.Equal(t, protocol.ResultOk, resp.ResultCode)

	var devices []IdentificationSummary
	require.NoError(t, msgpack.Unmarshal(resp.Payload, &devices))
	require.Empty(t, devices)
}

func TestUnrecognizedDeviceForMissingLookup(t *testing.T) {
	d := newTestDispatcher(t)
	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	d.PostRequest(protocol.Request{DeviceID: 0xAABBCCDD, ObjectID: 0, CommandID: 5, Tag: 9, Client: client})

	resp := mustRecv(t, sink.received)
	require.Equal(t, protocol.ResultUnrecognizedDevice, resp.ResultCode)
	require.Equal(t, uint32(9), resp.Tag)
}

func TestCrossTransportPriorityPrefersUSB(t *testing.T) {
	d := newTestDispatcher(t)

	usbSender := newRecordingSender()
	tcpSender := newRecordingSender()

	usbDevice := NewDevice(0x1234, BridgeUSB, identity.Info{}, usbSender)
	tcpDevice := NewDevice(0x1234, BridgeTCP, identity.Info{}, tcpSender)

	require.True(t, d.Registry.Add(usbDevice))
	// draining the on-add reset request keeps the queue from piling up
	<-usbSender.sent

	require.False(t, d.Registry.Add(tcpDevice), "a lower-priority TCP device must not replace an existing USB device")

	found := d.Registry.Lookup(0x1234)
	require.Same(t, usbDevice, found)

	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)
	d.PostRequest(protocol.Request{DeviceID: 0x1234, ObjectID: 0, CommandID: 1, Tag: 77, Client: client})

	select {
	case req := <-usbSender.sent:
		require.Equal(t, uint32(77), req.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("expected request to route over USB")
	}
}

func TestObjectCloseOnClientDrop(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newRecordingSender()
	device := NewDevice(0xD00D, BridgeTCP, identity.Info{}, sender)
	require.True(t, d.Registry.Add(device))
	<-sender.sent // on-add reset

	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	// Simulate a response minting object 7 for this client.
	d.PostResponse(protocol.Response{
		ClientID:   client.ClientID(),
		DeviceID:   device.ID,
		ObjectID:   0,
		ResultCode: protocol.ResultOk,
		Tag:        1,
		ObjectIDs:  []uint32{7},
	})
	mustRecv(t, sink.received)

	d.RemoveClient(client)

	select {
	case req := <-sender.sent:
		require.Equal(t, protocol.CommandClose, req.CommandID)
		require.Equal(t, uint32(7), req.ObjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected close request for dropped object")
	}
}

func TestPendingRequestCompletionOnDeviceLoss(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newRecordingSender()
	device := NewDevice(0xFEED, BridgeTCP, identity.Info{}, sender)
	require.True(t, d.Registry.Add(device))
	<-sender.sent // on-add reset

	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	d.PostRequest(protocol.Request{DeviceID: device.ID, ObjectID: 0, CommandID: 1, Tag: 0xDEADBEEF, Client: client})
	<-sender.sent // forwarded to the (fake) transport; never answered

	d.RemoveDevice(device)

	resp := mustRecv(t, sink.received)
	require.Equal(t, protocol.ResultUnrecognizedDevice, resp.ResultCode)
	require.Equal(t, uint32(0xDEADBEEF), resp.Tag)

	require.Nil(t, d.Registry.Lookup(device.ID))
}

func TestOrderedDeliveryToSingleClient(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newRecordingSender()
	device := NewDevice(0x5, BridgeTCP, identity.Info{}, sender)
	require.True(t, d.Registry.Add(device))
	<-sender.sent

	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	d.PostResponse(protocol.Response{ClientID: client.ClientID(), DeviceID: device.ID, Tag: 1})
	d.PostResponse(protocol.Response{ClientID: client.ClientID(), DeviceID: device.ID, Tag: 2})

	first := mustRecv(t, sink.received)
	second := mustRecv(t, sink.received)
	require.Equal(t, uint32(1), first.Tag)
	require.Equal(t, uint32(2), second.Tag)
}

func TestEqualPriorityDeviceRejected(t *testing.T) {
	d := newTestDispatcher(t)
	firstSender := newRecordingSender()
	secondSender := newRecordingSender()

	first := NewDevice(0x9, BridgeTCP, identity.Info{}, firstSender)
	second := NewDevice(0x9, BridgeTCP, identity.Info{}, secondSender)

	require.True(t, d.Registry.Add(first))
	<-firstSender.sent

	require.False(t, d.Registry.Add(second), "an equal-priority duplicate must not replace the incumbent")
	require.Same(t, first, d.Registry.Lookup(0x9))
}

func TestDuplicateTagOnSameDeviceRejected(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newRecordingSender()
	device := NewDevice(0xAB, BridgeTCP, identity.Info{}, sender)
	require.True(t, d.Registry.Add(device))
	<-sender.sent // on-add reset

	sinkA := newRecordingSink()
	clientA, err := d.AddClient(sinkA)
	require.NoError(t, err)
	sinkB := newRecordingSink()
	clientB, err := d.AddClient(sinkB)
	require.NoError(t, err)

	d.PostRequest(protocol.Request{DeviceID: device.ID, ObjectID: 0, CommandID: 1, Tag: 42, Client: clientA})
	<-sender.sent // forwarded, left pending

	d.PostRequest(protocol.Request{DeviceID: device.ID, ObjectID: 0, CommandID: 1, Tag: 42, Client: clientB})

	resp := mustRecv(t, sinkB.received)
	require.Equal(t, protocol.ResultBadRequest, resp.ResultCode)

	select {
	case <-sinkA.received:
		t.Fatal("client A's still-outstanding call must not be disturbed by the rejected duplicate")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDroppedResponseForDeletedClient(t *testing.T) {
	d := newTestDispatcher(t)
	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)
	d.RemoveClient(client)

	d.PostResponse(protocol.Response{ClientID: client.ClientID(), Tag: 1})

	select {
	case <-sink.received:
		t.Fatal("response for a deleted client must be dropped, not delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

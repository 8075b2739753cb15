package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/HookedBehemoth/twili/pkg/frame"
	"github.com/HookedBehemoth/twili/pkg/protocol"
	"github.com/HookedBehemoth/twili/pkg/twibd"
	"github.com/HookedBehemoth/twili/pkg/twlog"
)

func TestRequestToFrameEchoesRoutingFields(t *testing.T) {
	req := protocol.Request{
		DeviceID:  1,
		ObjectID:  2,
		CommandID: 3,
		Tag:       4,
		Payload:   []byte("hello"),
		ObjectIDs: []uint32{9, 10},
	}
	f := requestToFrame(req)
	require.Equal(t, req.DeviceID, f.Header.DeviceID)
	require.Equal(t, req.ObjectID, f.Header.ObjectID)
	require.Equal(t, req.CommandID, f.Header.CommandOrResult)
	require.Equal(t, req.Tag, f.Header.Tag)
	require.Equal(t, uint64(len(req.Payload)), f.Header.PayloadSize)
	require.Equal(t, uint64(len(req.ObjectIDs)), f.Header.ObjectCount)
	require.Equal(t, req.Payload, f.Payload)
	require.Equal(t, req.ObjectIDs, f.ObjectIDs)
}

// fakeDevice plays the device side of the identification handshake
// and then echoes every subsequent request back as a success
// response, over a net.Pipe in place of a real socket. It runs on its
// own goroutine, so test assertions happen in the caller, not here.
func fakeDevice(conn net.Conn, nickname string) {
	peer := frame.NewConn(conn)

	identRaw, err := msgpack.Marshal(map[string]interface{}{
		"serial_number":   []byte("SN-TEST-1"),
		"device_nickname": nickname,
	})
	if err != nil {
		return
	}

	peer.Serve(func(f frame.Frame) {
		if f.Header.Tag == protocol.LocalSystemClientID {
			peer.Enqueue(frame.Frame{
				Header: protocol.MessageHeader{
					CommandOrResult: protocol.ResultOk,
					PayloadSize:     uint64(len(identRaw)),
				},
				Payload: identRaw,
			})
			peer.PumpOutput()
			return
		}
		// Echo everything else straight back as a success response.
		peer.Enqueue(frame.Frame{
			Header: protocol.MessageHeader{
				ObjectID:        f.Header.ObjectID,
				CommandOrResult: protocol.ResultOk,
				Tag:             f.Header.Tag,
			},
		})
		peer.PumpOutput()
	})
}

func TestSessionIdentifiesAndForwardsRequest(t *testing.T) {
	clientConn, deviceConn := net.Pipe()
	defer clientConn.Close()
	defer deviceConn.Close()

	dispatcher := twibd.NewDispatcher(twlog.Get("test"), 64)
	stop := make(chan struct{})
	defer close(stop)
	go dispatcher.Run(stop)

	identified := make(chan *twibd.Device, 1)
	s := newSession(clientConn, twlog.Get("test"), dispatcher, func(d *twibd.Device) {
		identified <- d
	})
	go s.run()
	go fakeDevice(deviceConn, "test-device")

	var device *twibd.Device
	select {
	case device = <-identified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for identification")
	}
	require.NotNil(t, device)
	require.True(t, dispatcher.Registry.Add(device))

	sink := make(chan protocol.Response, 1)
	client, err := dispatcher.AddClient(recordingOutbound(sink))
	require.NoError(t, err)

	dispatcher.PostRequest(protocol.Request{
		DeviceID:  device.ID,
		ObjectID:  0,
		CommandID: 7,
		Tag:       55,
		Client:    client,
	})

	select {
	case resp := <-sink:
		require.Equal(t, protocol.ResultOk, resp.ResultCode)
		require.Equal(t, uint32(55), resp.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed response")
	}
}

type recordingOutbound chan protocol.Response

func (r recordingOutbound) Enqueue(resp protocol.Response) { r <- resp }

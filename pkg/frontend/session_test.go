package frontend

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HookedBehemoth/twili/pkg/frame"
	"github.com/HookedBehemoth/twili/pkg/identity"
	"github.com/HookedBehemoth/twili/pkg/protocol"
	"github.com/HookedBehemoth/twili/pkg/twibd"
	"github.com/HookedBehemoth/twili/pkg/twlog"
)

func TestSessionRoundTripsRequestAndResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dispatcher := twibd.NewDispatcher(twlog.Get("test"), 64)
	stop := make(chan struct{})
	defer close(stop)
	go dispatcher.Run(stop)

	sender := &echoSender{dispatcher: dispatcher}
	device := twibd.NewDevice(0xC0FFEE, twibd.BridgeTCP, identity.Info{}, sender)
	sender.device = device
	require.True(t, dispatcher.Registry.Add(device))

	s := newSession(serverConn, twlog.Get("test"), dispatcher)
	go s.run()

	peer := frame.NewConn(clientConn)
	peer.Enqueue(frame.Frame{
		Header: protocol.MessageHeader{
			DeviceID:        device.ID,
			ObjectID:        0,
			CommandOrResult: 9,
			Tag:             123,
		},
	})
	require.NoError(t, peer.PumpOutput())

	respCh := make(chan frame.Frame, 1)
	go func() {
		peer.Serve(func(f frame.Frame) {
			select {
			case respCh <- f:
			default:
			}
		})
	}()

	// Wait for the tag we actually sent, skipping any other frame. The
	// on-add reset the registry add triggered is answered to the
	// dispatcher's system client, not to this peer.
	for {
		select {
		case f := <-respCh:
			if f.Header.Tag == 123 {
				require.Equal(t, protocol.ResultOk, f.Header.CommandOrResult)
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for echoed response")
		}
	}
}

// echoSender answers every forwarded request immediately with a
// success response to whichever client is waiting on its tag,
// standing in for a real backend transport.
type echoSender struct {
	dispatcher *twibd.Dispatcher
	device     *twibd.Device
}

func (s *echoSender) Forward(req protocol.Request) error {
	client := s.device.ResolvePending(req.Tag)
	if client == nil {
		return nil
	}
	s.dispatcher.PostResponse(protocol.Response{
		ClientID:   client.ClientID(),
		DeviceID:   s.device.ID,
		ObjectID:   req.ObjectID,
		ResultCode: protocol.ResultOk,
		Tag:        req.Tag,
	})
	return nil
}

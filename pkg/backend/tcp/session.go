package tcp

import (
	"net"

	"github.com/google/uuid"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/HookedBehemoth/twili/pkg/frame"
	"github.com/HookedBehemoth/twili/pkg/identity"
	"github.com/HookedBehemoth/twili/pkg/protocol"
	"github.com/HookedBehemoth/twili/pkg/twibd"
)

// identifyCommandID is the device-side command that returns the
// identification map; it is issued once, immediately after connect,
// with the sentinel client id used for daemon-originated handshakes.
const identifyCommandID uint32 = 0

// session wraps one dialed TCP connection to a device. It
// runs the identification handshake, then forwards every further
// response to the dispatcher until the connection fails.
type session struct {
	conn       *frame.Conn
	remoteAddr string
	sessionTag string

	log          *logging.Logger
	dispatcher   *twibd.Dispatcher
	onIdentified func(*twibd.Device)

	notify chan struct{}
	device *twibd.Device
}

func newSession(nc net.Conn, log *logging.Logger, dispatcher *twibd.Dispatcher, onIdentified func(*twibd.Device)) *session {
	return &session{
		conn:         frame.NewConn(nc),
		remoteAddr:   nc.RemoteAddr().String(),
		sessionTag:   uuid.NewString(),
		log:          log,
		dispatcher:   dispatcher,
		onIdentified: onIdentified,
		notify:       make(chan struct{}, 1),
	}
}

// Forward implements twibd.Sender: it frames req and wakes the writer.
func (s *session) Forward(req protocol.Request) error {
	s.conn.Enqueue(requestToFrame(req))
	s.wake()
	return nil
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run drives the session until the connection fails: it issues the
// identification handshake, then pumps incoming frames into the
// dispatcher as responses, and pumps outgoing frames from a single
// writer loop so concurrent Forward callers never race on the
// underlying socket write.
func (s *session) run() {
	closed := make(chan struct{})
	defer close(closed)

	go func() {
		if err := s.conn.WriteLoop(s.notify, closed); err != nil {
			s.log.Infof("tcp session %s write error: %s", s.remoteAddr, err)
		}
	}()

	s.beginIdentify()

	err := s.conn.Serve(s.deliver)
	if s.device != nil {
		s.dispatcher.RemoveDevice(s.device)
	}
	if err != nil {
		s.log.Infof("tcp session %s closed: %s", s.remoteAddr, err)
	}
}

func (s *session) beginIdentify() {
	s.conn.Enqueue(requestToFrame(protocol.Request{
		DeviceID:  protocol.MetaDeviceID,
		ObjectID:  protocol.RootObjectID,
		CommandID: identifyCommandID,
		Tag:       protocol.LocalSystemClientID,
	}))
	s.wake()
}

func (s *session) deliver(f frame.Frame) {
	if s.device == nil {
		s.handleIdentifyResponse(f)
		return
	}

	client := s.device.ResolvePending(f.Header.Tag)
	if client == nil {
		s.log.Infof("dropping response from %s for unknown tag %08x", s.remoteAddr, f.Header.Tag)
		return
	}

	s.dispatcher.PostResponse(protocol.Response{
		ClientID:   client.ClientID(),
		DeviceID:   s.device.ID,
		ObjectID:   f.Header.ObjectID,
		ResultCode: f.Header.CommandOrResult,
		Tag:        f.Header.Tag,
		Payload:    f.Payload,
		ObjectIDs:  f.ObjectIDs,
	})
}

// requestToFrame builds the wire frame for an outbound request. The
// header carries no client_id (spec.md §6): correlation back to the
// waiting client on response is the device's own pending-by-tag table.
func requestToFrame(req protocol.Request) frame.Frame {
	return frame.Frame{
		Header: protocol.MessageHeader{
			DeviceID:        req.DeviceID,
			ObjectID:        req.ObjectID,
			CommandOrResult: req.CommandID,
			Tag:             req.Tag,
			PayloadSize:     uint64(len(req.Payload)),
			ObjectCount:     uint64(len(req.ObjectIDs)),
		},
		Payload:   req.Payload,
		ObjectIDs: req.ObjectIDs,
	}
}

func (s *session) handleIdentifyResponse(f frame.Frame) {
	if f.Header.CommandOrResult != protocol.ResultOk {
		s.log.Warnf("device identification error from %s: 0x%x", s.remoteAddr, f.Header.CommandOrResult)
		s.conn.MarkDeleted()
		return
	}

	info, err := identity.Decode(f.Payload)
	if err != nil {
		s.log.Warnf("failed to decode identification from %s: %s", s.remoteAddr, err)
		s.conn.MarkDeleted()
		return
	}

	deviceID := identity.DeviceID(info.SerialNumber)
	s.log.Infof("nickname: %s", info.DeviceNickname)
	s.log.Infof("serial number: %x", info.SerialNumber)
	s.log.Infof("assigned device id: %08x", deviceID)

	device := twibd.NewDevice(deviceID, twibd.BridgeTCP, info, s)
	device.SessionTag = s.sessionTag
	device.SetReady()
	s.device = device

	if s.onIdentified != nil {
		s.onIdentified(device)
	}
}

package usb

import (
	"bufio"
	"errors"
	"io"

	"github.com/google/gousb"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/HookedBehemoth/twili/pkg/identity"
	"github.com/HookedBehemoth/twili/pkg/protocol"
	"github.com/HookedBehemoth/twili/pkg/twibd"
)

var errNotEnoughEndpoints = errors.New("usb: bridge interface does not expose four bulk endpoints")

// identifyCommandID mirrors the TCP backend's handshake command, sent
// to object 0 with the sentinel client id the moment a bridge
// interface is claimed.
const identifyCommandID uint32 = 0

// session drives one USB-connected device: the identification
// handshake, the inbound meta→data→object-id sequence on its own
// goroutine, and outbound requests serialized behind outBusy — the
// state machine of spec.md §4.2 collapsed into two goroutines and a
// one-token channel standing in for its mutex+condvar.
type session struct {
	log        *logging.Logger
	dispatcher *twibd.Dispatcher
	dev        *gousb.Device
	cfg        *gousb.Config
	bridge     *gousb.Interface
	ep         bridgeEndpoints

	outBusy chan struct{}

	device *twibd.Device
}

func newSession(log *logging.Logger, dispatcher *twibd.Dispatcher, dev *gousb.Device, cfg *gousb.Config, bridge *gousb.Interface, ep bridgeEndpoints) *session {
	s := &session{
		log:        log,
		dispatcher: dispatcher,
		dev:        dev,
		cfg:        cfg,
		bridge:     bridge,
		ep:         ep,
		outBusy:    make(chan struct{}, 1),
	}
	s.outBusy <- struct{}{}
	return s
}

// Forward implements twibd.Sender: it acquires the outbound token,
// writes the meta transfer, then (if there is a payload or any
// object ids) the data transfer, chunked to usbChunkCap, then
// releases the token. The device becomes BUSY for outbound for
// exactly this span, matching spec.md §4.2.
func (s *session) Forward(req protocol.Request) error {
	<-s.outBusy
	defer func() { s.outBusy <- struct{}{} }()

	header := protocol.MessageHeader{
		DeviceID:        req.DeviceID,
		ObjectID:        req.ObjectID,
		CommandOrResult: req.CommandID,
		Tag:             req.Tag,
		PayloadSize:     uint64(len(req.Payload)),
		ObjectCount:     uint64(len(req.ObjectIDs)),
	}
	if _, err := s.ep.metaOut.Write(header.Marshal()); err != nil {
		return err
	}
	if header.PayloadSize == 0 && header.ObjectCount == 0 {
		return nil
	}
	body := append(append([]byte{}, req.Payload...), protocol.MarshalObjectIDs(req.ObjectIDs)...)
	return writeChunked(s.ep.dataOut, body)
}

func writeChunked(ep *gousb.OutEndpoint, body []byte) error {
	for len(body) > 0 {
		n := len(body)
		if n > usbChunkCap {
			n = usbChunkCap
		}
		if _, err := ep.Write(body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}

func readChunked(ep *gousb.InEndpoint, total uint64) ([]byte, error) {
	out := make([]byte, 0, total)
	buf := make([]byte, usbChunkCap)
	for uint64(len(out)) < total {
		want := total - uint64(len(out))
		if want > uint64(len(buf)) {
			want = uint64(len(buf))
		}
		n, err := ep.Read(buf[:want])
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// identify performs the handshake: a request with the sentinel client
// id is issued directly over the endpoints (no Device or dispatcher
// exists yet to route it through), and its response's identification
// map seeds the derived device_id.
func (s *session) identify() (identity.Info, uint32, error) {
	header := protocol.MessageHeader{
		DeviceID:        protocol.MetaDeviceID,
		ObjectID:        protocol.RootObjectID,
		CommandOrResult: identifyCommandID,
		Tag:             protocol.LocalSystemClientID,
	}
	if _, err := s.ep.metaOut.Write(header.Marshal()); err != nil {
		return identity.Info{}, 0, err
	}

	metaBuf := make([]byte, protocol.HeaderLen)
	if _, err := io.ReadFull(s.ep.metaIn, metaBuf); err != nil {
		return identity.Info{}, 0, err
	}
	respHeader := protocol.UnmarshalHeader(metaBuf)
	if respHeader.CommandOrResult != protocol.ResultOk {
		return identity.Info{}, 0, errIdentifyFailed
	}

	payload, err := readChunked(s.ep.dataIn, respHeader.PayloadSize)
	if err != nil {
		return identity.Info{}, 0, err
	}
	if respHeader.ObjectCount > 0 {
		if _, err := readChunked(s.ep.dataIn, 4*respHeader.ObjectCount); err != nil {
			return identity.Info{}, 0, err
		}
	}

	info, err := identity.Decode(payload)
	if err != nil {
		return identity.Info{}, 0, err
	}
	return info, identity.DeviceID(info.SerialNumber), nil
}

var errIdentifyFailed = errors.New("usb: device returned an error to the identification request")

// recvLoop pumps the bridge's inbound meta→data→object-id sequence
// until a transfer fails, at which point the device is flagged for
// deletion per spec.md §4.2's failure semantics.
func (s *session) recvLoop() {
	for {
		metaBuf := make([]byte, protocol.HeaderLen)
		if _, err := io.ReadFull(s.ep.metaIn, metaBuf); err != nil {
			s.log.Infof("usb device %08x: meta-in error: %s", s.device.ID, err)
			s.device.MarkDeleted()
			s.dispatcher.RemoveDevice(s.device)
			return
		}
		header := protocol.UnmarshalHeader(metaBuf)

		payload, err := readChunked(s.ep.dataIn, header.PayloadSize)
		if err != nil {
			s.log.Infof("usb device %08x: data-in error: %s", s.device.ID, err)
			s.device.MarkDeleted()
			s.dispatcher.RemoveDevice(s.device)
			return
		}

		var objectIDs []uint32
		if header.ObjectCount > 0 {
			raw, err := readChunked(s.ep.dataIn, 4*header.ObjectCount)
			if err != nil {
				s.log.Infof("usb device %08x: object-id block error: %s", s.device.ID, err)
				s.device.MarkDeleted()
				s.dispatcher.RemoveDevice(s.device)
				return
			}
			objectIDs = protocol.UnmarshalObjectIDs(raw, header.ObjectCount)
		}

		client := s.device.ResolvePending(header.Tag)
		if client == nil {
			s.log.Infof("usb device %08x: dropping response for unknown tag %08x", s.device.ID, header.Tag)
			continue
		}
		s.dispatcher.PostResponse(protocol.Response{
			ClientID:   client.ClientID(),
			DeviceID:   s.device.ID,
			ObjectID:   header.ObjectID,
			ResultCode: header.CommandOrResult,
			Tag:        header.Tag,
			Payload:    payload,
			ObjectIDs:  objectIDs,
		})
	}
}

// runStdio forwards a stdio interface's line-oriented debug stream to
// the log, one line per Infof call, until the endpoint errors.
func runStdio(log *logging.Logger, ep *gousb.InEndpoint, label string) {
	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := ep.Read(buf)
			if n > 0 {
				if _, werr := pw.Write(buf[:n]); werr != nil {
					pw.CloseWithError(werr)
					return
				}
			}
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		log.Infof("%s: %s", label, scanner.Text())
	}
}

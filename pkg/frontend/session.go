// Package frontend implements the daemon's frontend listener
// (component C6): accepting UNIX and TCP client connections, wrapping
// each as a C1 framed transport, and pumping requests into the
// dispatcher and responses back out.
package frontend

import (
	"net"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/HookedBehemoth/twili/pkg/frame"
	"github.com/HookedBehemoth/twili/pkg/protocol"
	"github.com/HookedBehemoth/twili/pkg/twibd"
)

// session wraps one accepted frontend connection: a Client registered
// with the dispatcher for its lifetime, and the framed transport
// pumping requests in and responses out.
type session struct {
	conn       *frame.Conn
	remoteAddr string

	log        *logging.Logger
	dispatcher *twibd.Dispatcher

	queue  chan protocol.Response
	notify chan struct{}
	client *twibd.Client
}

func newSession(nc net.Conn, log *logging.Logger, dispatcher *twibd.Dispatcher) *session {
	return &session{
		conn:       frame.NewConn(nc),
		remoteAddr: nc.RemoteAddr().String(),
		log:        log,
		dispatcher: dispatcher,
		queue:      make(chan protocol.Response, 64),
		notify:     make(chan struct{}, 1),
	}
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue implements twibd.OutboundSink: it hands the response to the
// session's own goroutine, which frames and writes it.
func (s *session) Enqueue(r protocol.Response) {
	s.queue <- r
}

// run drives the session until its connection fails: it registers a
// Client with the dispatcher, starts the writer goroutine draining
// s.queue, then pumps inbound frames into requests until Serve
// returns, at which point the client is deregistered (which in turn
// emits close requests for every object it still owns).
func (s *session) run() {
	client, err := s.dispatcher.AddClient(s)
	if err != nil {
		s.log.Fatalf("frontend %s: failed to register client: %s", s.remoteAddr, err)
		s.conn.Close()
		return
	}
	s.client = client

	closed := make(chan struct{})
	defer close(closed)

	go s.writeLoop(closed)
	go func() {
		if err := s.conn.WriteLoop(s.notify, closed); err != nil {
			s.log.Infof("frontend %s write error: %s", s.remoteAddr, err)
		}
	}()

	err = s.conn.Serve(s.deliver)
	s.dispatcher.RemoveClient(client)
	if err != nil {
		s.log.Infof("frontend %s closed: %s", s.remoteAddr, err)
	}
}

func (s *session) deliver(f frame.Frame) {
	s.dispatcher.PostRequest(protocol.Request{
		DeviceID:  f.Header.DeviceID,
		ObjectID:  f.Header.ObjectID,
		CommandID: f.Header.CommandOrResult,
		Tag:       f.Header.Tag,
		Payload:   f.Payload,
		ObjectIDs: f.ObjectIDs,
		Client:    s.client,
	})
}

// writeLoop translates responses the dispatcher posts for this client
// into frames and hands them to the frame.Conn's outbound buffer,
// waking the byte-level writer loop each time.
func (s *session) writeLoop(closed <-chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case resp := <-s.queue:
			s.conn.Enqueue(frame.Frame{
				Header: protocol.MessageHeader{
					DeviceID:        resp.DeviceID,
					ObjectID:        resp.ObjectID,
					CommandOrResult: resp.ResultCode,
					Tag:             resp.Tag,
					PayloadSize:     uint64(len(resp.Payload)),
					ObjectCount:     uint64(len(resp.ObjectIDs)),
				},
				Payload:   resp.Payload,
				ObjectIDs: resp.ObjectIDs,
			})
			s.wake()
		}
	}
}

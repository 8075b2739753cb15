// Package tcp implements the daemon's TCP backend (component C3):
// UDP multicast discovery of device-side bridges, and the TCP
// sessions that carry a C1 framed transport to each one.
package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skycoin/skycoin/src/util/logging"
	"golang.org/x/net/ipv4"

	"github.com/HookedBehemoth/twili/pkg/twibd"
)

// multicastAddr and devicePort are the well-known discovery endpoint
// and the device-side bridge port a "twili-announce" datagram's
// source address is dialed on.
const (
	multicastAddr  = "224.0.53.55:15153"
	devicePort     = "15152"
	announcePacket = "twili-announce"
)

// maxConnectAttempts bounds the exponential backoff retried against a
// single (host, port) pair, whether triggered by an announce datagram
// or a CONNECT_TCP request; a device that never accepts a connection
// must not retry forever.
const maxConnectAttempts = 5

// Backend owns the multicast listener and the set of outbound dials
// currently in flight. One Backend serves the whole daemon process.
type Backend struct {
	log        *logging.Logger
	dispatcher *twibd.Dispatcher

	mu      sync.Mutex
	dialing map[string]bool // host:port currently being retried, to coalesce duplicate announces
}

// New constructs a Backend bound to dispatcher. Call Run to start the
// multicast listener, and SetConnectTCP on the dispatcher (passing
// Connect) to wire the CONNECT_TCP meta-command to it.
func New(log *logging.Logger, dispatcher *twibd.Dispatcher) *Backend {
	return &Backend{
		log:        log,
		dispatcher: dispatcher,
		dialing:    make(map[string]bool),
	}
}

// Run joins the discovery multicast group and processes announce
// datagrams until stop is closed. It blocks; call it in its own
// goroutine.
func (b *Backend) Run(stop <-chan struct{}) error {
	group, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp4", multicastAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Join the group on every multicast-capable interface rather than
	// just the default one: a test host or a machine with several NICs
	// may only see device announcements on a non-default interface.
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := 0
	for _, iface := range ifaces {
		if err := pc.JoinGroup(&iface, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		b.log.Warnf("tcp backend: joined multicast group %s on no interface", group.IP)
	}

	go func() {
		<-stop
		conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		if string(buf[:n]) != announcePacket {
			continue
		}
		host, _, splitErr := net.SplitHostPort(addr.String())
		if splitErr != nil {
			host = addr.String()
		}
		b.log.Infof("received announce from %s", host)
		go b.dial(host, devicePort)
	}
}

// Connect implements the dispatcher's CONNECT_TCP hook: it kicks off a
// backoff-bounded dial to hostname:port and returns immediately with a
// status string, since the daemon can only report that it is trying,
// not that it has succeeded.
func (b *Backend) Connect(hostname, port string) string {
	go b.dial(hostname, port)
	return "connecting to " + net.JoinHostPort(hostname, port)
}

// dial retries a connection attempt with exponential backoff, up to
// maxConnectAttempts, coalescing concurrent attempts to the same
// address (an announce datagram and a manual CONNECT_TCP can race).
// On success it runs the resulting session to completion on the
// calling goroutine.
func (b *Backend) dial(hostname, port string) {
	addr := net.JoinHostPort(hostname, port)

	b.mu.Lock()
	if b.dialing[addr] {
		b.mu.Unlock()
		return
	}
	b.dialing[addr] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.dialing, addr)
		b.mu.Unlock()
	}()

	bo := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
	}

	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		nc, err := net.Dial("tcp", addr)
		if err == nil {
			b.log.Infof("tcp backend connected to %s", addr)
			s := newSession(nc, b.log, b.dispatcher, func(d *twibd.Device) {
				b.dispatcher.Registry.Add(d)
			})
			s.run()
			return
		}
		b.log.Infof("tcp backend: dial %s failed (attempt %d/%d): %s", addr, attempt, maxConnectAttempts, err)
		time.Sleep(bo.Duration())
	}
	b.log.Warnf("tcp backend: giving up on %s after %d attempts", addr, maxConnectAttempts)
}

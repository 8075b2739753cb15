package frontend

import (
	"net"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/HookedBehemoth/twili/pkg/twibd"
)

// DefaultTCPPort is the daemon's frontend TCP port when none is
// configured; it is bound to loopback only.
const DefaultTCPPort = "15151"

// DefaultUnixSocketPath returns the platform default UNIX frontend
// socket path, rooted under the invoking user's home directory.
func DefaultUnixSocketPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".twibd", "twibd.sock"), nil
}

// Listener runs one or both frontend accept loops (UNIX and/or TCP),
// handing each accepted connection off to its own session.
type Listener struct {
	log        *logging.Logger
	dispatcher *twibd.Dispatcher
}

// New constructs a Listener bound to dispatcher.
func New(log *logging.Logger, dispatcher *twibd.Dispatcher) *Listener {
	return &Listener{log: log, dispatcher: dispatcher}
}

// ServeUnix listens on a UNIX socket at path until stop is closed. The
// socket file is removed first if a stale one is left over from a
// previous, uncleanly terminated run.
func (l *Listener) ServeUnix(path string, stop <-chan struct{}) error {
	_ = removeStaleSocket(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	l.log.Infof("frontend: listening on unix socket %s", path)
	return l.accept(ln, stop)
}

// ServeTCP listens on a loopback TCP port until stop is closed.
func (l *Listener) ServeTCP(port string, stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return err
	}
	l.log.Infof("frontend: listening on tcp %s", ln.Addr())
	return l.accept(ln, stop)
}

func (l *Listener) accept(ln net.Listener, stop <-chan struct{}) error {
	go func() {
		<-stop
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		s := newSession(nc, l.log, l.dispatcher)
		go s.run()
	}
}

func removeStaleSocket(path string) error {
	if nc, err := net.Dial("unix", path); err == nil {
		nc.Close()
		return nil // someone's already listening; let Listen fail loudly
	}
	return os.Remove(path)
}

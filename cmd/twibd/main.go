// Command twibd is the host daemon: it bridges client frontends to
// USB- and TCP-attached devices, dispatching requests and responses
// between them.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/HookedBehemoth/twili/pkg/backend/tcp"
	"github.com/HookedBehemoth/twili/pkg/backend/usb"
	"github.com/HookedBehemoth/twili/pkg/frontend"
	"github.com/HookedBehemoth/twili/pkg/twibd"
	"github.com/HookedBehemoth/twili/pkg/twlog"
)

const queueDepth = 256

type daemon struct {
	verbosity  int
	enableUnix bool
	enableTCP  bool
	enableUSB  bool
	enableTCPB bool
	unixPath   string
	tcpPort    string

	stop chan struct{}

	logger     *logging.Logger
	dispatcher *twibd.Dispatcher
	usbBackend *usb.Backend
	listener   *frontend.Listener
}

var rootCmd = &cobra.Command{
	Use:   "twibd",
	Short: "twibd bridges client frontends to USB- and TCP-attached devices",
	Run: func(_ *cobra.Command, _ []string) {
		d.setupLogging().
			startDispatcher().
			startBackends().
			startFrontends().
			waitForSignal().
			shutdown()
	},
}

var d = &daemon{stop: make(chan struct{})}

func init() {
	defaultPath, err := frontend.DefaultUnixSocketPath()
	if err != nil {
		defaultPath = ""
	}

	rootCmd.Flags().CountVarP(&d.verbosity, "verbose", "v", "increase logging verbosity (stack: info, then debug)")
	rootCmd.Flags().BoolVar(&d.enableUnix, "unix", true, "enable the unix socket frontend")
	rootCmd.Flags().BoolVar(&d.enableTCP, "tcp", true, "enable the tcp frontend")
	rootCmd.Flags().BoolVar(&d.enableUSB, "usb-backend", true, "enable the usb backend")
	rootCmd.Flags().BoolVar(&d.enableTCPB, "tcp-backend", true, "enable the tcp backend")
	rootCmd.Flags().StringVar(&d.unixPath, "unix-path", defaultPath, "unix frontend socket path")
	rootCmd.Flags().StringVar(&d.tcpPort, "tcp-port", frontend.DefaultTCPPort, "tcp frontend port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (d *daemon) setupLogging() *daemon {
	level := "info"
	if d.verbosity >= 1 {
		level = "debug"
	}
	if err := twlog.SetLevel(level); err != nil {
		log.Fatalf("failed to set log level: %s", err)
	}
	d.logger = twlog.Get("twibd")
	return d
}

func (d *daemon) startDispatcher() *daemon {
	d.dispatcher = twibd.NewDispatcher(twlog.Get("dispatcher"), queueDepth)
	go d.dispatcher.Run(d.stop)
	return d
}

func (d *daemon) startBackends() *daemon {
	if d.enableTCPB {
		tcpBackend := tcp.New(twlog.Get("tcp-backend"), d.dispatcher)
		d.dispatcher.SetConnectTCP(tcpBackend.Connect)
		go func() {
			if err := tcpBackend.Run(d.stop); err != nil {
				d.logger.Warnf("tcp backend stopped: %s", err)
			}
		}()
	}

	if d.enableUSB {
		d.usbBackend = usb.New(twlog.Get("usb-backend"), d.dispatcher)
		go func() {
			if err := d.usbBackend.Run(d.stop); err != nil {
				d.logger.Warnf("usb backend stopped: %s", err)
			}
		}()
	}
	return d
}

func (d *daemon) startFrontends() *daemon {
	d.listener = frontend.New(twlog.Get("frontend"), d.dispatcher)
	if d.enableUnix && d.unixPath != "" {
		go func() {
			if err := d.listener.ServeUnix(d.unixPath, d.stop); err != nil {
				d.logger.Warnf("unix frontend stopped: %s", err)
			}
		}()
	}
	if d.enableTCP {
		go func() {
			if err := d.listener.ServeTCP(d.tcpPort, d.stop); err != nil {
				d.logger.Warnf("tcp frontend stopped: %s", err)
			}
		}()
	}
	return d
}

func (d *daemon) waitForSignal() *daemon {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	return d
}

func (d *daemon) shutdown() {
	close(d.stop)
	if d.usbBackend != nil {
		d.usbBackend.Close()
	}
}

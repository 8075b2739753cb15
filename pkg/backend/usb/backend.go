// Package usb implements the daemon's USB backend (component C2):
// enumeration of devices exposing a recognized bridge and/or stdio
// interface, the framed meta/data transfer protocol over their bulk
// endpoints, and the per-device identification handshake.
package usb

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/HookedBehemoth/twili/pkg/twibd"
)

// pollInterval is how often the backend re-enumerates the USB bus.
// gousb's public API exposes device enumeration (OpenDevices), not a
// libusb hotplug callback, so discovery here is a bounded poll rather
// than the original's event-driven hotplug callback; see DESIGN.md.
const pollInterval = 500 * time.Millisecond

// Backend owns the libusb context and the set of devices currently
// claimed. One Backend serves the whole daemon process.
type Backend struct {
	log        *logging.Logger
	dispatcher *twibd.Dispatcher
	ctx        *gousb.Context

	mu    sync.Mutex
	known map[string]bool // USB device path ("bus.addr"), claimed or being claimed
}

// New constructs a Backend bound to dispatcher. Call Run to start
// polling for devices.
func New(log *logging.Logger, dispatcher *twibd.Dispatcher) *Backend {
	return &Backend{
		log:        log,
		dispatcher: dispatcher,
		ctx:        gousb.NewContext(),
		known:      make(map[string]bool),
	}
}

// Close releases the underlying libusb context.
func (b *Backend) Close() error {
	return b.ctx.Close()
}

// Run polls for newly plugged-in devices exposing a recognized bridge
// or stdio interface until stop is closed. It blocks; call it in its
// own goroutine.
func (b *Backend) Run(stop <-chan struct{}) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			b.scan()
		}
	}
}

func (b *Backend) scan() {
	devices, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		path := devicePath(desc)
		b.mu.Lock()
		seen := b.known[path]
		b.mu.Unlock()
		if seen {
			return false
		}
		_, _, hasBridge := findBridgeSetting(desc)
		_, _, hasStdio := findStdioSetting(desc)
		return hasBridge || hasStdio
	})
	if err != nil {
		b.log.Debugf("usb scan: %s", err)
	}
	for _, dev := range devices {
		path := devicePath(dev.Desc)
		b.mu.Lock()
		b.known[path] = true
		b.mu.Unlock()
		go b.claim(dev)
	}
}

func devicePath(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d.%d", desc.Bus, desc.Address)
}

// claim attaches to whichever recognized interfaces dev exposes. A
// device offering only stdio is tracked solely for its debug stream,
// per spec.md §4.2.
func (b *Backend) claim(dev *gousb.Device) {
	stdioNum, stdioAlt, hasStdio := findStdioSetting(dev.Desc)
	bridgeNum, bridgeAlt, hasBridge := findBridgeSetting(dev.Desc)

	if !hasBridge && !hasStdio {
		dev.Close()
		return
	}

	cfgNum := 1
	for n := range dev.Desc.Configs {
		cfgNum = n
		break
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		b.log.Infof("usb: failed to select config on %s: %s", dev, err)
		dev.Close()
		return
	}

	if hasStdio {
		if intf, err := cfg.Interface(stdioNum, stdioAlt); err == nil {
			if ep, err := firstBulkIn(intf); err == nil {
				go runStdio(b.log, ep, dev.String())
			} else {
				intf.Close()
			}
		}
	}

	if !hasBridge {
		return
	}

	intf, err := cfg.Interface(bridgeNum, bridgeAlt)
	if err != nil {
		b.log.Infof("usb: failed to claim bridge interface on %s: %s", dev, err)
		cfg.Close()
		dev.Close()
		return
	}
	ep, err := claimBridge(intf)
	if err != nil {
		b.log.Infof("usb: %s on %s", err, dev)
		intf.Close()
		cfg.Close()
		dev.Close()
		return
	}

	s := newSession(b.log, b.dispatcher, dev, cfg, intf, ep)
	info, deviceID, err := s.identify()
	if err != nil {
		b.log.Infof("usb: identification failed on %s: %s", dev, err)
		intf.Close()
		cfg.Close()
		dev.Close()
		return
	}
	b.log.Infof("usb: identified device %08x (%s) on %s", deviceID, info.DeviceNickname, dev)

	device := twibd.NewDevice(deviceID, twibd.BridgeUSB, info, s)
	device.SetReady()
	s.device = device

	if !b.dispatcher.Registry.Add(device) {
		b.log.Infof("usb: device %08x lost priority arbitration, detaching", deviceID)
		intf.Close()
		cfg.Close()
		dev.Close()
		return
	}

	go s.recvLoop()
}

func firstBulkIn(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	ins, _ := sortedEndpoints(intf)
	if len(ins) == 0 {
		return nil, errNotEnoughEndpoints
	}
	return intf.InEndpoint(ins[0])
}

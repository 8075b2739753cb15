package usb

import (
	"sort"

	"github.com/google/gousb"
)

// usbChunkCap bounds a single bulk transfer submitted by this backend;
// a payload or object-id trailer larger than this is split across
// multiple transfers and resubmitted automatically.
const usbChunkCap = 16 * 1024

// Interface markers. twibd recognizes two kinds of vendor-specific
// interface on a plugged-in device: a bridge interface (four bulk
// endpoints carrying the framed protocol) and a stdio interface (one
// bulk-in endpoint carrying a line-oriented debug stream). A device
// exposing neither is ignored; one exposing only stdio is tracked
// solely for its log stream.
const (
	bridgeInterfaceSubclass = 1
	stdioInterfaceSubclass  = 2
)

type bridgeEndpoints struct {
	metaOut *gousb.OutEndpoint
	dataOut *gousb.OutEndpoint
	metaIn  *gousb.InEndpoint
	dataIn  *gousb.InEndpoint
}

// findBridgeSetting locates the alt setting of the bridge interface in
// desc, if any. The protocol doesn't fix endpoint numbers, so the
// convention here is: of the interface's bulk endpoints, the two OUT
// endpoints in ascending address order are (meta-out, data-out) and
// the two IN endpoints in ascending address order are (meta-in,
// data-in).
func findBridgeSetting(desc *gousb.DeviceDesc) (intfNum, altNum int, found bool) {
	return findInterfaceSetting(desc, bridgeInterfaceSubclass)
}

// findStdioSetting locates the alt setting of the stdio interface.
func findStdioSetting(desc *gousb.DeviceDesc) (intfNum, altNum int, found bool) {
	return findInterfaceSetting(desc, stdioInterfaceSubclass)
}

func findInterfaceSetting(desc *gousb.DeviceDesc, subclass gousb.Class) (intfNum, altNum int, found bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassVendorSpec && alt.SubClass == subclass {
					return intf.Number, alt.Alternate, true
				}
			}
		}
	}
	return 0, 0, false
}

// claimBridge opens the bridge interface's four bulk endpoints,
// sorted by address within each direction per findBridgeSetting's
// convention.
func claimBridge(intf *gousb.Interface) (bridgeEndpoints, error) {
	ins, outs := sortedEndpoints(intf)
	if len(ins) < 2 || len(outs) < 2 {
		return bridgeEndpoints{}, errNotEnoughEndpoints
	}
	metaIn, err := intf.InEndpoint(ins[0])
	if err != nil {
		return bridgeEndpoints{}, err
	}
	dataIn, err := intf.InEndpoint(ins[1])
	if err != nil {
		return bridgeEndpoints{}, err
	}
	metaOut, err := intf.OutEndpoint(outs[0])
	if err != nil {
		return bridgeEndpoints{}, err
	}
	dataOut, err := intf.OutEndpoint(outs[1])
	if err != nil {
		return bridgeEndpoints{}, err
	}
	return bridgeEndpoints{metaOut: metaOut, dataOut: dataOut, metaIn: metaIn, dataIn: dataIn}, nil
}

func sortedEndpoints(intf *gousb.Interface) (ins, outs []int) {
	setting := intf.Setting
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			ins = append(ins, ep.Number)
		} else {
			outs = append(outs, ep.Number)
		}
	}
	sort.Ints(ins)
	sort.Ints(outs)
	return ins, outs
}

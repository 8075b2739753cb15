package twibd

import "sync"

// Registry is the device map (component C4): device_id → Device,
// with priority arbitration when the same physical device is
// reachable over more than one transport. It does not own devices
// strongly; backends do. The registry only publishes them.
type Registry struct {
	mu      sync.Mutex
	devices map[uint32]*Device

	// onAdd is invoked with the newly published device, still under
	// no lock held, so the dispatcher can send its on-add reset
	// request without risking a deadlock against the registry mutex.
	onAdd func(*Device)
}

// NewRegistry constructs an empty Registry. onAdd is called for every
// device that is actually published (i.e. not rejected by priority
// arbitration).
func NewRegistry(onAdd func(*Device)) *Registry {
	return &Registry{
		devices: make(map[uint32]*Device),
		onAdd:   onAdd,
	}
}

// Add publishes device, replacing the incumbent entry for the same id
// only if device's priority is strictly higher. Per spec.md §9's
// resolved Open Question, an equal-priority device is rejected rather
// than clobbering the incumbent, to avoid dual-USB-port thrash.
func (r *Registry) Add(device *Device) bool {
	r.mu.Lock()
	incumbent, exists := r.devices[device.ID]
	if exists && incumbent.Priority() >= device.Priority() {
		r.mu.Unlock()
		return false
	}
	r.devices[device.ID] = device
	r.mu.Unlock()

	if r.onAdd != nil {
		r.onAdd(device)
	}
	return true
}

// Remove drops device from the registry, but only if the current
// entry for its id still points at this exact device (it may have
// already been superseded or already removed).
func (r *Registry) Remove(device *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[device.ID] == device {
		delete(r.devices, device.ID)
	}
}

// Lookup returns the device for id, or nil if absent or flagged for
// deletion.
func (r *Registry) Lookup(id uint32) *Device {
	r.mu.Lock()
	device, ok := r.devices[id]
	r.mu.Unlock()
	if !ok || device.Deleted() {
		return nil
	}
	return device
}

// Snapshot returns every currently live device, for LIST_DEVICES.
func (r *Registry) Snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if !d.Deleted() {
			out = append(out, d)
		}
	}
	return out
}

package radio

import "sync"

// Air is an in-memory medium joining simulated devices. Every attached
// device hears broadcasts from every other device.
type Air struct {
	mu    sync.Mutex
	slots map[MAC]*Slot
	order []MAC
	rssi  int8
	tap   func(src, dst MAC, frame []byte)
}

// NewAir returns an empty medium. Frames arrive with the given RSSI.
func NewAir(rssi int8) *Air {
	return &Air{slots: make(map[MAC]*Slot), rssi: rssi}
}

// Attach connects a device with address mac whose frames land in slot.
func (a *Air) Attach(mac MAC, slot *Slot) Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slots[mac]; !ok {
		a.order = append(a.order, mac)
	}
	a.slots[mac] = slot
	return &airPort{air: a, mac: mac}
}

// Detach takes a device off the medium.
func (a *Air) Detach(mac MAC) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, mac)
	for i, m := range a.order {
		if m == mac {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// SetTap installs a function that sees every frame put on the air,
// including frames nobody receives.
func (a *Air) SetTap(f func(src, dst MAC, frame []byte)) {
	a.mu.Lock()
	a.tap = f
	a.mu.Unlock()
}

// Inject delivers frame to dst as if src had sent it.
func (a *Air) Inject(src, dst MAC, frame []byte) error {
	return a.transmit(src, dst, frame)
}

func (a *Air) transmit(src, dst MAC, frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return ErrFrameSize
	}
	a.mu.Lock()
	tap := a.tap
	var targets []*Slot
	if dst.IsBroadcast() {
		for _, m := range a.order {
			if m != src {
				targets = append(targets, a.slots[m])
			}
		}
	} else if s, ok := a.slots[dst]; ok && dst != src {
		targets = append(targets, s)
	}
	a.mu.Unlock()

	if tap != nil {
		tap(src, dst, append([]byte(nil), frame...))
	}
	for _, s := range targets {
		s.Deliver(src, frame, a.rssi)
	}
	return nil
}

type airPort struct {
	air *Air
	mac MAC
}

func (p *airPort) Send(dst MAC, frame []byte) error { return p.air.transmit(p.mac, dst, frame) }
func (p *airPort) Broadcast(frame []byte) error       { return p.air.transmit(p.mac, Broadcast, frame) }
func (p *airPort) LocalMAC() MAC                      { return p.mac }

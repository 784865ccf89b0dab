package vision

// Presence timing in milliseconds.
const (
	LostTimeoutMs       = 1500
	DwellStartMs        = 10000
	DwellEndGraceMs     = 0
	InteractionWindowMs = 3000
	ZoneInteractionMs   = 2500
)

// Event names.
const (
	EventPresenceStarted   = "presence_started"
	EventPresenceEnded     = "presence_ended"
	EventDwellStarted      = "dwell_started"
	EventDwellEnded        = "dwell_ended"
	EventInteractionLikely = "interaction_likely"

	ReasonDwellThenLeft = "dwell_then_left"
	ReasonZoneThenLeft  = "zone_interaction_then_left"
)

// Event is emitted by Presence.Tick. Reason is set for interaction_likely.
type Event struct {
	Name   string
	Reason string
}

// Snapshot is the presence state rendered into an observation payload.
type Snapshot struct {
	Presence   bool
	Dwelling   bool
	PresenceMs uint32
	DwellMs    uint32
	Confidence int
	Voxel      Voxel
	Box        BBox
	LastEvent  string
	UptimeS    uint32
	TsMs       uint32
}

// Presence is the presence state machine. It emits at most one event per
// tick.
type Presence struct {
	presence bool
	dwelling bool

	presenceStartMs uint32
	lastSeenMs      uint32
	dwellStartMs    uint32
	lastLeaveMs     uint32
	leaveSeenMs     uint32

	candidate          bool
	dwellLatch         bool
	interactionLatch   bool
	interactionEmitted bool

	box        BBox
	confidence int
	lastEvent  string

	tracker *Tracker
}

// NewPresence returns an idle machine.
func NewPresence() *Presence {
	return &Presence{tracker: NewTracker()}
}

// Reset returns the machine to idle.
func (p *Presence) Reset() {
	*p = Presence{tracker: p.tracker}
	p.tracker.Reset()
}

// Presence reports whether a person is currently present.
func (p *Presence) Presence() bool { return p.presence }

// Dwelling reports whether the current presence has become a dwell.
func (p *Presence) Dwelling() bool { return p.dwelling }

func (p *Presence) emit(name, reason string) (Event, bool) {
	p.lastEvent = name
	return Event{Name: name, Reason: reason}, true
}

// Tick feeds one sample taken at now.
func (p *Presence) Tick(s Sample, now uint32) (Event, bool) {
	p.box = s.Box
	p.confidence = 0
	if s.PersonNow {
		p.confidence = s.Box.Score
	}

	if s.PersonNow {
		p.lastSeenMs = now
		p.tracker.Update(s.Voxel, now)

		if !p.presence {
			p.presence = true
			p.dwelling = false
			p.presenceStartMs = now
			p.candidate = false
			p.dwellLatch = false
			p.interactionLatch = false
			p.interactionEmitted = false
			return p.emit(EventPresenceStarted, "")
		}
		if !p.dwelling && now-p.presenceStartMs >= DwellStartMs {
			p.dwelling = true
			p.dwellStartMs = now
			return p.emit(EventDwellStarted, "")
		}
		if !p.candidate && now-p.tracker.StableSinceMs() >= ZoneInteractionMs {
			p.candidate = true
		}
		if p.dwelling {
			p.dwellLatch = true
		}
		if p.candidate {
			p.interactionLatch = true
		}
		return Event{}, false
	}

	if p.presence && now-p.lastSeenMs > LostTimeoutMs {
		if p.dwelling {
			p.dwelling = false
			if DwellEndGraceMs == 0 || now-p.lastSeenMs >= DwellEndGraceMs {
				return p.emit(EventDwellEnded, "")
			}
		}
		p.presence = false
		p.lastLeaveMs = now
		return p.emit(EventPresenceEnded, "")
	}

	if p.presence || p.lastLeaveMs == 0 {
		return Event{}, false
	}
	if p.lastLeaveMs != p.leaveSeenMs {
		p.leaveSeenMs = p.lastLeaveMs
		p.interactionEmitted = false
	}
	if p.interactionEmitted {
		return Event{}, false
	}
	since := now - p.lastLeaveMs
	if (p.dwellLatch || p.interactionLatch) && since <= InteractionWindowMs {
		reason := ReasonZoneThenLeft
		if p.dwellLatch {
			reason = ReasonDwellThenLeft
		}
		p.interactionEmitted = true
		p.dwellLatch, p.interactionLatch = false, false
		return p.emit(EventInteractionLikely, reason)
	}
	if since > InteractionWindowMs {
		p.interactionEmitted = true
		p.dwellLatch, p.interactionLatch = false, false
	}
	return Event{}, false
}

// Snapshot returns the state at now.
func (p *Presence) Snapshot(now uint32) Snapshot {
	s := Snapshot{
		Presence:   p.presence,
		Dwelling:   p.dwelling,
		Confidence: p.confidence,
		Voxel:      p.tracker.Stable(),
		Box:        p.box,
		LastEvent:  p.lastEvent,
		UptimeS:    now / 1000,
		TsMs:       now,
	}
	if s.LastEvent == "" {
		s.LastEvent = "boot"
	}
	if p.presence {
		s.PresenceMs = now - p.presenceStartMs
	}
	if p.dwelling {
		s.DwellMs = now - p.dwellStartMs
	}
	return s
}

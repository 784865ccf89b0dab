package gnss

// Motion FSM tuning.
const (
	FixLostTimeoutMs   = 3000
	FixLostToNoFixMs   = 10000
	MovingThresholdMps = 0.8
	StaticThresholdMps = 0.4
	SpeedEMAAlpha      = 0.15
	StateHysteresisMs  = 2000
)

// MotionState is the device motion state derived from the fix.
type MotionState uint8

const (
	NoFix MotionState = iota
	FixAcquired
	Stationary
	Moving
	FixLost
)

var motionNames = [...]string{"NO_FIX", "FIX_ACQUIRED", "STATIONARY", "MOVING", "FIX_LOST"}

func (s MotionState) String() string {
	if int(s) < len(motionNames) {
		return motionNames[s]
	}
	return "UNKNOWN"
}

// Transition reasons.
const (
	ReasonFixObtained   = "fix_obtained"
	ReasonSpeedHigh     = "speed_high"
	ReasonSpeedLow      = "speed_low"
	ReasonStartedMoving = "started_moving"
	ReasonStopped       = "stopped"
	ReasonTimeout       = "timeout"
	ReasonProlongedLoss = "prolonged_loss"
)

// Transition is one state change of the motion FSM.
type Transition struct {
	From, To MotionState
	Reason   string
	AtMs     uint32
}

// Motion is the motion state machine. Only STATIONARY to MOVING and back
// are debounced; every other transition is taken on the tick it is wanted.
type Motion struct {
	state     MotionState
	pending   MotionState
	pendingMs uint32
	enteredMs uint32
	ema       float64
}

// NewMotion returns a machine in NO_FIX.
func NewMotion() *Motion { return &Motion{} }

// State returns the current state.
func (m *Motion) State() MotionState { return m.state }

// EMA returns the smoothed speed in m/s.
func (m *Motion) EMA() float64 { return m.ema }

// EnteredMs returns when the current state was entered.
func (m *Motion) EnteredMs() uint32 { return m.enteredMs }

// Update feeds one tick. It returns the transition taken, if any.
func (m *Motion) Update(now uint32, hasValidFix bool, lastFixMs uint32, speedMps float64) (Transition, bool) {
	m.ema = m.ema*(1-SpeedEMAAlpha) + speedMps*SpeedEMAAlpha

	cur := m.state
	desired := cur
	reason := ""
	recent := hasValidFix && now-lastFixMs < FixLostTimeoutMs

	switch {
	case !recent:
		if cur != NoFix && cur != FixLost {
			desired, reason = FixLost, ReasonTimeout
		} else if cur == FixLost && now-m.enteredMs > FixLostToNoFixMs {
			desired, reason = NoFix, ReasonProlongedLoss
		}
	case cur == NoFix || cur == FixLost:
		desired, reason = FixAcquired, ReasonFixObtained
	case cur == FixAcquired:
		if m.ema >= MovingThresholdMps {
			desired, reason = Moving, ReasonSpeedHigh
		} else if m.ema <= StaticThresholdMps {
			desired, reason = Stationary, ReasonSpeedLow
		}
	case cur == Stationary && m.ema >= MovingThresholdMps:
		desired, reason = Moving, ReasonStartedMoving
	case cur == Moving && m.ema <= StaticThresholdMps:
		desired, reason = Stationary, ReasonStopped
	}

	if desired == cur {
		m.pending = cur
		return Transition{}, false
	}
	debounced := (cur == Stationary && desired == Moving) || (cur == Moving && desired == Stationary)
	if debounced {
		if m.pending != desired {
			m.pending = desired
			m.pendingMs = now
		}
		if now-m.pendingMs < StateHysteresisMs {
			return Transition{}, false
		}
	}
	m.state = desired
	m.pending = desired
	m.enteredMs = now
	return Transition{From: cur, To: desired, Reason: reason, AtMs: now}, true
}

package rfpresence

// Event names. No other names are ever emitted.
const (
	EventImpulse         = "rf_impulse"
	EventPresenceStarted = "rf_presence_started"
	EventPresenceEnded   = "rf_presence_ended"
	EventDwellStarted    = "rf_dwell_started"
	EventDeparting       = "rf_departing"
)

// Narrative hints.
const (
	HintPasserby  = "passerby_like"
	HintDelivery  = "delivery_like"
	HintSustained = "sustained_presence"
)

// Signal is the dominant signal source behind an event.
type Signal uint8

const (
	SignalNone Signal = iota
	SignalBLE
	SignalWiFi
	SignalFused
)

var signalNames = [...]string{"none", "ble", "wifi", "fused"}

func (s Signal) String() string {
	if int(s) < len(signalNames) {
		return signalNames[s]
	}
	return "unknown"
}

// Confidence classifies how strong the evidence for presence is.
type Confidence uint8

const (
	ConfUncertain Confidence = iota
	ConfLow
	ConfModerate
	ConfHigh
)

var confidenceNames = [...]string{"uncertain", "low", "moderate", "high"}

func (c Confidence) String() string {
	if int(c) < len(confidenceNames) {
		return confidenceNames[c]
	}
	return "unknown"
}

// DwellClass buckets how long the current state has lasted.
type DwellClass uint8

const (
	DwellTransient DwellClass = iota
	DwellLingering
	DwellSustained
)

var dwellNames = [...]string{"transient", "lingering", "sustained"}

func (d DwellClass) String() string {
	if int(d) < len(dwellNames) {
		return dwellNames[d]
	}
	return "unknown"
}

// Event is what the engine reports about a state change. It carries no
// identifier and no precise time.
type Event struct {
	Name       string
	Signal     Signal
	Confidence Confidence
	CountDelta int8
	Dwell      DwellClass
	TimeBucket uint8
	Hint       string
}

// TimeBucket returns the 10-minute bucket of the day, 0..143.
func TimeBucket(now uint32) uint8 {
	return uint8((now / 600000) % 144)
}

func confidence(bleCount int, probeBursts uint8, rssiMean int8) Confidence {
	score := 0.0
	if bleCount > 0 {
		if bleCount > 3 {
			score += 1.0
		} else {
			score += 0.5 + float64(bleCount)*0.15
		}
	}
	if probeBursts > 0 {
		if probeBursts > 2 {
			score += 0.5
		} else {
			score += 0.3 + float64(probeBursts)*0.1
		}
	}
	if rssiMean > -60 {
		score += 0.1
	}
	switch {
	case score >= 0.8:
		return ConfHigh
	case score >= 0.5:
		return ConfModerate
	case score >= 0.2:
		return ConfLow
	}
	return ConfUncertain
}

func dwellClass(ms uint32) DwellClass {
	switch {
	case ms >= 120000:
		return DwellSustained
	case ms >= 30000:
		return DwellLingering
	}
	return DwellTransient
}

// narrativeHint returns a hedged description of the state, or "". Late
// night buckets never get the passerby or delivery hints.
func narrativeHint(s State, d DwellClass, bucket uint8) string {
	unusual := bucket < 6 || bucket > 132
	switch {
	case s == Presence && d == DwellTransient && !unusual:
		return HintPasserby
	case s == Dwelling && d == DwellLingering && !unusual:
		return HintDelivery
	case s == Dwelling && d == DwellSustained:
		return HintSustained
	}
	return ""
}

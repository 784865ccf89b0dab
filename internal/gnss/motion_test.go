package gnss

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type motionSim struct {
	m     *Motion
	now   uint32
	trans []Transition
}

func (s *motionSim) tick(n int, speed float64, fix bool) {
	for i := 0; i < n; i++ {
		s.now += 100
		last := s.now
		if !fix {
			last = 0
		}
		if tr, ok := s.m.Update(s.now, fix, last, speed); ok {
			s.trans = append(s.trans, tr)
		}
	}
}

func states(trs []Transition) []MotionState {
	out := make([]MotionState, len(trs))
	for i, tr := range trs {
		out[i] = tr.To
	}
	return out
}

// The motion path of a receiver that gets a fix, starts walking and stops
// again. Speeds are held long enough for the smoothed speed to cross each
// threshold.
func TestMotion_AcquireMoveStop(t *testing.T) {
	s := &motionSim{m: NewMotion(), now: 0}
	s.tick(3, 0, true)
	s.tick(40, 1.0, true)
	s.tick(60, 0, true)

	require.Equal(t, []MotionState{FixAcquired, Stationary, Moving, Stationary}, states(s.trans))
	assert.Equal(t, ReasonFixObtained, s.trans[0].Reason)
	assert.Equal(t, ReasonSpeedLow, s.trans[1].Reason)
	assert.Equal(t, ReasonStartedMoving, s.trans[2].Reason)
	assert.Equal(t, ReasonStopped, s.trans[3].Reason)

	// FIX_ACQUIRED to STATIONARY is not debounced.
	assert.Equal(t, s.trans[0].AtMs+100, s.trans[1].AtMs)

	// Replaying the EMA gives the first tick at or above the moving
	// threshold; the debounced transition must come at least 2 s later.
	ema, crossedMs := 0.0, uint32(0)
	for i := 1; i <= 43; i++ {
		v := 0.0
		if i > 3 {
			v = 1.0
		}
		ema = ema*(1-SpeedEMAAlpha) + v*SpeedEMAAlpha
		if ema >= MovingThresholdMps {
			crossedMs = uint32(i * 100)
			break
		}
	}
	require.NotZero(t, crossedMs)
	assert.GreaterOrEqual(t, s.trans[2].AtMs-crossedMs, uint32(StateHysteresisMs))
	assert.Equal(t, s.trans[2].From, Stationary)
	assert.Equal(t, s.trans[3].From, Moving)
}

func TestMotion_OscillationDoesNotFlap(t *testing.T) {
	m := NewMotion()
	now := uint32(100)
	m.Update(now, true, now, 0)
	now += 100
	m.Update(now, true, now, 0)
	require.Equal(t, Stationary, m.State())

	// Drive the smoothed speed to 0.9 and 0.5 on alternate ticks.
	m.ema = 0.5
	for i := 0; i < 600; i++ {
		now += 100
		target := 0.9
		if i%2 == 1 {
			target = 0.5
		}
		in := (target - m.ema*(1-SpeedEMAAlpha)) / SpeedEMAAlpha
		_, ok := m.Update(now, true, now, in)
		assert.False(t, ok, "tick %d", i)
	}
	assert.Equal(t, Stationary, m.State())
}

func TestMotion_DebounceSpacing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := &motionSim{m: NewMotion()}
	s.tick(2, 0, true)
	for s.now < 30*60*1000 {
		speed := 0.0
		if rng.Intn(2) == 1 {
			speed = 1.6
		}
		s.tick(1+rng.Intn(60), speed, true)
	}

	var last *Transition
	flips := 0
	for i := range s.trans {
		tr := &s.trans[i]
		if (tr.From == Stationary && tr.To == Moving) || (tr.From == Moving && tr.To == Stationary) {
			flips++
			if last != nil {
				assert.GreaterOrEqual(t, tr.AtMs-last.AtMs, uint32(StateHysteresisMs))
			}
			last = tr
		}
	}
	assert.Greater(t, flips, 10)
}

func TestMotion_FixLoss(t *testing.T) {
	m := NewMotion()
	tr, ok := m.Update(1000, true, 1000, 0)
	require.True(t, ok)
	require.Equal(t, FixAcquired, tr.To)
	_, ok = m.Update(1100, true, 1100, 0)
	require.True(t, ok)

	// The last fix is still recent below 3 s.
	_, ok = m.Update(4099, true, 1100, 0)
	assert.False(t, ok)

	tr, ok = m.Update(4100, true, 1100, 0)
	require.True(t, ok)
	assert.Equal(t, Transition{From: Stationary, To: FixLost, Reason: ReasonTimeout, AtMs: 4100}, tr)

	// Exactly 10 s in FIX_LOST is not yet prolonged.
	_, ok = m.Update(14100, false, 0, 0)
	assert.False(t, ok)
	tr, ok = m.Update(14101, false, 0, 0)
	require.True(t, ok)
	assert.Equal(t, NoFix, tr.To)
	assert.Equal(t, ReasonProlongedLoss, tr.Reason)

	tr, ok = m.Update(15000, true, 15000, 0)
	require.True(t, ok)
	assert.Equal(t, Transition{From: NoFix, To: FixAcquired, Reason: ReasonFixObtained, AtMs: 15000}, tr)
}

func TestMotion_FixRegainedWhileLost(t *testing.T) {
	m := NewMotion()
	m.Update(100, true, 100, 0)
	m.Update(200, true, 200, 0)
	m.Update(5000, false, 200, 0)
	require.Equal(t, FixLost, m.State())

	tr, ok := m.Update(6000, true, 6000, 0)
	require.True(t, ok)
	assert.Equal(t, FixAcquired, tr.To)
	assert.Equal(t, ReasonFixObtained, tr.Reason)
}

func TestMotion_ClockWrap(t *testing.T) {
	m := NewMotion()
	last := uint32(0xFFFFFF00)
	m.Update(last, true, last, 0)
	require.Equal(t, FixAcquired, m.State())

	// 512 ms after the last fix across the wrap is still recent.
	_, ok := m.Update(0x00000100, true, last, 0)
	assert.True(t, ok)
	assert.Equal(t, Stationary, m.State())
}

func TestMotionStateString(t *testing.T) {
	assert.Equal(t, "MOVING", Moving.String())
	assert.Equal(t, "FIX_LOST", FixLost.String())
	assert.Equal(t, "UNKNOWN", MotionState(9).String())
}

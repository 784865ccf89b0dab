package rfpresence

import (
	"fmt"
	"unsafe"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
)

// Conformance is the result of SelfTest.
type Conformance struct {
	NoMACStorage  bool `json:"no_mac_storage"`
	TokenRotation bool `json:"token_rotation"`
	AggregateOnly bool `json:"aggregate_only"`
	SecureWipe    bool `json:"secure_wipe"`
	AllPassed     bool `json:"all_passed"`
}

// SelfTest runs the privacy conformance checks. The rotation check rotates
// the session as a side effect. Failures are logged to the health ring.
func (e *Engine) SelfTest(now uint32) Conformance {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := Conformance{
		NoMACStorage:  e.checkStructSizes(now),
		TokenRotation: e.checkRotation(now),
		AggregateOnly: e.checkAggregates(now),
		SecureWipe:    e.checkWipe(now),
	}
	c.AllPassed = c.NoMACStorage && c.TokenRotation && c.AggregateOnly && c.SecureWipe
	return c
}

func (e *Engine) fail(now uint32, msg string) {
	e.health.Log(now, healthlog.Error, healthlog.RF, "conformance: "+msg, "")
}

func (e *Engine) checkStructSizes(now uint32) bool {
	ok := true
	if sz := unsafe.Sizeof(SessionToken{}); sz > 16 {
		e.fail(now, fmt.Sprintf("session token is %d bytes", sz))
		ok = false
	}
	if sz := unsafe.Sizeof(Observation{}); sz > 20 {
		e.fail(now, fmt.Sprintf("observation is %d bytes", sz))
		ok = false
	}
	return ok
}

func (e *Engine) checkRotation(now uint32) bool {
	probe := func() uint32 {
		mac := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
		return DeriveToken(e.secret.Bytes(), e.epoch, &mac)
	}
	before := probe()
	if before == 0 {
		e.fail(now, "token derivation failed before rotation")
		return false
	}
	oldEpoch := e.epoch
	e.rotateLocked(now)
	after := probe()
	if after == 0 {
		e.fail(now, "token derivation failed after rotation")
		return false
	}
	ok := true
	if e.epoch != oldEpoch+1 {
		e.fail(now, fmt.Sprintf("epoch did not increment (was %d, now %d)", oldEpoch, e.epoch))
		ok = false
	}
	if before == after {
		e.fail(now, "tokens match after rotation")
		ok = false
	}
	if e.tokens.len() != 0 {
		e.fail(now, "token map not cleared")
		ok = false
	}
	return ok
}

func (e *Engine) checkAggregates(now uint32) bool {
	for _, o := range e.obs.list() {
		if o.BLEDeviceCount > 100 {
			e.health.Log(now, healthlog.Warning, healthlog.RF,
				fmt.Sprintf("conformance: suspicious device count %d", o.BLEDeviceCount), "")
		}
		if o.BLEDeviceCount > 0 && (o.BLERSSIMax > 0 || o.BLERSSIMax < -100) {
			e.health.Log(now, healthlog.Warning, healthlog.RF,
				fmt.Sprintf("conformance: suspicious RSSI max %d", o.BLERSSIMax), "")
		}
	}
	return true
}

func (e *Engine) checkWipe(now uint32) bool {
	var buf [32]byte
	for i := range buf {
		buf[i] = 0xAA
	}
	cvcrypto.Zero(buf[:])
	for i, b := range buf {
		if b != 0 {
			e.fail(now, fmt.Sprintf("secure wipe failed at byte %d", i))
			return false
		}
	}
	return true
}

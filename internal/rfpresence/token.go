package rfpresence

import (
	"encoding/binary"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

const (
	// TokenMapSize is the capacity of the session token map.
	TokenMapSize = 32

	tokenPrefix = "canary:session:v0:"
)

// SessionToken is the only per-device state kept for a radio source. It
// holds no address, name or vendor field.
type SessionToken struct {
	Token      uint32
	LastSeenMs uint32
	RSSI       int8
}

// DeriveToken maps mac to a 32-bit token bound to secret and epoch. mac is
// zeroed before DeriveToken returns, whatever the outcome. A zero result
// means no token could be derived and must be discarded.
func DeriveToken(secret []byte, epoch uint32, mac *[6]byte) uint32 {
	if mac == nil {
		return 0
	}
	defer cvcrypto.Zero(mac[:])
	if len(secret) != SecretSize {
		return 0
	}

	var in [len(tokenPrefix) + SecretSize + 4 + 6]byte
	n := copy(in[:], tokenPrefix)
	n += copy(in[n:], secret)
	binary.LittleEndian.PutUint32(in[n:], epoch)
	copy(in[n+4:], mac[:])

	h := cvcrypto.SHA256(in[:])
	token := binary.LittleEndian.Uint32(h[:4])
	cvcrypto.Zero(in[:])
	cvcrypto.Zero(h[:])
	return token
}

// tokenMap is a fixed-capacity set of session tokens. When full, the entry
// seen longest ago is replaced.
type tokenMap struct {
	entries [TokenMapSize]SessionToken
	n       int
}

// touch records token at now and returns false for the zero token.
func (m *tokenMap) touch(token, now uint32, rssi int8) bool {
	if token == 0 {
		return false
	}
	for i := 0; i < m.n; i++ {
		if m.entries[i].Token == token {
			m.entries[i].LastSeenMs = now
			m.entries[i].RSSI = rssi
			return true
		}
	}
	if m.n < TokenMapSize {
		m.entries[m.n] = SessionToken{Token: token, LastSeenMs: now, RSSI: rssi}
		m.n++
		return true
	}
	oldest, oldestAge := 0, uint32(0)
	for i := range m.entries {
		if age := now - m.entries[i].LastSeenMs; age > oldestAge {
			oldest, oldestAge = i, age
		}
	}
	m.entries[oldest] = SessionToken{Token: token, LastSeenMs: now, RSSI: rssi}
	return true
}

// active counts tokens seen within ttl of now.
func (m *tokenMap) active(now, ttl uint32) int {
	c := 0
	for i := 0; i < m.n; i++ {
		if now-m.entries[i].LastSeenMs < ttl {
			c++
		}
	}
	return c
}

// rssiStats returns max, mean and min RSSI over tokens seen within ttl.
// Without any, all three are the noise floor.
func (m *tokenMap) rssiStats(now, ttl uint32) (maxR, mean, minR int8) {
	var sum int32
	maxR, minR = NoiseFloor, 0
	count := int32(0)
	for i := 0; i < m.n; i++ {
		e := &m.entries[i]
		if now-e.LastSeenMs >= ttl {
			continue
		}
		sum += int32(e.RSSI)
		if e.RSSI > maxR {
			maxR = e.RSSI
		}
		if count == 0 || e.RSSI < minR {
			minR = e.RSSI
		}
		count++
	}
	if count == 0 {
		return maxR, NoiseFloor, NoiseFloor
	}
	return maxR, int8(sum / count), minR
}

func (m *tokenMap) wipe() {
	for i := range m.entries {
		m.entries[i] = SessionToken{}
	}
	m.n = 0
}

func (m *tokenMap) len() int { return m.n }

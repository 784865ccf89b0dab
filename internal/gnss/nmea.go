// Package gnss parses NMEA 0183 output of a GNSS receiver into a fix and
// drives the motion state machine from it.
package gnss

import (
	"strconv"
	"strings"

	"github.com/kmay89/securacv-canary/internal/metrics"
)

const (
	// RingSize is the capacity of the raw UART byte ring.
	RingSize = 2048
	// MaxSentence is the longest accepted sentence, terminator excluded.
	MaxSentence = 127

	knotsToMps = 0.514444
	knotsToKmh = 1.852

	noDOP = 99.9
)

// FixMode is the GSA fix dimension.
type FixMode uint8

const (
	FixNone FixMode = 1
	Fix2D   FixMode = 2
	Fix3D   FixMode = 3
)

func (m FixMode) String() string {
	switch m {
	case FixNone:
		return "None"
	case Fix2D:
		return "2D"
	case Fix3D:
		return "3D"
	}
	return "?"
}

// QualityName names a GGA fix quality indicator.
func QualityName(q int) string {
	switch q {
	case 0:
		return "Inv"
	case 1:
		return "GPS"
	case 2:
		return "DGPS"
	case 4:
		return "RTK"
	case 5:
		return "FRTK"
	}
	return "?"
}

// Fix is the current position solution assembled from all sentence types.
type Fix struct {
	Valid      bool
	Lat, Lon   float64
	Quality    int
	Satellites int
	SatsInView int
	HDOP       float64
	PDOP       float64
	VDOP       float64
	AltitudeM  float64
	GeoidSepM  float64
	SpeedKnots float64
	SpeedKmh   float64
	CourseDeg  float64
	Mode       FixMode

	LastUpdateMs uint32
	LastGGAMs    uint32
	LastRMCMs    uint32
	LastGSAMs    uint32
}

// SpeedMps returns the RMC ground speed in m/s.
func (f *Fix) SpeedMps() float64 { return f.SpeedKnots * knotsToMps }

// UTCTime is the RMC date and time.
type UTCTime struct {
	Valid       bool
	Year        int
	Month       int
	Day         int
	Hour        int
	Minute      int
	Second      int
	Centisecond int
	LastSeenMs  uint32
}

// Counters are per-sentence statistics.
type Counters struct {
	Sentences     uint32
	GGA           uint32
	RMC           uint32
	GSA           uint32
	GSV           uint32
	VTG           uint32
	Unknown       uint32
	ChecksumFails uint32
	Overflows     uint32
}

// Parser owns the UART ring, the line buffer and the fix.
type Parser struct {
	ring  [RingSize]byte
	head  int
	tail  int
	count int

	line     [MaxSentence]byte
	lineLen  int
	overlong bool

	fix      Fix
	utc      UTCTime
	counters Counters
	lockMs   uint32
	locked   bool

	metrics *metrics.Metrics
}

// NewParser returns a parser with no fix. m may be nil.
func NewParser(m *metrics.Metrics) *Parser {
	p := &Parser{metrics: m}
	p.fix.HDOP, p.fix.PDOP, p.fix.VDOP = noDOP, noDOP, noDOP
	p.fix.Mode = FixNone
	return p
}

// Fix returns a copy of the current fix.
func (p *Parser) Fix() Fix { return p.fix }

// UTC returns a copy of the last RMC time.
func (p *Parser) UTC() UTCTime { return p.utc }

// Counters returns the sentence statistics.
func (p *Parser) Counters() Counters { return p.counters }

// FirstLockMs returns when the first valid fix was seen.
func (p *Parser) FirstLockMs() (uint32, bool) { return p.lockMs, p.locked }

// Feed copies raw UART bytes into the ring and returns how many fit. Bytes
// that do not fit are dropped and counted as an overflow.
func (p *Parser) Feed(b []byte) int {
	n := 0
	for _, c := range b {
		if p.count == RingSize {
			p.counters.Overflows++
			break
		}
		p.ring[p.head] = c
		p.head = (p.head + 1) % RingSize
		p.count++
		n++
	}
	return n
}

// Process parses every complete sentence in the ring.
func (p *Parser) Process(now uint32) {
	for p.count > 0 {
		c := p.ring[p.tail]
		p.tail = (p.tail + 1) % RingSize
		p.count--

		if c == '\n' || c == '\r' {
			if p.overlong {
				p.overlong = false
				p.lineLen = 0
				continue
			}
			if p.lineLen > 0 {
				p.handle(now, string(p.line[:p.lineLen]))
				p.lineLen = 0
			}
			continue
		}
		if p.overlong {
			continue
		}
		if p.lineLen == MaxSentence {
			p.overlong = true
			p.counters.Overflows++
			continue
		}
		p.line[p.lineLen] = c
		p.lineLen++
	}
}

// Pump drains whatever chunks are already waiting on src without blocking,
// parsing after each one.
func (p *Parser) Pump(now uint32, src <-chan []byte) {
	for {
		select {
		case chunk, ok := <-src:
			if !ok {
				return
			}
			for len(chunk) > 0 {
				n := p.Feed(chunk)
				p.Process(now)
				if n == 0 {
					break
				}
				chunk = chunk[n:]
			}
		default:
			return
		}
	}
}

// ParseSentence handles one sentence without a terminator, as if it had
// arrived on the UART.
func (p *Parser) ParseSentence(now uint32, s string) {
	p.handle(now, s)
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// validChecksum checks "$body*CC" and returns body.
func validChecksum(s string) (string, bool) {
	if len(s) < 4 || s[0] != '$' {
		return "", false
	}
	star := strings.LastIndexByte(s, '*')
	if star < 0 || star+3 > len(s) {
		return "", false
	}
	hi, ok1 := hexVal(s[star+1])
	lo, ok2 := hexVal(s[star+2])
	if !ok1 || !ok2 {
		return "", false
	}
	var sum byte
	for i := 1; i < star; i++ {
		sum ^= s[i]
	}
	if sum != hi<<4|lo {
		return "", false
	}
	return s[1:star], true
}

func (p *Parser) handle(now uint32, s string) {
	body, ok := validChecksum(s)
	if !ok {
		if len(s) > 0 && s[0] == '$' {
			p.counters.ChecksumFails++
			p.metrics.NMEAChecksumFailure()
		}
		return
	}
	fields := strings.Split(body, ",")
	if len(fields[0]) != 5 {
		p.counters.Unknown++
		return
	}
	p.counters.Sentences++
	kind := fields[0][2:]
	switch kind {
	case "GGA":
		p.counters.GGA++
		p.parseGGA(now, fields)
	case "RMC":
		p.counters.RMC++
		p.parseRMC(now, fields)
	case "GSA":
		p.counters.GSA++
		p.parseGSA(now, fields)
	case "GSV":
		p.counters.GSV++
		if f := field(fields, 3); f != "" {
			p.fix.SatsInView = atoi(f, 0)
		}
	case "VTG":
		p.counters.VTG++
		if f := field(fields, 1); f != "" {
			p.fix.CourseDeg = atof(f, p.fix.CourseDeg)
		}
		if f := field(fields, 7); f != "" {
			p.fix.SpeedKmh = atof(f, p.fix.SpeedKmh)
		}
	default:
		p.counters.Unknown++
		return
	}
	p.metrics.NMEASentence(kind)
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func atoi(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}

func atof(s string, def float64) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return def
}

// degMin converts NMEA ddmm.mmmm to decimal degrees.
func degMin(raw float64) float64 {
	deg := float64(int(raw / 100))
	return deg + (raw-deg*100)/60.0
}

func (p *Parser) parseGGA(now uint32, f []string) {
	p.fix.Quality = atoi(field(f, 6), 0)
	p.fix.Satellites = atoi(field(f, 7), 0)
	p.fix.HDOP = atof(field(f, 8), noDOP)
	p.fix.AltitudeM = atof(field(f, 9), 0)
	p.fix.GeoidSepM = atof(field(f, 11), 0)

	if lat := field(f, 2); lat != "" {
		p.fix.Lat = degMin(atof(lat, 0))
		if field(f, 3) == "S" {
			p.fix.Lat = -p.fix.Lat
		}
	}
	if lon := field(f, 4); lon != "" {
		p.fix.Lon = degMin(atof(lon, 0))
		if field(f, 5) == "W" {
			p.fix.Lon = -p.fix.Lon
		}
	}
	p.fix.Valid = p.fix.Quality > 0
	p.fix.LastGGAMs = now
	p.fix.LastUpdateMs = now
	if p.fix.Valid && !p.locked {
		p.lockMs, p.locked = now, true
	}
}

func twoDigits(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

func digits(s string, n int) bool {
	if len(s) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseRMC takes speed and course only from an active (A) sentence. A void
// (V) sentence clears the fix until the next GGA reports one.
func (p *Parser) parseRMC(now uint32, f []string) {
	switch field(f, 2) {
	case "V":
		p.fix.Valid = false
		p.fix.SpeedKnots, p.fix.SpeedKmh = 0, 0
	default:
		if s := field(f, 7); s != "" {
			p.fix.SpeedKnots = atof(s, 0)
			p.fix.SpeedKmh = p.fix.SpeedKnots * knotsToKmh
		}
		if c := field(f, 8); c != "" {
			p.fix.CourseDeg = atof(c, 0)
		}
	}
	if t := field(f, 1); digits(t, 6) {
		p.utc.Hour = twoDigits(t[0:2])
		p.utc.Minute = twoDigits(t[2:4])
		p.utc.Second = twoDigits(t[4:6])
		if len(t) > 7 {
			p.utc.Centisecond = atoi(t[7:], 0)
		}
	}
	if d := field(f, 9); digits(d, 6) {
		p.utc.Day = twoDigits(d[0:2])
		p.utc.Month = twoDigits(d[2:4])
		p.utc.Year = 2000 + twoDigits(d[4:6])
		p.utc.Valid = true
		p.utc.LastSeenMs = now
	}
	p.fix.LastRMCMs = now
}

func (p *Parser) parseGSA(now uint32, f []string) {
	if m := field(f, 2); m != "" {
		p.fix.Mode = FixMode(atoi(m, int(FixNone)))
	}
	p.fix.PDOP = atof(field(f, 15), noDOP)
	if h := field(f, 16); h != "" {
		p.fix.HDOP = atof(h, p.fix.HDOP)
	}
	p.fix.VDOP = atof(field(f, 17), noDOP)
	p.fix.LastGSAMs = now
}

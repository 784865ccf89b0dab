// Package healthlog keeps the device-facing health log: a fixed ring of the
// most recent entries with severity, category and an operator
// acknowledgment state.
package healthlog

import (
	"errors"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/nvs"
)

const (
	// Capacity is the number of entries retained.
	Capacity   = 100
	MaxMessage = 80
	MaxDetail  = 48

	keyLogSeq = "logseq"
)

// ErrNotFound is returned when an entry is no longer in the ring.
var ErrNotFound = errors.New("healthlog: entry not found")

// Level is the severity of an entry.
type Level uint8

const (
	Debug Level = iota
	Info
	Notice
	Warning
	Error
	Critical
	Alert
	Tamper
)

var levelNames = [...]string{"DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL", "ALERT", "TAMPER"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, bool) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), true
		}
	}
	return 0, false
}

// Category groups entries by subsystem.
type Category uint8

const (
	System Category = iota
	Crypto
	Chain
	GPS
	Storage
	Network
	Sensor
	User
	Witness
	Mesh
	Bluetooth
	Chirp
	RF
)

var categoryNames = [...]string{"system", "crypto", "chain", "gps", "storage", "network",
	"sensor", "user", "witness", "mesh", "bluetooth", "chirp", "rf"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// AckStatus is the operator review state of an entry.
type AckStatus uint8

const (
	Unread AckStatus = iota
	Reviewed
	Acknowledged
	Archived
)

var ackNames = [...]string{"unread", "reviewed", "acknowledged", "archived"}

func (a AckStatus) String() string {
	if int(a) < len(ackNames) {
		return ackNames[a]
	}
	return "unknown"
}

// ParseAck maps a status name to an AckStatus.
func ParseAck(s string) (AckStatus, bool) {
	for i, n := range ackNames {
		if n == s {
			return AckStatus(i), true
		}
	}
	return 0, false
}

// Entry is one health log record. Message and Detail never change after
// insertion; only Ack does.
type Entry struct {
	Seq         uint32
	TimestampMs uint32
	Level       Level
	Category    Category
	Ack         AckStatus
	Message     string
	Detail      string
}

// Ring is the fixed-capacity health log.
type Ring struct {
	mu       sync.Mutex
	entries  [Capacity]Entry
	head     int // next write slot
	count    int
	seq      uint32
	unacked  int
	minLevel Level

	store   *nvs.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New returns a ring whose sequence continues from the value persisted in
// store. store, logger and m may be nil.
func New(store *nvs.Store, logger *zap.Logger, m *metrics.Metrics) *Ring {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Ring{minLevel: Info, store: store, logger: logger.Named("health"), metrics: m}
	if store != nil {
		if h, err := store.OpenRO(nvs.NamespaceCore); err == nil {
			r.seq = h.GetU32(keyLogSeq, 0)
			_ = h.Close()
		}
	}
	return r
}

// SetMinLevel sets the lowest level that is stored. Debug entries are
// dropped by default.
func (r *Ring) SetMinLevel(l Level) {
	r.mu.Lock()
	r.minLevel = l
	r.mu.Unlock()
}

// MinLevel returns the lowest stored level.
func (r *Ring) MinLevel() Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minLevel
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func countsUnacked(e *Entry) bool {
	return e.Level >= Warning && e.Ack == Unread
}

// Log stores an entry and returns its sequence number. Entries below the
// minimum level are not stored and report false. Logging to a nil ring is a
// no-op.
func (r *Ring) Log(now uint32, lvl Level, cat Category, msg, detail string) (uint32, bool) {
	if r == nil {
		return 0, false
	}
	r.mirror(lvl, cat, msg, detail)

	r.mu.Lock()
	if lvl < r.minLevel {
		r.mu.Unlock()
		return 0, false
	}
	r.seq++
	slot := &r.entries[r.head]
	if r.count == Capacity && countsUnacked(slot) {
		r.unacked--
	}
	*slot = Entry{
		Seq:         r.seq,
		TimestampMs: now,
		Level:       lvl,
		Category:    cat,
		Ack:         Unread,
		Message:     truncate(msg, MaxMessage),
		Detail:      truncate(detail, MaxDetail),
	}
	if countsUnacked(slot) {
		r.unacked++
	}
	r.head = (r.head + 1) % Capacity
	if r.count < Capacity {
		r.count++
	}
	seq, unacked := r.seq, r.unacked
	r.mu.Unlock()

	r.metrics.SetHealthUnacked(unacked)
	r.persistSeq(seq)
	return seq, true
}

func (r *Ring) persistSeq(seq uint32) {
	if r.store == nil {
		return
	}
	h, err := r.store.OpenRW(nvs.NamespaceCore)
	if err != nil {
		r.logger.Warn("open nvs for logseq", zap.Error(err))
		return
	}
	_ = h.PutU32(keyLogSeq, seq)
	if err := h.Close(); err != nil {
		r.logger.Warn("persist logseq", zap.Error(err))
	}
}

func (r *Ring) mirror(lvl Level, cat Category, msg, detail string) {
	fields := []zap.Field{zap.Stringer("category", cat)}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	switch {
	case lvl == Debug:
		r.logger.Debug(msg, fields...)
	case lvl <= Notice:
		r.logger.Info(msg, fields...)
	case lvl == Warning:
		r.logger.Warn(msg, fields...)
	default:
		r.logger.Error(msg, append(fields, zap.Stringer("level", lvl))...)
	}
}

// slotOf returns the ring slot of seq, or -1.
func (r *Ring) slotOf(seq uint32) int {
	if r.count == 0 || seq == 0 || seq > r.seq || r.seq-seq >= uint32(r.count) {
		return -1
	}
	back := int(r.seq - seq)
	return (r.head - 1 - back + Capacity) % Capacity
}

// Get returns the entry with sequence seq if it is still retained.
func (r *Ring) Get(seq uint32) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.slotOf(seq)
	if i < 0 {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Ack sets the acknowledgment state of one entry.
func (r *Ring) Ack(seq uint32, status AckStatus) error {
	r.mu.Lock()
	i := r.slotOf(seq)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	e := &r.entries[i]
	was := countsUnacked(e)
	e.Ack = status
	now := countsUnacked(e)
	switch {
	case was && !now:
		r.unacked--
	case !was && now:
		r.unacked++
	}
	unacked := r.unacked
	r.mu.Unlock()
	r.metrics.SetHealthUnacked(unacked)
	return nil
}

// AckAll moves every unread entry to status and returns how many changed.
func (r *Ring) AckAll(status AckStatus) int {
	r.mu.Lock()
	n := 0
	for i := 0; i < r.count; i++ {
		e := &r.entries[i]
		if e.Ack != Unread || status == Unread {
			continue
		}
		if countsUnacked(e) {
			r.unacked--
		}
		e.Ack = status
		n++
	}
	unacked := r.unacked
	r.mu.Unlock()
	r.metrics.SetHealthUnacked(unacked)
	return n
}

// Entries returns retained entries at or above min, oldest first.
func (r *Ring) Entries(min Level) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	start := (r.head - r.count + Capacity) % Capacity
	for k := 0; k < r.count; k++ {
		e := r.entries[(start+k)%Capacity]
		if e.Level >= min {
			out = append(out, e)
		}
	}
	return out
}

// Unacked returns the number of unread entries at WARNING or above.
func (r *Ring) Unacked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unacked
}

// Count returns the number of retained entries.
func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Seq returns the last assigned sequence number.
func (r *Ring) Seq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

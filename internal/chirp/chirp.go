// Package chirp is the community witness channel: anonymous, template-only
// alerts exchanged between nearby devices.
//
// A device joins the channel under an ephemeral session key that is
// unrelated to its device identity and is destroyed on disable. Sending is
// human-initiated and rate limited by escalating cooldowns. A received
// chirp is relayed, at most three hops, only after enough people have
// confirmed witnessing it.
package chirp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/nvs"
	"github.com/kmay89/securacv-canary/internal/radio"
)

// Channel timing and limits.
const (
	PresenceIntervalMs = 60000
	NearbyTimeoutMs    = 180000
	MaxNearby          = 16
	PresenceRequiredMs = 600000
	CooldownResetMs    = 24 * 60 * 60 * 1000
	MaxHops            = 3
	MaxRelaysPerMinute = 10
	NonceCacheSize     = 100
	MaxRecent          = 32
	RecentTTLMs        = 30 * 60 * 1000
	PruneIntervalMs    = 30000
	DefaultTTLMinutes  = 15

	// MessageTTLS and FutureToleranceS bound frame timestamps, in seconds.
	MessageTTLS      = 300
	FutureToleranceS = 30

	// SuppressVotes is the number of RESOLVED votes needed to suppress a
	// chirp, provided they are at least as many as the confirmations.
	SuppressVotes = 2

	maxVoters = 8

	keyRelay  = "chirp_relay"
	keyFilter = "chirp_filter"
)

// Cooldown after the first, second, third and any later chirp in the
// reset window.
var cooldownTiers = [4]uint32{5 * 60000, 15 * 60000, 60 * 60000, 240 * 60000}

var (
	ErrNotFound         = errors.New("chirp: no such chirp")
	ErrAlreadyConfirmed = errors.New("chirp: already confirmed")
	ErrInvalidMute      = errors.New("chirp: mute must be 15, 30, 60 or 120 minutes")
	ErrInvalidFilter    = errors.New("chirp: invalid urgency filter")
	ErrNoTransport      = errors.New("chirp: no radio")
)

// State is the channel state.
type State uint8

const (
	Disabled State = iota
	Initializing
	Active
	Cooldown
	Muted
)

var stateNames = [...]string{"disabled", "initializing", "active", "cooldown", "muted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Nearby is a device heard sending presence beacons.
type Nearby struct {
	Session    SessionID
	Emoji      string
	RSSI       int8
	LastSeenMs uint32
	Listening  bool
}

// Received is a chirp heard from another session.
type Received struct {
	Sender       SessionID
	SenderEmoji  string
	Template     TemplateID
	Detail       Detail
	Category     Category
	Urgency      Urgency
	HopCount     uint8
	TTLMinutes   uint8
	ReceivedMs   uint32
	Timestamp    uint32
	Nonce        Nonce
	ConfirmCount uint8
	DismissCount uint8
	Validated    bool
	Relayed      bool
	Dismissed    bool
	Suppressed   bool

	raw        []byte
	confirmers []SessionID
	dismissers []SessionID
}

// Message is the display text of the chirp.
func (r *Received) Message() string { return Message(r.Template, r.Detail) }

// Counters are cumulative since boot.
type Counters struct {
	Sent         uint32
	Received     uint32
	Relayed      uint32
	Duplicates   uint32
	BadSignature uint32
	Dropped      uint32
	AcksRx       uint32
	SendErrors   uint32
}

// Status is a snapshot for the operator surface.
type Status struct {
	State               State
	SessionEmoji        string
	SessionID           string
	NearbyCount         int
	RecentCount         int
	LastSentMs          uint32
	CooldownTier        int
	CooldownRemainingMs uint32
	RelayEnabled        bool
	UrgencyFilter       Urgency
	Muted               bool
	MuteRemainingMs     uint32
	PresenceMet         bool
	CanSend             bool
	Counters            Counters
}

// Config parameterizes New.
type Config struct {
	Transport radio.Transport
	Store     *nvs.Store
	Health    *healthlog.Ring
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// Clock returns the frame timestamp in seconds. Defaults to the
	// millisecond clock divided by 1000.
	Clock func() uint32
	// LocalHour returns the local hour of day, and false when unknown.
	// Defaults to the host wall clock.
	LocalHour func() (int, bool)
	// OnChirp is called for every stored chirp with the channel lock held.
	OnChirp func(Received)
}

// Channel is the chirp channel. It is safe for concurrent use.
type Channel struct {
	mu sync.Mutex

	tr        radio.Transport
	store     *nvs.Store
	health    *healthlog.Ring
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() uint32
	localHour func() (int, bool)
	onChirp   func(Received)

	state   State
	session session
	relay   bool
	filter  Urgency

	sends      []uint32
	lastSentMs uint32

	muted     bool
	mutedAtMs uint32
	muteMs    uint32

	lastPresenceMs uint32
	lastPruneMs    uint32
	relayWindowMs  uint32
	relaysInWindow int

	nearby     *lru.Cache[SessionID, Nearby]
	recent     []*Received
	nonces     [NonceCacheSize]Nonce
	nonceHead  int
	nonceCount int

	counters Counters
}

// New loads the relay and filter settings. The channel starts disabled.
func New(cfg Config, now uint32) (*Channel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nearby, err := lru.New[SessionID, Nearby](MaxNearby)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		tr:        cfg.Transport,
		store:     cfg.Store,
		health:    cfg.Health,
		logger:    logger.Named("chirp"),
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		localHour: cfg.LocalHour,
		onChirp:   cfg.OnChirp,
		relay:     true,
		nearby:    nearby,
	}
	if c.localHour == nil {
		c.localHour = func() (int, bool) { return time.Now().Hour(), true }
	}
	h, err := c.store.OpenRO(nvs.NamespaceChirp)
	if err != nil {
		return nil, fmt.Errorf("open chirp store: %w", err)
	}
	c.relay = h.GetU8(keyRelay, 1) != 0
	if f := Urgency(h.GetU8(keyFilter, uint8(Info))); f <= Urgent {
		c.filter = f
	}
	_ = h.Close()
	c.health.Log(now, healthlog.Info, healthlog.Chirp, "chirp channel initialized", "")
	return c, nil
}

func (c *Channel) saveSettingsLocked() error {
	h, err := c.store.OpenRW(nvs.NamespaceChirp)
	if err != nil {
		return err
	}
	relay := uint8(0)
	if c.relay {
		relay = 1
	}
	_ = h.PutU8(keyRelay, relay)
	_ = h.PutU8(keyFilter, uint8(c.filter))
	return h.Close()
}

func (c *Channel) timestamp(now uint32) uint32 {
	if c.clock != nil {
		return c.clock()
	}
	return now / 1000
}

func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

// Enable starts a fresh session. Any previous session is already gone.
func (c *Channel) Enable(now uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disabled {
		return nil
	}
	c.setState(Initializing)
	s, err := newSession(now)
	if err != nil {
		c.setState(Disabled)
		return fmt.Errorf("chirp session: %w", err)
	}
	c.session = s
	c.sends = nil
	c.lastSentMs = 0
	c.lastPruneMs = now
	c.setState(Active)
	c.health.Log(now, healthlog.Info, healthlog.Chirp, "chirp: new session identity generated", s.emoji)
	c.sendPresenceLocked(now)
	return nil
}

// Disable destroys the session and forgets everything heard under it.
func (c *Channel) Disable(now uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disabled {
		return
	}
	c.session.wipe()
	c.nearby.Purge()
	c.recent = nil
	c.nonces = [NonceCacheSize]Nonce{}
	c.nonceHead, c.nonceCount = 0, 0
	c.muted = false
	c.setState(Disabled)
	c.health.Log(now, healthlog.Info, healthlog.Chirp, "chirp channel disabled", "")
}

// Enabled reports whether a session is live.
func (c *Channel) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Disabled
}

// Update runs the periodic work: mute and cooldown expiry, presence
// beacons and pruning.
func (c *Channel) Update(now uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disabled {
		return
	}
	c.refreshStateLocked(now)
	if now-c.lastPresenceMs >= PresenceIntervalMs {
		c.sendPresenceLocked(now)
	}
	if now-c.lastPruneMs >= PruneIntervalMs {
		c.lastPruneMs = now
		c.pruneLocked(now)
	}
}

func (c *Channel) mutedLocked(now uint32) bool {
	if c.muted && now-c.mutedAtMs >= c.muteMs {
		c.muted = false
	}
	return c.muted
}

func (c *Channel) refreshStateLocked(now uint32) {
	if c.state == Disabled || c.state == Initializing {
		return
	}
	switch {
	case c.mutedLocked(now):
		c.setState(Muted)
	case c.cooldownRemainingLocked(now) > 0:
		c.setState(Cooldown)
	default:
		c.setState(Active)
	}
}

func (c *Channel) pruneLocked(now uint32) {
	for _, k := range c.nearby.Keys() {
		if n, ok := c.nearby.Peek(k); ok && now-n.LastSeenMs >= NearbyTimeoutMs {
			c.nearby.Remove(k)
		}
	}
	kept := c.recent[:0]
	for _, r := range c.recent {
		if !r.Dismissed && now-r.ReceivedMs < RecentTTLMs {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(c.recent); i++ {
		c.recent[i] = nil
	}
	c.recent = kept
}

func (c *Channel) newHeader(now uint32, t MsgType) (header, error) {
	h := header{Type: t, Session: c.session.id, Timestamp: c.timestamp(now)}
	err := cvcrypto.Fill(h.Nonce[:])
	return h, err
}

func (c *Channel) broadcastLocked(frame []byte) error {
	var err error
	if c.tr == nil {
		err = ErrNoTransport
	} else {
		err = c.tr.Broadcast(frame)
	}
	if err != nil {
		c.counters.SendErrors++
		c.logger.Warn("broadcast failed", zap.Error(err))
	}
	return err
}

func (c *Channel) sendPresenceLocked(now uint32) {
	c.lastPresenceMs = now
	h, err := c.newHeader(now, MsgPresence)
	if err != nil {
		return
	}
	p := presence{
		Emoji:     c.session.emoji,
		Listening: c.state == Active || c.state == Cooldown,
		AgeMin:    255,
	}
	if len(c.sends) > 0 {
		if age := (now - c.lastSentMs) / 60000; age < 255 {
			p.AgeMin = uint8(age)
		} else {
			p.AgeMin = 254
		}
	}
	b := h.appendBinary(make([]byte, 0, HeaderSize+presenceSize))
	_ = c.broadcastLocked(p.appendBinary(b))
}

// Mute discards received chirps for the given number of minutes and lets
// neighbours know.
func (c *Channel) Mute(now uint32, minutes int) error {
	switch minutes {
	case 15, 30, 60, 120:
	default:
		return ErrInvalidMute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disabled {
		return &RefusalError{Reason: ReasonDisabled}
	}
	c.muted = true
	c.mutedAtMs = now
	c.muteMs = uint32(minutes) * 60000
	if h, err := c.newHeader(now, MsgMute); err == nil {
		b := h.appendBinary(make([]byte, 0, HeaderSize+muteSize))
		_ = c.broadcastLocked(append(b, byte(minutes), muteReasonUnset))
	}
	c.setState(Muted)
	c.health.Log(now, healthlog.Info, healthlog.Chirp, fmt.Sprintf("chirp muted for %d min", minutes), "")
	return nil
}

// Unmute ends a mute early.
func (c *Channel) Unmute(now uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = false
	c.refreshStateLocked(now)
}

// SetRelay turns relaying of validated chirps on or off.
func (c *Channel) SetRelay(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relay = on
	return c.saveSettingsLocked()
}

// SetUrgencyFilter drops received chirps below u.
func (c *Channel) SetUrgencyFilter(u Urgency) error {
	if u > Urgent {
		return ErrInvalidFilter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = u
	return c.saveSettingsLocked()
}

// Status returns a snapshot of the channel.
func (c *Channel) Status(now uint32) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:               c.state,
		NearbyCount:         c.nearby.Len(),
		LastSentMs:          c.lastSentMs,
		CooldownTier:        c.tierLocked(now),
		CooldownRemainingMs: c.cooldownRemainingLocked(now),
		RelayEnabled:        c.relay,
		UrgencyFilter:       c.filter,
		Muted:               c.mutedLocked(now),
		Counters:            c.counters,
	}
	for _, r := range c.recent {
		if !r.Dismissed {
			s.RecentCount++
		}
	}
	if c.state != Disabled {
		s.SessionEmoji = c.session.emoji
		s.SessionID = c.session.id.String()
		s.PresenceMet = now-c.session.createdMs >= PresenceRequiredMs
		s.CanSend = c.refusalLocked(now) == nil
	}
	if s.Muted {
		s.MuteRemainingMs = c.muteMs - (now - c.mutedAtMs)
	}
	return s
}

// NearbyDevices lists devices heard recently, least recently updated
// first.
func (c *Channel) NearbyDevices() []Nearby {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nearby.Values()
}

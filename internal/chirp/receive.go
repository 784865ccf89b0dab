package chirp

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/radio"
)

func (c *Channel) seenLocked(n Nonce) bool {
	for i := 0; i < c.nonceCount; i++ {
		if c.nonces[i] == n {
			return true
		}
	}
	return false
}

func (c *Channel) cacheNonceLocked(n Nonce) {
	c.nonces[c.nonceHead] = n
	c.nonceHead = (c.nonceHead + 1) % NonceCacheSize
	if c.nonceCount < NonceCacheSize {
		c.nonceCount++
	}
}

func (c *Channel) freshLocked(now, ts uint32) bool {
	local := c.timestamp(now)
	if ts > local {
		return ts-local <= FutureToleranceS
	}
	return local-ts <= MessageTTLS
}

// Handle processes one received radio frame. Frames that are not chirps
// are ignored.
func (c *Channel) Handle(now uint32, f radio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disabled {
		return
	}
	h, err := parseHeader(f.Data)
	if err != nil {
		c.logger.Debug("drop frame", zap.Error(err))
		return
	}
	body := f.Data[HeaderSize:]
	switch h.Type {
	case MsgPresence:
		c.onPresenceLocked(now, h, body, f.RSSI)
	case MsgWitness:
		c.onWitnessLocked(now, h, body, f.Data)
	case MsgAck:
		c.onAckLocked(now, h, body)
	case MsgMute:
		c.logger.Debug("neighbour muted", zap.Stringer("session", h.Session))
	default:
		c.logger.Debug("unknown chirp type", zap.Uint8("type", uint8(h.Type)))
	}
}

func (c *Channel) onPresenceLocked(now uint32, h header, body []byte, rssi int8) {
	p, err := parsePresence(body)
	if err != nil || h.Session == c.session.id {
		return
	}
	c.nearby.Add(h.Session, Nearby{
		Session:    h.Session,
		Emoji:      Emoji(h.Session),
		RSSI:       rssi,
		LastSeenMs: now,
		Listening:  p.Listening,
	})
}

func (c *Channel) onWitnessLocked(now uint32, h header, body, raw []byte) {
	w, err := parseWitness(body)
	if err != nil {
		return
	}
	if c.seenLocked(h.Nonce) {
		c.counters.Duplicates++
		return
	}
	d := witnessDigest(h.Nonce, w.Category, w.Urgency, w.Template, w.Detail)
	if sessionIDOf(w.Pubkey) != h.Session || !cvcrypto.Verify(w.Pubkey, d[:], w.Sig) {
		c.counters.BadSignature++
		c.metrics.VerifyFailure()
		c.health.Log(now, healthlog.Warning, healthlog.Chirp, "chirp signature invalid", h.Session.String())
		return
	}
	c.cacheNonceLocked(h.Nonce)

	t, ok := templates[w.Template]
	switch {
	case !c.freshLocked(now, h.Timestamp):
		c.logger.Debug("stale chirp", zap.Stringer("nonce", h.Nonce))
	case !ok || t.Category != w.Category || w.Urgency > Urgent:
		c.logger.Debug("invalid chirp template", zap.Uint8("template", uint8(w.Template)))
	case w.Urgency < c.filter:
	case c.mutedLocked(now):
	case h.Session == c.session.id:
		return
	default:
		c.storeLocked(now, h, w, t, raw)
		return
	}
	c.counters.Dropped++
}

func (c *Channel) storeLocked(now uint32, h header, w witness, t Template, raw []byte) {
	r := &Received{
		Sender:       h.Session,
		SenderEmoji:  Emoji(h.Session),
		Template:     w.Template,
		Detail:       w.Detail,
		Category:     t.Category,
		Urgency:      w.Urgency,
		HopCount:     h.Hops,
		TTLMinutes:   w.TTLMinutes,
		ReceivedMs:   now,
		Timestamp:    h.Timestamp,
		Nonce:        h.Nonce,
		ConfirmCount: max(w.ConfirmCount, 1),
		raw:          append([]byte(nil), raw...),
		confirmers:   []SessionID{h.Session},
	}
	if r.TTLMinutes == 0 {
		r.TTLMinutes = DefaultTTLMinutes
	}
	r.Validated = r.ConfirmCount >= t.Category.RequiredConfirmations()
	if len(c.recent) >= MaxRecent {
		c.recent[0] = nil
		c.recent = c.recent[1:]
	}
	c.recent = append(c.recent, r)
	c.counters.Received++
	c.metrics.ChirpReceived()

	lvl := healthlog.Info
	if r.Urgency == Urgent {
		lvl = healthlog.Notice
	}
	c.health.Log(now, lvl, healthlog.Chirp,
		fmt.Sprintf("chirp received: %s (%s)", r.Category, r.Urgency), r.Message())
	if c.onChirp != nil {
		c.onChirp(r.snapshot())
	}
	c.maybeRelayLocked(now, r)
}

func (c *Channel) onAckLocked(now uint32, h header, body []byte) {
	a, err := parseAck(body)
	if err != nil || c.seenLocked(h.Nonce) {
		return
	}
	c.cacheNonceLocked(h.Nonce)
	if h.Session == c.session.id || !c.freshLocked(now, h.Timestamp) {
		return
	}
	c.counters.AcksRx++
	r := c.findLocked(a.Original)
	if r == nil {
		return
	}
	switch a.Type {
	case AckConfirmed:
		if c.voteLocked(&r.confirmers, h.Session) {
			c.confirmedLocked(now, r)
		}
	case AckResolved:
		if c.voteLocked(&r.dismissers, h.Session) {
			c.resolvedLocked(r)
		}
	}
}

// voteLocked records one vote per session and reports whether it counted.
func (c *Channel) voteLocked(voters *[]SessionID, s SessionID) bool {
	for _, v := range *voters {
		if v == s {
			return false
		}
	}
	if len(*voters) < maxVoters {
		*voters = append(*voters, s)
	}
	return true
}

func (c *Channel) confirmedLocked(now uint32, r *Received) {
	if r.ConfirmCount < 255 {
		r.ConfirmCount++
	}
	r.Validated = r.ConfirmCount >= r.Category.RequiredConfirmations()
	r.Suppressed = r.DismissCount >= SuppressVotes && r.DismissCount >= r.ConfirmCount
	c.maybeRelayLocked(now, r)
}

func (c *Channel) resolvedLocked(r *Received) {
	if r.DismissCount < 255 {
		r.DismissCount++
	}
	r.Suppressed = r.DismissCount >= SuppressVotes && r.DismissCount >= r.ConfirmCount
}

func (c *Channel) findLocked(n Nonce) *Received {
	for _, r := range c.recent {
		if r.Nonce == n {
			return r
		}
	}
	return nil
}

func (c *Channel) sendAckLocked(now uint32, n Nonce, t AckType) {
	h, err := c.newHeader(now, MsgAck)
	if err != nil {
		return
	}
	c.cacheNonceLocked(h.Nonce)
	b := h.appendBinary(make([]byte, 0, HeaderSize+ackSize))
	_ = c.broadcastLocked(ack{Original: n, Type: t}.appendBinary(b))
}

// Confirm records that the operator also witnessed the chirp. Neighbours
// are told, and the chirp is relayed if this validates it.
func (c *Channel) Confirm(now uint32, n Nonce) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disabled {
		return &RefusalError{Reason: ReasonDisabled}
	}
	r := c.findLocked(n)
	if r == nil {
		return ErrNotFound
	}
	if !c.voteLocked(&r.confirmers, c.session.id) {
		return ErrAlreadyConfirmed
	}
	c.sendAckLocked(now, n, AckConfirmed)
	c.confirmedLocked(now, r)
	c.health.Log(now, healthlog.Info, healthlog.Chirp, "chirp confirmed", r.Message())
	return nil
}

// Resolve votes that the situation is over. Enough votes suppress the
// chirp everywhere.
func (c *Channel) Resolve(now uint32, n Nonce) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disabled {
		return &RefusalError{Reason: ReasonDisabled}
	}
	r := c.findLocked(n)
	if r == nil {
		return ErrNotFound
	}
	if c.voteLocked(&r.dismissers, c.session.id) {
		c.sendAckLocked(now, n, AckResolved)
		c.resolvedLocked(r)
	}
	return nil
}

// Dismiss hides a chirp locally. Nothing is sent.
func (c *Channel) Dismiss(n Nonce) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.findLocked(n)
	if r == nil {
		return ErrNotFound
	}
	r.Dismissed = true
	return nil
}

// DismissAll hides every received chirp.
func (c *Channel) DismissAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.recent {
		r.Dismissed = true
	}
}

// Recent lists received chirps that are not dismissed, oldest first.
func (c *Channel) Recent() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Received, 0, len(c.recent))
	for _, r := range c.recent {
		if !r.Dismissed {
			out = append(out, r.snapshot())
		}
	}
	return out
}

func (r *Received) snapshot() Received {
	s := *r
	s.raw, s.confirmers, s.dismissers = nil, nil, nil
	return s
}

func (c *Channel) relayAllowedLocked(now uint32) bool {
	if now-c.relayWindowMs >= 60000 {
		c.relayWindowMs = now
		c.relaysInWindow = 0
	}
	return c.relaysInWindow < MaxRelaysPerMinute
}

// maybeRelayLocked forwards a validated chirp one more hop. The original
// signed fields are untouched, so the frame still verifies downstream.
func (c *Channel) maybeRelayLocked(now uint32, r *Received) {
	if !c.relay || !r.Validated || r.Relayed || r.Suppressed || r.HopCount >= MaxHops {
		return
	}
	if !c.relayAllowedLocked(now) {
		c.logger.Debug("relay rate limited", zap.Stringer("nonce", r.Nonce))
		return
	}
	frame := append([]byte(nil), r.raw...)
	frame[hopOffset] = r.HopCount + 1
	frame[confirmOffset] = r.ConfirmCount
	if err := c.broadcastLocked(frame); err != nil {
		return
	}
	r.Relayed = true
	c.relaysInWindow++
	c.counters.Relayed++
	c.metrics.ChirpRelayed()
	c.logger.Info("chirp relayed", zap.Stringer("nonce", r.Nonce), zap.Uint8("hop", r.HopCount+1))
}

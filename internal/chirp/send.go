package chirp

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/healthlog"
)

// Reason names why a send was refused.
type Reason string

const (
	ReasonDisabled        Reason = "disabled"
	ReasonWarmingUp       Reason = "warming_up"
	ReasonCooldown        Reason = "cooldown"
	ReasonInvalidTemplate Reason = "invalid_template"
	ReasonNightMode       Reason = "night_mode"
	ReasonMuted           Reason = "muted"
)

// RefusalError is returned when a chirp may not be sent right now.
type RefusalError struct {
	Reason       Reason
	RetryAfterMs uint32
}

func (e *RefusalError) Error() string {
	if e.RetryAfterMs > 0 {
		return fmt.Sprintf("chirp: refused (%s), retry in %ds", e.Reason, (e.RetryAfterMs+999)/1000)
	}
	return fmt.Sprintf("chirp: refused (%s)", e.Reason)
}

// IsRefusal reports whether err is a refusal for reason r.
func IsRefusal(err error, r Reason) bool {
	var re *RefusalError
	return errors.As(err, &re) && re.Reason == r
}

// cooldownFor is the wait after the tier-th chirp of the window.
func cooldownFor(tier int) uint32 {
	if tier < 1 {
		return 0
	}
	if tier > len(cooldownTiers) {
		tier = len(cooldownTiers)
	}
	return cooldownTiers[tier-1]
}

// tierLocked counts chirps sent in the last 24 hours.
func (c *Channel) tierLocked(now uint32) int {
	n := 0
	for _, t := range c.sends {
		if now-t < CooldownResetMs {
			n++
		}
	}
	return n
}

func (c *Channel) cooldownRemainingLocked(now uint32) uint32 {
	d := cooldownFor(c.tierLocked(now))
	if d == 0 {
		return 0
	}
	if el := now - c.lastSentMs; el < d {
		return d - el
	}
	return 0
}

func (c *Channel) recordSendLocked(now uint32) {
	c.sends = append(c.sends, now)
	if len(c.sends) > len(cooldownTiers) {
		c.sends = c.sends[len(c.sends)-len(cooldownTiers):]
	}
	c.lastSentMs = now
}

func (c *Channel) nightLocked() bool {
	h, ok := c.localHour()
	return ok && (h >= 22 || h < 6)
}

// refusalLocked checks everything that does not depend on the template.
func (c *Channel) refusalLocked(now uint32) *RefusalError {
	if c.state == Disabled || c.state == Initializing {
		return &RefusalError{Reason: ReasonDisabled}
	}
	if age := now - c.session.createdMs; age < PresenceRequiredMs {
		return &RefusalError{Reason: ReasonWarmingUp, RetryAfterMs: PresenceRequiredMs - age}
	}
	if rem := c.cooldownRemainingLocked(now); rem > 0 {
		return &RefusalError{Reason: ReasonCooldown, RetryAfterMs: rem}
	}
	if c.mutedLocked(now) {
		return &RefusalError{Reason: ReasonMuted, RetryAfterMs: c.muteMs - (now - c.mutedAtMs)}
	}
	return nil
}

// CanSend reports whether a daytime chirp would be accepted now.
func (c *Channel) CanSend(now uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refusalLocked(now) == nil
}

// CooldownRemaining is the time until the next chirp may be sent.
func (c *Channel) CooldownRemaining(now uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownRemainingLocked(now)
}

// Send broadcasts a signed witness chirp. ttlMinutes of zero selects the
// default display lifetime.
func (c *Channel) Send(now uint32, id TemplateID, u Urgency, d Detail, ttlMinutes uint8) (Nonce, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.refusalLocked(now); r != nil {
		return Nonce{}, r
	}
	t, ok := templates[id]
	if _, known := d.Text(); !ok || !known || u > Urgent {
		return Nonce{}, &RefusalError{Reason: ReasonInvalidTemplate}
	}
	if !t.NightAllowed && c.nightLocked() {
		return Nonce{}, &RefusalError{Reason: ReasonNightMode}
	}
	if ttlMinutes == 0 {
		ttlMinutes = DefaultTTLMinutes
	}

	h, err := c.newHeader(now, MsgWitness)
	if err != nil {
		return Nonce{}, err
	}
	w := witness{
		Category:     t.Category,
		Urgency:      u,
		ConfirmCount: 1,
		TTLMinutes:   ttlMinutes,
		Template:     id,
		Detail:       d,
		Pubkey:       c.session.pub,
	}
	w.Sig = c.session.sign(witnessDigest(h.Nonce, w.Category, u, id, d))
	frame := w.appendBinary(h.appendBinary(make([]byte, 0, HeaderSize+witnessSize)))
	if err := c.broadcastLocked(frame); err != nil {
		return Nonce{}, err
	}
	c.cacheNonceLocked(h.Nonce)
	c.recordSendLocked(now)
	c.counters.Sent++
	c.refreshStateLocked(now)
	c.logger.Info("chirp sent", zap.Stringer("category", t.Category), zap.Stringer("urgency", u), zap.Stringer("nonce", h.Nonce))
	c.health.Log(now, healthlog.Info, healthlog.Chirp,
		fmt.Sprintf("chirp sent: %s (%s)", t.Category, u), Message(id, d))
	return h.Nonce, nil
}

package witness

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

var (
	// ErrUnknownDevice is returned for a device that was never registered
	// when the collector requires pinned keys.
	ErrUnknownDevice = errors.New("witness: unknown device")
	// ErrKeyMismatch is returned when a batch carries a public key other
	// than the one registered for its device.
	ErrKeyMismatch = errors.New("witness: public key mismatch")
	// ErrDeviceID is returned for a batch whose device id is not of the
	// form produced by DeviceID.
	ErrDeviceID = errors.New("witness: malformed device id")
)

// ValidDeviceID reports whether id has the form "canary-" followed by six
// lowercase hex digits.
func ValidDeviceID(id string) bool {
	const prefix = "canary-"
	if len(id) != len(prefix)+6 || id[:len(prefix)] != prefix {
		return false
	}
	for _, r := range id[len(prefix):] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// DeviceHead is the collector's view of one device chain.
type DeviceHead struct {
	DeviceID  string             `json:"device_id"`
	PublicKey cvcrypto.PublicKey `json:"-"`
	Seq       uint32             `json:"seq"`
	Head      cvcrypto.Hash      `json:"-"`
	Records   uint64             `json:"records"`
}

// Collector receives exported batches and checks that each one continues
// the chain it has already accepted for that device.
type Collector struct {
	mu      sync.Mutex
	devices map[string]*DeviceHead
	// Pinned rejects devices that were not registered up front.
	Pinned bool
	// OpenArchive, when set, returns the archive accepted records of a
	// device are appended to.
	OpenArchive func(deviceID string) (Archive, error)
	archives    map[string]Archive
	logger      *zap.Logger
}

// NewCollector returns an empty collector.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		devices:  make(map[string]*DeviceHead),
		archives: make(map[string]Archive),
		logger:   logger.Named("collector"),
	}
}

// Register pins the public key of a device whose chain starts at genesis.
func (c *Collector) Register(deviceID string, pub cvcrypto.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[deviceID] = &DeviceHead{DeviceID: deviceID, PublicKey: pub, Head: Genesis(deviceID)}
}

// Ingest verifies b and advances the device head. Records at or below the
// accepted head are skipped so a batch may be resent. An unpinned device
// seen for the first time is anchored at its first record's prev hash, or
// at genesis when that record is seq 1.
func (c *Collector) Ingest(b Batch) (int, error) {
	if !ValidDeviceID(b.DeviceID) {
		return 0, ErrDeviceID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[b.DeviceID]
	if !ok {
		if c.Pinned {
			return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, b.DeviceID)
		}
		d = &DeviceHead{DeviceID: b.DeviceID, PublicKey: b.PublicKey, Head: Genesis(b.DeviceID)}
		if len(b.Records) > 0 && b.Records[0].Seq > 1 {
			d.Seq = b.Records[0].Seq - 1
			d.Head = b.Records[0].PrevHash
		}
	} else if d.PublicKey != b.PublicKey {
		return 0, ErrKeyMismatch
	}

	recs := b.Records
	for len(recs) > 0 && recs[0].Seq <= d.Seq {
		recs = recs[1:]
	}
	final, err := VerifyChain(d.PublicKey, d.Head, d.Seq, recs)
	if err != nil {
		c.logger.Warn("batch rejected", zap.String("device_id", b.DeviceID), zap.Error(err))
		return 0, err
	}
	if len(recs) == 0 {
		c.devices[b.DeviceID] = d
		return 0, nil
	}

	if c.OpenArchive != nil {
		a, err := c.archiveFor(b.DeviceID)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			if err := a.Append(r); err != nil {
				return 0, fmt.Errorf("archive seq %d: %w", r.Seq, err)
			}
		}
	}

	d.Seq = recs[len(recs)-1].Seq
	d.Head = final
	d.Records += uint64(len(recs))
	c.devices[b.DeviceID] = d
	c.logger.Debug("batch accepted", zap.String("device_id", b.DeviceID), zap.Uint32("seq", d.Seq), zap.Int("records", len(recs)))
	return len(recs), nil
}

func (c *Collector) archiveFor(deviceID string) (Archive, error) {
	if a, ok := c.archives[deviceID]; ok {
		return a, nil
	}
	a, err := c.OpenArchive(deviceID)
	if err != nil {
		return nil, fmt.Errorf("open archive for %s: %w", deviceID, err)
	}
	c.archives[deviceID] = a
	return a, nil
}

// Head returns the accepted head of a device.
func (c *Collector) Head(deviceID string) (DeviceHead, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return DeviceHead{}, false
	}
	return *d, true
}

// Devices returns all known device heads ordered by id.
func (c *Collector) Devices() []DeviceHead {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceHead, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Close closes every archive opened by the collector.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, a := range c.archives {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive %s: %w", id, err))
		}
	}
	c.archives = map[string]Archive{}
	return errors.Join(errs...)
}

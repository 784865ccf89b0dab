// Package witness implements the per-device witness chain: every observation
// is hashed, linked to the previous record, signed with the device key and
// self-verified. The chain head is snapshotted to NVS periodically and every
// record may be appended to an archive and exported to a collector.
package witness

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cbor"
	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/nvs"
)

const (
	// DefaultTimeBucketMs is the width of a record time bucket.
	DefaultTimeBucketMs = 5000
	// DefaultPersistEvery is how many records may pass between chain
	// snapshots.
	DefaultPersistEvery = 10

	keyPrivKey = "privkey"
	keySeq     = "seq"
	keyBoots   = "boots"
	keyChain   = "chain"
)

var (
	// ErrVerifyFailed is returned by CreateRecord when the new signature did
	// not verify after a retry. The record is still part of the chain.
	ErrVerifyFailed = errors.New("witness: signature self-verify failed")
	// ErrKeyPersist is a fatal boot error: a freshly generated key could not
	// be stored.
	ErrKeyPersist = errors.New("witness: cannot persist device key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("witness: chain closed")
)

// Config parameterizes Provision.
type Config struct {
	MAC          [6]byte
	Firmware     string
	TimeBucketMs uint32
	PersistEvery uint32

	Health  *healthlog.Ring
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Archive, when set, receives every record.
	Archive Archive
	// OnRecord, when set, is called with every record after it is archived.
	OnRecord func(Record)
	// Verify replaces cvcrypto.Verify for the self-check.
	Verify cvcrypto.VerifyFunc
}

// Status is a snapshot of the chain state.
type Status struct {
	DeviceID       string               `json:"device_id"`
	Fingerprint    cvcrypto.Fingerprint `json:"-"`
	PublicKey      cvcrypto.PublicKey   `json:"-"`
	Seq            uint32               `json:"seq"`
	SeqPersisted   uint32               `json:"seq_persisted"`
	BootCount      uint32               `json:"boot_count"`
	ChainHead      cvcrypto.Hash        `json:"-"`
	VerifyFailures uint32               `json:"verify_failures"`
	BootMs         uint32               `json:"boot_ms"`
	Records        uint32               `json:"records_this_boot"`
}

// Chain owns the device identity and the chain state.
type Chain struct {
	mu sync.Mutex

	cfg      Config
	store    *nvs.Store
	logger   *zap.Logger
	deviceID string
	secret   *cvcrypto.SecretBuffer
	pub      cvcrypto.PublicKey
	fp       cvcrypto.Fingerprint

	head         cvcrypto.Hash
	seq          uint32
	seqPersisted uint32
	boots        uint32
	bootMs       uint32
	records      uint32
	failures     uint32
	closed       bool
}

// DeviceID derives the human-readable device id from the factory MAC.
func DeviceID(mac [6]byte) string {
	return "canary-" + hex.EncodeToString(mac[3:6])
}

// Genesis returns the chain head of a device that has never recorded.
func Genesis(deviceID string) cvcrypto.Hash {
	return cvcrypto.DomainHash(cvcrypto.DomainGenesis, []byte(deviceID))
}

// PayloadHash hashes a record payload.
func PayloadHash(payload []byte) cvcrypto.Hash {
	return cvcrypto.DomainHash(cvcrypto.DomainPayload, payload)
}

// ComputeChainHash links a payload hash to prev.
func ComputeChainHash(prev, payloadHash cvcrypto.Hash, seq, timeBucket uint32) cvcrypto.Hash {
	var ints [8]byte
	binary.BigEndian.PutUint32(ints[0:4], seq)
	binary.BigEndian.PutUint32(ints[4:8], timeBucket)
	return cvcrypto.DomainHash(cvcrypto.DomainChain, prev[:], payloadHash[:], ints[:])
}

// Provision loads or creates the device identity and chain state. A missing
// private key is generated and persisted before anything is signed. The
// boot counter is incremented and persisted before Provision returns.
//
// Errors returned by Provision are fatal.
func Provision(cfg Config, store *nvs.Store, now uint32) (*Chain, error) {
	if cfg.TimeBucketMs == 0 {
		cfg.TimeBucketMs = DefaultTimeBucketMs
	}
	if cfg.PersistEvery == 0 {
		cfg.PersistEvery = DefaultPersistEvery
	}
	if cfg.Verify == nil {
		cfg.Verify = cvcrypto.Verify
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Chain{
		cfg:      cfg,
		store:    store,
		logger:   logger.Named("witness"),
		deviceID: DeviceID(cfg.MAC),
		bootMs:   now,
	}

	h, err := store.OpenRW(nvs.NamespaceCore)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	defer h.Close()

	var priv cvcrypto.PrivateKey
	if !h.GetFixed(keyPrivKey, priv[:]) {
		if priv, _, err = cvcrypto.GenerateKeypair(); err != nil {
			return nil, err
		}
		if err := h.PutBytes(keyPrivKey, priv[:]); err != nil {
			priv.Wipe()
			return nil, fmt.Errorf("%w: %v", ErrKeyPersist, err)
		}
		if err := h.Commit(); err != nil {
			priv.Wipe()
			return nil, fmt.Errorf("%w: %v", ErrKeyPersist, err)
		}
		c.logger.Info("generated device key")
	}
	c.pub = cvcrypto.PublicFromPrivate(priv)
	c.fp = cvcrypto.FingerprintOf(c.pub)
	if c.secret, err = cvcrypto.NewSecretFrom(priv[:]); err != nil {
		priv.Wipe()
		return nil, fmt.Errorf("hold device key: %w", err)
	}

	c.seq = h.GetU32(keySeq, 0)
	c.boots = h.GetU32(keyBoots, 0) + 1
	if err := h.PutU32(keyBoots, c.boots); err != nil {
		c.secret.Close()
		return nil, err
	}
	if !h.GetFixed(keyChain, c.head[:]) {
		c.head = Genesis(c.deviceID)
		if err := h.PutBytes(keyChain, c.head[:]); err != nil {
			c.secret.Close()
			return nil, err
		}
	}
	if err := h.Commit(); err != nil {
		c.secret.Close()
		return nil, fmt.Errorf("persist boot count: %w", err)
	}
	c.seqPersisted = c.seq

	c.recoverFromArchive(now)

	c.logger.Info("provisioned",
		zap.String("device_id", c.deviceID),
		zap.Stringer("fingerprint", c.fp),
		zap.Uint32("seq", c.seq),
		zap.Uint32("boots", c.boots))
	return c, nil
}

// recoverFromArchive adopts the archive head when it is ahead of the NVS
// snapshot, which happens after a crash between snapshots. The head must
// carry a valid signature and a consistent chain hash.
func (c *Chain) recoverFromArchive(now uint32) {
	if c.cfg.Archive == nil {
		return
	}
	last, ok, err := c.cfg.Archive.Head()
	if err != nil {
		c.health(now, healthlog.Warning, healthlog.Storage, "archive head unreadable", err.Error())
		return
	}
	if !ok || last.Seq <= c.seq {
		return
	}
	if ComputeChainHash(last.PrevHash, last.PayloadHash, last.Seq, last.TimeBucket) != last.ChainHash ||
		!c.cfg.Verify(c.pub, last.ChainHash[:], last.Signature) {
		c.health(now, healthlog.Tamper, healthlog.Chain, "archive head rejected", "seq="+strconv.FormatUint(uint64(last.Seq), 10))
		return
	}
	c.seq = last.Seq
	c.head = last.ChainHash
	c.health(now, healthlog.Notice, healthlog.Chain, "chain recovered from archive", "seq="+strconv.FormatUint(uint64(last.Seq), 10))
	_ = c.persistLocked(now)
}

func (c *Chain) health(now uint32, lvl healthlog.Level, cat healthlog.Category, msg, detail string) {
	if c.cfg.Health != nil {
		c.cfg.Health.Log(now, lvl, cat, msg, detail)
		return
	}
	c.logger.Info(msg, zap.Stringer("level", lvl), zap.String("detail", detail))
}

// signLocked signs msg with the device key. The seed is copied out of the
// secret buffer only for the duration of the call.
func (c *Chain) signLocked(msg []byte) cvcrypto.Signature {
	var priv cvcrypto.PrivateKey
	copy(priv[:], c.secret.Bytes())
	sig := cvcrypto.Sign(priv, c.pub, msg)
	priv.Wipe()
	return sig
}

// CreateRecord appends payload to the chain and returns the signed record.
// If the signature does not verify after one retry the record is returned
// with Verified false together with ErrVerifyFailed; the chain still
// advances.
func (c *Chain) CreateRecord(now uint32, payload []byte, typ RecordType) (Record, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Record{}, ErrClosed
	}

	r := Record{
		Type:        typ,
		PayloadHash: PayloadHash(payload),
		TimeBucket:  now / c.cfg.TimeBucketMs,
		PayloadLen:  uint32(len(payload)),
		Payload:     append([]byte(nil), payload...),
	}
	c.seq++
	r.Seq = c.seq
	r.PrevHash = c.head
	r.ChainHash = ComputeChainHash(r.PrevHash, r.PayloadHash, r.Seq, r.TimeBucket)
	c.head = r.ChainHash

	r.Signature = c.signLocked(r.ChainHash[:])
	r.Verified = c.cfg.Verify(c.pub, r.ChainHash[:], r.Signature)
	if !r.Verified {
		r.Signature = c.signLocked(r.ChainHash[:])
		r.Verified = c.cfg.Verify(c.pub, r.ChainHash[:], r.Signature)
	}
	var err error
	if !r.Verified {
		c.failures++
		c.cfg.Metrics.VerifyFailure()
		c.health(now, healthlog.Tamper, healthlog.Crypto, "signature self-verify failed",
			"seq="+strconv.FormatUint(uint64(r.Seq), 10))
		err = ErrVerifyFailed
	}
	c.records++
	c.cfg.Metrics.RecordCreated(r.Seq)

	if c.seq-c.seqPersisted >= c.cfg.PersistEvery {
		// A failed snapshot is in the health log and retried on the next
		// interval; the record stands.
		_ = c.persistLocked(now)
	}
	if c.cfg.Archive != nil {
		if aerr := c.cfg.Archive.Append(r); aerr != nil {
			c.health(now, healthlog.Warning, healthlog.Storage, "archive append failed", aerr.Error())
		}
	}
	onRecord := c.cfg.OnRecord
	c.mu.Unlock()

	if onRecord != nil {
		onRecord(r)
	}
	return r, err
}

// persistLocked snapshots seq and the chain head in one handle. seq is
// staged first so a backend without transactions writes it first.
func (c *Chain) persistLocked(now uint32) error {
	h, err := c.store.OpenRW(nvs.NamespaceCore)
	if err == nil {
		if err = errors.Join(h.PutU32(keySeq, c.seq), h.PutBytes(keyChain, c.head[:])); err != nil {
			h.Discard()
		} else {
			err = h.Close()
		}
	}
	if err != nil {
		c.health(now, healthlog.Warning, healthlog.Storage, "chain snapshot failed", err.Error())
		return fmt.Errorf("chain snapshot: %w", err)
	}
	c.seqPersisted = c.seq
	return nil
}

// BootAttestation records the BOOT record for this boot.
func (c *Chain) BootAttestation(now uint32) (Record, error) {
	var buf [96]byte
	w := cbor.NewWriter(buf[:])
	w.Map(3)
	w.KeyText("type", "boot")
	w.KeyUint("boot", uint64(c.BootCount()))
	w.KeyText("ver", c.cfg.Firmware)
	if !w.OK() {
		return Record{}, errors.New("witness: boot payload overflow")
	}
	return c.CreateRecord(now, w.Bytes(), TypeBoot)
}

// Flush snapshots the chain if records were created since the last snapshot.
func (c *Chain) Flush(now uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != c.seqPersisted {
		return c.persistLocked(now)
	}
	return nil
}

// Close flushes the chain and wipes the device key.
func (c *Chain) Close(now uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var err error
	if c.seq != c.seqPersisted {
		err = c.persistLocked(now)
	}
	c.closed = true
	return errors.Join(err, c.secret.Close())
}

// Status returns a snapshot of the chain state.
func (c *Chain) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		DeviceID:       c.deviceID,
		Fingerprint:    c.fp,
		PublicKey:      c.pub,
		Seq:            c.seq,
		SeqPersisted:   c.seqPersisted,
		BootCount:      c.boots,
		ChainHead:      c.head,
		VerifyFailures: c.failures,
		BootMs:         c.bootMs,
		Records:        c.records,
	}
}

// BootCount returns the boot counter of this boot.
func (c *Chain) BootCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boots
}

// DeviceID returns the device id.
func (c *Chain) DeviceID() string { return c.deviceID }

// Public returns the device public key.
func (c *Chain) Public() cvcrypto.PublicKey { return c.pub }

// Fingerprint returns the device fingerprint.
func (c *Chain) Fingerprint() cvcrypto.Fingerprint { return c.fp }

// Sign signs msg with the device key.
func (c *Chain) Sign(msg []byte) (cvcrypto.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cvcrypto.Signature{}, ErrClosed
	}
	return c.signLocked(msg), nil
}

// ECDH agrees a shared secret between the device key and peer.
func (c *Chain) ECDH(peer cvcrypto.PublicKey) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return [32]byte{}, ErrClosed
	}
	var priv cvcrypto.PrivateKey
	copy(priv[:], c.secret.Bytes())
	defer priv.Wipe()
	return cvcrypto.ECDH(priv, peer)
}

// Identity is the stored device identity and chain position.
type Identity struct {
	DeviceID    string               `json:"device_id"`
	PublicKey   cvcrypto.PublicKey   `json:"-"`
	Fingerprint cvcrypto.Fingerprint `json:"-"`
	Seq         uint32               `json:"seq"`
	BootCount   uint32               `json:"boot_count"`
	ChainHead   cvcrypto.Hash        `json:"-"`
}

// LoadIdentity reads the identity Provision stored for mac without
// counting a boot. ok is false when no key has been generated yet.
func LoadIdentity(store *nvs.Store, mac [6]byte) (Identity, bool, error) {
	h, err := store.OpenRO(nvs.NamespaceCore)
	if err != nil {
		return Identity{}, false, fmt.Errorf("open identity store: %w", err)
	}
	defer h.Close()

	var priv cvcrypto.PrivateKey
	if !h.GetFixed(keyPrivKey, priv[:]) {
		return Identity{}, false, nil
	}
	id := Identity{
		DeviceID:  DeviceID(mac),
		PublicKey: cvcrypto.PublicFromPrivate(priv),
		Seq:       h.GetU32(keySeq, 0),
		BootCount: h.GetU32(keyBoots, 0),
	}
	priv.Wipe()
	id.Fingerprint = cvcrypto.FingerprintOf(id.PublicKey)
	if !h.GetFixed(keyChain, id.ChainHead[:]) {
		id.ChainHead = Genesis(id.DeviceID)
	}
	return id, true, nil
}

package witness

import (
	"errors"
	"fmt"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

var (
	// ErrGap indicates missing or reordered records.
	ErrGap = errors.New("witness: gap or reordering detected")
	// ErrLinkMismatch indicates a record whose prev hash is not the chain
	// hash of the record before it.
	ErrLinkMismatch = errors.New("witness: prev hash does not link")
	// ErrHashMismatch indicates a stored chain hash that does not match the
	// recomputed one.
	ErrHashMismatch = errors.New("witness: chain hash mismatch")
	// ErrPayloadMismatch indicates a payload that does not hash to the
	// stored payload hash.
	ErrPayloadMismatch = errors.New("witness: payload hash mismatch")
	// ErrBadSignature indicates a signature that does not verify.
	ErrBadSignature = errors.New("witness: bad signature")
)

// VerifyError locates a verification failure.
type VerifyError struct {
	Seq uint32
	Err error
}

func (e *VerifyError) Error() string { return fmt.Sprintf("seq %d: %v", e.Seq, e.Err) }
func (e *VerifyError) Unwrap() error { return e.Err }

// VerifyChain checks that recs continue a chain whose head is prev at
// sequence startSeq. It returns the chain hash of the last record.
//
// Records archived with Verified false are still checked: their signature
// is expected to fail and is reported as ErrBadSignature.
func VerifyChain(pub cvcrypto.PublicKey, prev cvcrypto.Hash, startSeq uint32, recs []Record) (cvcrypto.Hash, error) {
	head := prev
	expect := startSeq
	for _, r := range recs {
		expect++
		if r.Seq != expect {
			return head, &VerifyError{Seq: r.Seq, Err: ErrGap}
		}
		if r.PrevHash != head {
			return head, &VerifyError{Seq: r.Seq, Err: ErrLinkMismatch}
		}
		if r.Payload != nil && PayloadHash(r.Payload) != r.PayloadHash {
			return head, &VerifyError{Seq: r.Seq, Err: ErrPayloadMismatch}
		}
		if ComputeChainHash(r.PrevHash, r.PayloadHash, r.Seq, r.TimeBucket) != r.ChainHash {
			return head, &VerifyError{Seq: r.Seq, Err: ErrHashMismatch}
		}
		if !cvcrypto.Verify(pub, r.ChainHash[:], r.Signature) {
			return head, &VerifyError{Seq: r.Seq, Err: ErrBadSignature}
		}
		head = r.ChainHash
	}
	return head, nil
}

// Verifier checks an archive against a device public key.
type Verifier struct {
	archive Archive
	pub     cvcrypto.PublicKey
}

// NewVerifier returns a verifier for archive.
func NewVerifier(archive Archive, pub cvcrypto.PublicKey) *Verifier {
	return &Verifier{archive: archive, pub: pub}
}

// VerifyFromGenesis verifies the whole archive starting at the genesis of
// deviceID. The archive must start at seq 1.
func (v *Verifier) VerifyFromGenesis(deviceID string) (cvcrypto.Hash, error) {
	return v.VerifyFrom(0, Genesis(deviceID))
}

// VerifyFrom verifies every archived record after seq against the known head
// at seq, and checks the archive head matches the result.
func (v *Verifier) VerifyFrom(seq uint32, head cvcrypto.Hash) (cvcrypto.Hash, error) {
	ch, stop, err := v.archive.Iter(seq + 1)
	if err != nil {
		return head, err
	}
	var recs []Record
	for r := range ch {
		recs = append(recs, r)
	}
	if err := stop(); err != nil {
		return head, err
	}
	final, err := VerifyChain(v.pub, head, seq, recs)
	if err != nil {
		return final, err
	}
	last, ok, err := v.archive.Head()
	if err != nil {
		return final, err
	}
	if ok && last.ChainHash != final {
		return final, &VerifyError{Seq: last.Seq, Err: ErrHashMismatch}
	}
	return final, nil
}

// VerifyAll verifies the whole archive. When the archive starts at seq 1 the
// first record must link to the genesis of deviceID; otherwise the archive
// was attached to a running chain and its first prev hash is taken as given.
func (v *Verifier) VerifyAll(deviceID string) (cvcrypto.Hash, int, error) {
	ch, stop, err := v.archive.Iter(0)
	if err != nil {
		return cvcrypto.Hash{}, 0, err
	}
	var recs []Record
	for r := range ch {
		recs = append(recs, r)
	}
	if err := stop(); err != nil {
		return cvcrypto.Hash{}, 0, err
	}
	if len(recs) == 0 {
		return Genesis(deviceID), 0, nil
	}
	start, head := recs[0].Seq-1, recs[0].PrevHash
	if recs[0].Seq == 1 {
		head = Genesis(deviceID)
	}
	final, err := VerifyChain(v.pub, head, start, recs)
	return final, len(recs), err
}

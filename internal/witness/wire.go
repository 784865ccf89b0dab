package witness

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

// Batch is a run of consecutive records exported by one device.
//
// On the wire a batch is a protobuf message:
//
//	message Batch {
//	  string device_id   = 1;
//	  bytes  public_key  = 2;
//	  repeated Record records = 3;
//	}
//	message Record {
//	  uint32 seq = 1;  uint32 time_bucket = 2;  uint32 type = 3;
//	  bytes payload_hash = 4;  bytes prev_hash = 5;  bytes chain_hash = 6;
//	  bytes signature = 7;  bool verified = 8;  bytes payload = 9;
//	  uint32 payload_len = 10;
//	}
type Batch struct {
	DeviceID  string
	PublicKey cvcrypto.PublicKey
	Records   []Record
}

// ErrWire indicates a malformed batch encoding.
var ErrWire = errors.New("witness: malformed batch")

// MarshalBatch encodes b.
func MarshalBatch(b Batch) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, b.DeviceID)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, b.PublicKey[:])
	for _, r := range b.Records {
		out = protowire.AppendTag(out, 3, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalRecord(r))
	}
	return out
}

func marshalRecord(r Record) []byte {
	var out []byte
	appendUint := func(num protowire.Number, v uint64) {
		out = protowire.AppendTag(out, num, protowire.VarintType)
		out = protowire.AppendVarint(out, v)
	}
	appendBytes := func(num protowire.Number, v []byte) {
		out = protowire.AppendTag(out, num, protowire.BytesType)
		out = protowire.AppendBytes(out, v)
	}
	appendUint(1, uint64(r.Seq))
	appendUint(2, uint64(r.TimeBucket))
	appendUint(3, uint64(r.Type))
	appendBytes(4, r.PayloadHash[:])
	appendBytes(5, r.PrevHash[:])
	appendBytes(6, r.ChainHash[:])
	appendBytes(7, r.Signature[:])
	appendUint(8, protowire.EncodeBool(r.Verified))
	appendBytes(9, r.Payload)
	appendUint(10, uint64(r.PayloadLen))
	return out
}

// UnmarshalBatch decodes a batch. Unknown fields are skipped.
func UnmarshalBatch(data []byte) (Batch, error) {
	var b Batch
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return b, fmt.Errorf("%w: %v", ErrWire, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return b, fmt.Errorf("%w: device id", ErrWire)
			}
			b.DeviceID, n = v, m
		case num == 2 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 || len(v) != len(b.PublicKey) {
				return b, fmt.Errorf("%w: public key", ErrWire)
			}
			copy(b.PublicKey[:], v)
			n = m
		case num == 3 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return b, fmt.Errorf("%w: record", ErrWire)
			}
			r, err := unmarshalRecord(v)
			if err != nil {
				return b, err
			}
			b.Records = append(b.Records, r)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return b, fmt.Errorf("%w: %v", ErrWire, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return b, nil
}

func unmarshalRecord(data []byte) (Record, error) {
	var r Record
	fixed := func(dst []byte, v []byte, name string) error {
		if len(v) != len(dst) {
			return fmt.Errorf("%w: %s length %d", ErrWire, name, len(v))
		}
		copy(dst, v)
		return nil
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", ErrWire, protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return r, fmt.Errorf("%w: %v", ErrWire, protowire.ParseError(m))
			}
			switch num {
			case 1:
				r.Seq = uint32(v)
			case 2:
				r.TimeBucket = uint32(v)
			case 3:
				r.Type = RecordType(v)
			case 8:
				r.Verified = protowire.DecodeBool(v)
			case 10:
				r.PayloadLen = uint32(v)
			}
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return r, fmt.Errorf("%w: %v", ErrWire, protowire.ParseError(m))
			}
			var err error
			switch num {
			case 4:
				err = fixed(r.PayloadHash[:], v, "payload hash")
			case 5:
				err = fixed(r.PrevHash[:], v, "prev hash")
			case 6:
				err = fixed(r.ChainHash[:], v, "chain hash")
			case 7:
				err = fixed(r.Signature[:], v, "signature")
			case 9:
				if len(v) > MaxPayload {
					err = errRecordTooLarge
				}
				r.Payload = append([]byte{}, v...)
			}
			if err != nil {
				return r, err
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", ErrWire, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return r, nil
}

package healthlog

import (
	"errors"
	"strings"
	"testing"

	"github.com/kmay89/securacv-canary/internal/nvs"
)

func TestLog_DebugDropped(t *testing.T) {
	r := New(nil, nil, nil)
	if _, ok := r.Log(0, Debug, System, "noise", ""); ok {
		t.Error("DEBUG entry was stored")
	}
	if r.Count() != 0 || r.Seq() != 0 {
		t.Errorf("Expected empty ring, got count=%d seq=%d", r.Count(), r.Seq())
	}

	r.SetMinLevel(Debug)
	if _, ok := r.Log(0, Debug, System, "noise", ""); !ok {
		t.Error("DEBUG entry dropped after lowering min level")
	}
}

func TestLog_SequenceAndOrder(t *testing.T) {
	r := New(nil, nil, nil)
	for i := 0; i < 5; i++ {
		seq, ok := r.Log(uint32(i), Info, System, "boot", "")
		if !ok || seq != uint32(i+1) {
			t.Fatalf("entry %d: seq=%d ok=%v", i, seq, ok)
		}
	}
	es := r.Entries(Debug)
	if len(es) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(es))
	}
	for i, e := range es {
		if e.Seq != uint32(i+1) {
			t.Errorf("entry %d has seq %d", i, e.Seq)
		}
		if e.Ack != Unread {
			t.Errorf("entry %d not unread", i)
		}
	}
}

func TestRing_OverwriteOldest(t *testing.T) {
	r := New(nil, nil, nil)
	for i := 0; i < Capacity+10; i++ {
		r.Log(uint32(i), Warning, GPS, "fix lost", "")
	}
	if r.Count() != Capacity {
		t.Fatalf("Expected %d entries, got %d", Capacity, r.Count())
	}
	es := r.Entries(Debug)
	if es[0].Seq != 11 || es[len(es)-1].Seq != Capacity+10 {
		t.Errorf("Expected seqs 11..%d, got %d..%d", Capacity+10, es[0].Seq, es[len(es)-1].Seq)
	}
	if _, ok := r.Get(10); ok {
		t.Error("evicted entry still retrievable")
	}
	if e, ok := r.Get(11); !ok || e.Seq != 11 {
		t.Error("oldest retained entry not retrievable")
	}
	if r.Unacked() != Capacity {
		t.Errorf("Expected %d unacked, got %d", Capacity, r.Unacked())
	}
}

func TestRing_Ack(t *testing.T) {
	r := New(nil, nil, nil)
	info, _ := r.Log(0, Info, System, "ok", "")
	warn, _ := r.Log(1, Warning, Storage, "nvs write failed", "")
	tamp, _ := r.Log(2, Tamper, Crypto, "self-verify failed", "seq=9")

	if r.Unacked() != 2 {
		t.Fatalf("Expected 2 unacked, got %d", r.Unacked())
	}
	if err := r.Ack(info, Acknowledged); err != nil {
		t.Fatal(err)
	}
	if r.Unacked() != 2 {
		t.Errorf("acking INFO changed unacked: %d", r.Unacked())
	}
	if err := r.Ack(warn, Reviewed); err != nil {
		t.Fatal(err)
	}
	if r.Unacked() != 1 {
		t.Errorf("Expected 1 unacked, got %d", r.Unacked())
	}
	if err := r.Ack(warn, Unread); err != nil {
		t.Fatal(err)
	}
	if r.Unacked() != 2 {
		t.Errorf("Expected 2 unacked after re-marking unread, got %d", r.Unacked())
	}
	if n := r.AckAll(Archived); n != 2 {
		t.Errorf("AckAll changed %d entries, want 2", n)
	}
	if r.Unacked() != 0 {
		t.Errorf("Expected 0 unacked, got %d", r.Unacked())
	}
	e, _ := r.Get(tamp)
	if e.Ack != Archived || e.Message != "self-verify failed" || e.Detail != "seq=9" {
		t.Errorf("unexpected entry after ack: %+v", e)
	}
	if err := r.Ack(999, Reviewed); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLog_Truncates(t *testing.T) {
	r := New(nil, nil, nil)
	seq, _ := r.Log(0, Info, User, strings.Repeat("m", 200), strings.Repeat("é", 40))
	e, _ := r.Get(seq)
	if len(e.Message) != MaxMessage {
		t.Errorf("Expected message length %d, got %d", MaxMessage, len(e.Message))
	}
	if len(e.Detail) > MaxDetail || !strings.HasPrefix(strings.Repeat("é", 40), e.Detail) {
		t.Errorf("detail not truncated on a rune boundary: %q", e.Detail)
	}
}

func TestSeq_Persisted(t *testing.T) {
	store := nvs.New(nvs.NewMemoryBackend())
	r := New(store, nil, nil)
	r.Log(0, Info, System, "a", "")
	r.Log(0, Info, System, "b", "")

	r2 := New(store, nil, nil)
	if seq, _ := r2.Log(0, Info, System, "c", ""); seq != 3 {
		t.Errorf("Expected seq to continue at 3, got %d", seq)
	}
}

func TestParse(t *testing.T) {
	if l, ok := ParseLevel("WARNING"); !ok || l != Warning {
		t.Errorf("ParseLevel(WARNING) = %v, %v", l, ok)
	}
	if _, ok := ParseLevel("LOUD"); ok {
		t.Error("ParseLevel accepted unknown name")
	}
	if a, ok := ParseAck("archived"); !ok || a != Archived {
		t.Errorf("ParseAck(archived) = %v, %v", a, ok)
	}
}

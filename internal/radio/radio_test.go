package radio

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSlot_SingleFrame(t *testing.T) {
	var s Slot
	if _, ok := s.Take(); ok {
		t.Fatal("Take on empty slot returned a frame")
	}
	src := MAC{1, 2, 3, 4, 5, 6}
	if !s.Deliver(src, []byte("first"), -40) {
		t.Fatal("first frame refused")
	}
	if s.Deliver(src, []byte("second"), -40) {
		t.Error("second frame accepted while one is pending")
	}
	f, ok := s.Take()
	if !ok || string(f.Data) != "first" || f.Src != src || f.RSSI != -40 {
		t.Fatalf("unexpected frame %+v ok=%v", f, ok)
	}
	if s.Pending() {
		t.Error("slot still pending after Take")
	}
	if !s.Deliver(src, []byte("third"), -40) {
		t.Error("frame refused after Take")
	}
	if s.Deliver(src, nil, 0) || s.Deliver(src, make([]byte, MaxFrameSize+1), 0) {
		t.Error("bad frame size accepted")
	}
	if s.Dropped() != 3 {
		t.Errorf("Expected 3 drops, got %d", s.Dropped())
	}
}

func TestSlot_TakeCopies(t *testing.T) {
	var s Slot
	s.Deliver(MAC{}, []byte{1, 2, 3}, 0)
	f, _ := s.Take()
	s.Deliver(MAC{}, []byte{9, 9, 9}, 0)
	if !bytes.Equal(f.Data, []byte{1, 2, 3}) {
		t.Errorf("frame aliased the slot buffer: %v", f.Data)
	}
}

func TestAir_BroadcastAndUnicast(t *testing.T) {
	air := NewAir(-55)
	macs := []MAC{{1}, {2}, {3}}
	slots := make([]*Slot, len(macs))
	ports := make([]Transport, len(macs))
	for i, m := range macs {
		slots[i] = &Slot{}
		ports[i] = air.Attach(m, slots[i])
	}

	var tapped int
	air.SetTap(func(src, dst MAC, frame []byte) { tapped++ })

	if err := ports[0].Broadcast([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if slots[0].Pending() {
		t.Error("sender heard its own broadcast")
	}
	for i := 1; i < 3; i++ {
		f, ok := slots[i].Take()
		if !ok || string(f.Data) != "hello" || f.Src != macs[0] || f.RSSI != -55 {
			t.Errorf("device %d: frame %+v ok=%v", i, f, ok)
		}
	}

	if err := ports[1].Send(macs[2], []byte("direct")); err != nil {
		t.Fatal(err)
	}
	if slots[0].Pending() {
		t.Error("unicast reached a third device")
	}
	if f, ok := slots[2].Take(); !ok || string(f.Data) != "direct" {
		t.Errorf("unicast not delivered: %+v", f)
	}

	if err := ports[0].Send(MAC{9}, []byte("nobody")); err != nil {
		t.Errorf("send to absent device failed: %v", err)
	}
	if err := ports[0].Broadcast(make([]byte, MaxFrameSize+1)); err != ErrFrameSize {
		t.Errorf("Expected ErrFrameSize, got %v", err)
	}
	if tapped != 3 {
		t.Errorf("Expected 3 tapped frames, got %d", tapped)
	}

	air.Detach(macs[2])
	ports[0].Broadcast([]byte("after"))
	if slots[2].Pending() {
		t.Error("detached device received a frame")
	}
}

func waitFrame(t *testing.T, s *Slot) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f, ok := s.Take(); ok {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame received")
	return Frame{}
}

func TestUDPTransport_Loopback(t *testing.T) {
	macA, macB := MAC{0xA}, MAC{0xB}

	b, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9", macB, nil)
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer b.Close()
	a, err := ListenUDP("127.0.0.1:0", b.Addr().String(), macA, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var slotA, slotB Slot
	go a.Run(ctx, &slotA)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, &slotB) }()

	if err := a.Broadcast([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	f := waitFrame(t, &slotB)
	if string(f.Data) != "ping" || f.Src != macA {
		t.Fatalf("unexpected frame %+v", f)
	}

	// b learned a's address from the broadcast.
	if err := b.Send(macA, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	f = waitFrame(t, &slotA)
	if string(f.Data) != "pong" || f.Src != macB {
		t.Fatalf("unexpected frame %+v", f)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if err := b.Send(macA, []byte("late")); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

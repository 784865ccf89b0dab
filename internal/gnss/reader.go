package gnss

import (
	"context"
	"errors"
	"io"
	"os"
)

// Reader drains a UART (or any io.Reader) on its own goroutine and hands
// the bytes to the main loop through a channel. When the channel is full the
// goroutine blocks, which throttles file replays to the consumer's pace.
type Reader struct {
	ch   chan []byte
	done chan struct{}
	err  error
}

// NewReader starts reading r until EOF, a read error or ctx is done. r is
// closed on exit when it implements io.Closer.
func NewReader(ctx context.Context, r io.Reader) *Reader {
	rd := &Reader{ch: make(chan []byte, 16), done: make(chan struct{})}
	go rd.run(ctx, r)
	return rd
}

// OpenDevice opens a serial device node or an NMEA capture file.
func OpenDevice(ctx context.Context, path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(ctx, f), nil
}

func (rd *Reader) run(ctx context.Context, r io.Reader) {
	defer close(rd.done)
	defer close(rd.ch)
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	for {
		buf := make([]byte, 256)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case rd.ch <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				rd.err = err
			}
			return
		}
	}
}

// Chunks returns the channel of raw reads. It is closed when reading ends.
func (rd *Reader) Chunks() <-chan []byte { return rd.ch }

// Err waits for the reader to stop and returns the read error, if any.
func (rd *Reader) Err() error {
	<-rd.done
	return rd.err
}

package witness

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrNonContiguous is returned by Archive.Append when a record does not
// directly follow the archive head.
var ErrNonContiguous = errors.New("witness: non-contiguous append")

// Archive is durable storage for witness records. Appends must be
// contiguous once the archive holds a record; the first record may carry any
// sequence number so an archive can be attached to a running chain.
type Archive interface {
	Append(r Record) error
	// Iter streams records with Seq >= startSeq in ascending order. The
	// returned function stops the stream and reports the first read error.
	Iter(startSeq uint32) (<-chan Record, func() error, error)
	// Head returns the last archived record.
	Head() (Record, bool, error)
	Close() error
}

const recordsFileName = "records.dat"

// fileArchive appends records to a single file. The head is scanned once at
// open and then tracked in memory.
type fileArchive struct {
	mu   sync.RWMutex
	dir  string
	file *os.File
	head Record
	have bool
}

// OpenFileArchive creates or opens a file archive in dir.
func OpenFileArchive(dir string) (Archive, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(dir, recordsFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open records file: %w", err)
	}
	a := &fileArchive{dir: dir, file: f}
	if err := a.scanHead(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return a, nil
}

func (a *fileArchive) scanHead() error {
	f, err := os.Open(filepath.Join(a.dir, recordsFileName))
	if err != nil {
		return fmt.Errorf("open records file for reading: %w", err)
	}
	defer f.Close()
	rd := bufio.NewReader(f)
	for {
		r, err := readRecord(rd)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		a.head, a.have = r, true
	}
}

// Append writes r and syncs the file.
func (a *fileArchive) Append(r Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.have && r.Seq != a.head.Seq+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrNonContiguous, a.head.Seq, r.Seq)
	}
	buf, err := r.MarshalBinary()
	if err != nil {
		return err
	}

	if err := syscall.Flock(int(a.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock records file: %w", err)
	}
	defer syscall.Flock(int(a.file.Fd()), syscall.LOCK_UN)

	n, err := a.file.Write(buf)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync records file: %w", err)
	}
	a.head, a.have = r, true
	return nil
}

// Iter streams records from the file.
func (a *fileArchive) Iter(startSeq uint32) (<-chan Record, func() error, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	f, err := os.Open(filepath.Join(a.dir, recordsFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open records file for reading: %w", err)
	}

	out := make(chan Record, 64)
	done := make(chan struct{})
	var once sync.Once
	var readErr error
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		defer close(out)
		defer f.Close()
		rd := bufio.NewReader(f)
		for {
			r, err := readRecord(rd)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				readErr = err
				return
			}
			if r.Seq < startSeq {
				continue
			}
			select {
			case out <- r:
			case <-done:
				return
			}
		}
	}()

	stop := func() error {
		once.Do(func() { close(done) })
		<-finished
		return readErr
	}
	return out, stop, nil
}

// Head returns the last appended record.
func (a *fileArchive) Head() (Record, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.head, a.have, nil
}

// Close closes the records file.
func (a *fileArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close records file: %w", err)
	}
	return nil
}

package witness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

// ContentTypeBatch is the media type of an encoded Batch.
const ContentTypeBatch = "application/x-protobuf"

// Exporter ships batches of records off the device.
type Exporter interface {
	Export(ctx context.Context, b Batch) error
}

// LocalExporter hands batches to an in-process collector.
type LocalExporter struct {
	Collector *Collector
}

// Export implements Exporter.
func (e *LocalExporter) Export(_ context.Context, b Batch) error {
	_, err := e.Collector.Ingest(b)
	return err
}

// FolderExporter writes each batch to its own file:
//
//	{dir}/{device_id}/{first_seq}-{last_seq}.pb
type FolderExporter struct {
	BaseDir string
	mu      sync.Mutex
}

// NewFolderExporter creates dir if needed.
func NewFolderExporter(dir string) (*FolderExporter, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FolderExporter{BaseDir: dir}, nil
}

// Export implements Exporter. The file is written under a temporary name
// and renamed into place.
func (e *FolderExporter) Export(_ context.Context, b Batch) error {
	if len(b.Records) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(e.BaseDir, b.DeviceID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	name := fmt.Sprintf("%010d-%010d.pb", b.Records[0].Seq, b.Records[len(b.Records)-1].Seq)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, MarshalBatch(b), 0600); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename batch: %w", err)
	}
	return nil
}

// LoadBatches reads every batch exported for deviceID in sequence order.
func (e *FolderExporter) LoadBatches(deviceID string) ([]Batch, error) {
	matches, err := filepath.Glob(filepath.Join(e.BaseDir, deviceID, "*.pb"))
	if err != nil {
		return nil, err
	}
	out := make([]Batch, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		b, err := UnmarshalBatch(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(m), err)
		}
		out = append(out, b)
	}
	return out, nil
}

// HTTPExporter posts batches to a collector's /api/records endpoint.
type HTTPExporter struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPExporter returns an exporter for the collector at baseURL.
func NewHTTPExporter(baseURL string) *HTTPExporter {
	return &HTTPExporter{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Export implements Exporter.
func (e *HTTPExporter) Export(ctx context.Context, b Batch) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/api/records", bytes.NewReader(MarshalBatch(b)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentTypeBatch)
	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Queue batches records for an Exporter on its own goroutine. Records that
// fail to export are kept and retried on the next flush, up to MaxPending;
// beyond that the oldest are dropped.
type Queue struct {
	exp      Exporter
	template Batch
	in       chan Record
	logger   *zap.Logger

	BatchSize  int
	Interval   time.Duration
	MaxPending int

	dropped atomic.Uint64
}

// NewQueue returns a queue exporting records of one device.
func NewQueue(exp Exporter, deviceID string, pub cvcrypto.PublicKey, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		exp:        exp,
		template:   Batch{DeviceID: deviceID, PublicKey: pub},
		in:         make(chan Record, 64),
		logger:     logger.Named("export"),
		BatchSize:  20,
		Interval:   30 * time.Second,
		MaxPending: 256,
	}
}

// Enqueue offers r to the queue without blocking. It reports false when the
// queue is full and r was dropped.
func (q *Queue) Enqueue(r Record) bool {
	select {
	case q.in <- r:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of records dropped so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Run exports until ctx is done, then makes one final attempt.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.Interval)
	defer ticker.Stop()
	var pending []Record

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		b := q.template
		b.Records = pending
		if err := q.exp.Export(ctx, b); err != nil {
			q.logger.Warn("export failed", zap.Int("pending", len(pending)), zap.Error(err))
			if over := len(pending) - q.MaxPending; over > 0 {
				pending = append(pending[:0], pending[over:]...)
				q.dropped.Add(uint64(over))
			}
			return
		}
		q.logger.Debug("exported", zap.Uint32("first", pending[0].Seq), zap.Uint32("last", pending[len(pending)-1].Seq))
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case r := <-q.in:
					pending = append(pending, r)
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(fctx)
			cancel()
			return nil
		case r := <-q.in:
			pending = append(pending, r)
			if len(pending) >= q.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

package flush

// This file implements the dead-letter spool: metric points the tracking
// client rejected are appended to CRC-checked segment files and re-enqueued
// the next time a Scheduler starts.
//
// Segment layout:
//
//	header: magic(4) | version(2) | reserved(2) | created(8)
//	record: payloadLen(4) | payload(N, JSON) | CRC32C(4)

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/telemetry"
)

const (
	spoolMagic      = 0x414C5350 // "ALSP"
	spoolVersion    = 1
	spoolHeaderSize = 16
	spoolRecordHead = 4
	spoolCRCSize    = 4
	spoolMaxPayload = 1 << 20

	defaultSpoolSegmentSize = 8 << 20
	minSpoolSegmentSize     = 4 << 10
)

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	errSpoolClosed = errors.New("spool: closed")
)

// SpoolConfig configures the dead-letter spool.
type SpoolConfig struct {
	Dir            string // Empty disables the spool.
	Sync           bool   // fsync after every Write.
	MaxSegmentSize int64  // Bytes before rotation. Default 8 MB.
}

// Spool persists failed metric batches on local disk.
type Spool struct {
	dir     string
	sync    bool
	maxSize int64
	logger  *slog.Logger

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	closed      bool
}

// NewSpool opens the spool directory. Returns nil, nil when cfg.Dir is empty.
func NewSpool(logger *slog.Logger, cfg SpoolConfig) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSpoolSegmentSize
	}
	if cfg.MaxSegmentSize < minSpoolSegmentSize {
		return nil, fmt.Errorf("spool: segment size %d too small (min %d)", cfg.MaxSegmentSize, minSpoolSegmentSize)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}

	s := &Spool{
		dir:     cfg.Dir,
		sync:    cfg.Sync,
		maxSize: cfg.MaxSegmentSize,
		logger:  logger,
	}
	high, err := s.highestSegment()
	if err != nil {
		return nil, fmt.Errorf("spool: scan segments: %w", err)
	}
	s.segmentNum = high + 1
	s.registerMetrics()
	return s, nil
}

// Write appends entries to the current segment, opening one if needed.
// Every entry is encoded before anything touches disk, so an entry that
// cannot be encoded fails the call with no records written. A batch is never
// split across segments.
func (s *Spool) Write(entries []model.MetricQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSpoolClosed
	}
	if len(entries) == 0 {
		return nil
	}

	buf, err := encodeRecords(entries)
	if err != nil {
		return err
	}
	if s.current == nil || s.segmentSize >= s.maxSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	if n, err := s.current.Write(buf); err != nil {
		// Cut a short write back off so the segment stays readable.
		if n > 0 {
			_ = s.current.Truncate(s.segmentSize)
		}
		return fmt.Errorf("spool: write records: %w", err)
	}
	s.segmentSize += int64(len(buf))

	if s.sync {
		if err := s.current.Sync(); err != nil {
			return fmt.Errorf("spool: fsync: %w", err)
		}
	}
	return nil
}

// encodeRecords frames entries into one contiguous buffer of records.
func encodeRecords(entries []model.MetricQueueEntry) ([]byte, error) {
	var buf []byte
	for i := range entries {
		payload, err := json.Marshal(&entries[i])
		if err != nil {
			return nil, fmt.Errorf("spool: marshal entry %d: %w", i, err)
		}
		if len(payload) > spoolMaxPayload {
			return nil, fmt.Errorf("spool: entry %d too large (%d bytes, max %d)", i, len(payload), spoolMaxPayload)
		}
		start := len(buf)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload))) //nolint:gosec // bounded by spoolMaxPayload
		buf = append(buf, payload...)
		buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf[start:], crc32cTable))
	}
	return buf, nil
}

// Recover reads every spooled entry in write order. A corrupted or
// truncated record ends the read of its segment; later segments are still
// read.
func (s *Spool) Recover() ([]model.MetricQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments, err := s.listSegments()
	if err != nil {
		return nil, fmt.Errorf("spool: list segments: %w", err)
	}
	var out []model.MetricQueueEntry
	for _, seg := range segments {
		entries, err := s.readSegment(seg)
		if err != nil {
			s.logger.Warn("spool: skipping unreadable segment", "path", seg, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Purge deletes every segment, including the one being written.
func (s *Spool) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSpoolClosed
	}
	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}
	segments, err := s.listSegments()
	if err != nil {
		return fmt.Errorf("spool: list segments: %w", err)
	}
	var errs []error
	for _, seg := range segments {
		if err := os.Remove(seg); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close syncs and closes the current segment.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.current == nil {
		return nil
	}
	if err := s.current.Sync(); err != nil {
		s.logger.Warn("spool: final sync failed", "error", err)
	}
	err := s.current.Close()
	s.current = nil
	return err
}

// SegmentCount returns the number of segment files on disk.
func (s *Spool) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs, _ := s.listSegments()
	return len(segs)
}

func (s *Spool) segmentPath(num uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%09d.spool", num))
}

func (s *Spool) rotate() error {
	if s.current != nil {
		if err := s.current.Sync(); err != nil {
			s.logger.Warn("spool: sync before rotation failed", "error", err)
		}
		if err := s.current.Close(); err != nil {
			s.logger.Warn("spool: close before rotation failed", "error", err)
		}
	}

	path := s.segmentPath(s.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from s.dir
	if err != nil {
		return fmt.Errorf("spool: open segment %d: %w", s.segmentNum, err)
	}
	var hdr [spoolHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], spoolMagic)
	binary.BigEndian.PutUint16(hdr[4:6], spoolVersion)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(time.Now().UnixMilli())) //nolint:gosec // wall clock is positive
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: write segment header: %w", err)
	}

	s.current = f
	s.segmentSize = spoolHeaderSize
	s.segmentNum++
	return nil
}

func (s *Spool) listSegments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".spool") {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded names sort numerically
	return paths, nil
}

func (s *Spool) highestSegment() (uint64, error) {
	segs, err := s.listSegments()
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, p := range segs {
		var num uint64
		if _, err := fmt.Sscanf(filepath.Base(p), "%09d.spool", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest, nil
}

func (s *Spool) readSegment(path string) ([]model.MetricQueueEntry, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from s.dir
	if err != nil {
		return nil, fmt.Errorf("spool: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var hdr [spoolHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("spool: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != spoolMagic {
		return nil, fmt.Errorf("spool: bad magic 0x%08X", magic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != spoolVersion {
		return nil, fmt.Errorf("spool: unsupported version %d", version)
	}

	var out []model.MetricQueueEntry
	for {
		var head [spoolRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break // end of segment or truncated head
		}
		n := binary.BigEndian.Uint32(head[:])
		if n > spoolMaxPayload {
			s.logger.Warn("spool: corrupted payload length, stopping segment read", "path", path, "payload_len", n)
			break
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		var crcBuf [spoolCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}
		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			s.logger.Warn("spool: CRC mismatch, stopping segment read", "path", path)
			break
		}
		var e model.MetricQueueEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			s.logger.Warn("spool: corrupted entry JSON, stopping segment read", "path", path, "error", err)
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Spool) registerMetrics() {
	meter := telemetry.Meter("autolog/spool")

	_, _ = meter.Int64ObservableGauge("autolog.spool.segment_count",
		metric.WithDescription("Current number of dead-letter spool segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.SegmentCount()))
			return nil
		}),
	)
}

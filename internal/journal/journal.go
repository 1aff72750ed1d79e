// Package journal persists an append-only audit trail of the mesh's
// trust decisions: consensus verdicts and security events. Each record
// is a JSON line carrying a CRC32 of its data, so a truncated or
// corrupted tail is detected on replay instead of poisoning the
// history.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record types.
const (
	RecordVerdict       = "verdict"
	RecordSecurityEvent = "security_event"
	RecordTaskFailed    = "task_failed"
)

var (
	ErrCorruptRecord = errors.New("journal record checksum mismatch")
	ErrClosed        = errors.New("journal is closed")
)

// Record is one journal entry.
type Record struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp_ms"`
	Checksum  uint32          `json:"crc32"`
	Data      json.RawMessage `json:"data"`
}

// Journal is a buffered append-only log. Appends land in a buffer and
// reach disk on the flush interval or on Close.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	seq    uint64
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates or appends to the journal at path. Existing records are
// scanned to resume the sequence counter.
func Open(path string, flushInterval time.Duration) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	lastSeq, err := scanLastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	j := &Journal{
		file:   f,
		w:      bufio.NewWriter(f),
		seq:    lastSeq,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go j.flushLoop(flushInterval)
	return j, nil
}

func scanLastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// Truncated tail from a crash mid-write; resume before it.
			break
		}
		last = rec.Seq
	}
	return last, nil
}

// Append serializes v and writes one record. The write is buffered; it
// is durable after the next flush.
func (j *Journal) Append(recordType string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal data: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	rec := Record{
		Seq:       j.seq,
		Type:      recordType,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  crc32.ChecksumIEEE(data),
		Data:      data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}

// Flush pushes buffered records to the OS.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.w.Flush()
}

// Close flushes, syncs, and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopCh)
	<-j.doneCh

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

func (j *Journal) flushLoop(interval time.Duration) {
	defer close(j.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				if err := j.w.Flush(); err != nil {
					// Keep appending; Close surfaces persistent failures.
					_ = err
				}
			}
			j.mu.Unlock()
		}
	}
}

// Replay reads every intact record in order. A checksum mismatch stops
// the replay with ErrCorruptRecord; a truncated tail ends it silently.
func Replay(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil
		}
		if crc32.ChecksumIEEE(rec.Data) != rec.Checksum {
			return fmt.Errorf("%w: seq %d", ErrCorruptRecord, rec.Seq)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

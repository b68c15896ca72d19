// Package audit appends one JSON line per tool invocation to date-organized
// files, so controller activity can be replayed and diffed after the fact.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// CallRecord is one audited tool invocation.
type CallRecord struct {
	Time            time.Time       `json:"time"`
	ToolID          string          `json:"tool_id"`
	PageIndex       int             `json:"page_index"`
	DurationMS      int64           `json:"duration_ms"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ResultTruncated bool            `json:"result_truncated,omitempty"`
	ResultSizeBytes int             `json:"result_size_bytes,omitempty"`
	ResultSHA256    string          `json:"result_sha256,omitempty"`
}

// Recorder writes call records asynchronously. Writes never block the call
// path; when the buffer is full the record is dropped with a warning.
type Recorder struct {
	baseDir   string
	maxSizeMB int
	writeCh   chan CallRecord
	done      chan struct{}
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	out         *lumberjack.Logger
}

const (
	recordBufferSize = 256
	// maxResultBytes bounds how much of a tool result lands in the log.
	// Larger results are truncated and identified by digest instead.
	maxResultBytes = 16 * 1024
)

// NewRecorder starts a recorder writing under baseDir. Files rotate by UTC
// date directory and by size.
func NewRecorder(baseDir string, maxSizeMB int) *Recorder {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	r := &Recorder{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan CallRecord, recordBufferSize),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// Record queues one call record.
func (r *Recorder) Record(rec CallRecord) {
	rec.Result, rec.ResultTruncated, rec.ResultSizeBytes, rec.ResultSHA256 = truncateResult(rec.Result)
	select {
	case r.writeCh <- rec:
	case <-r.done:
	default:
		slog.Warn("audit buffer full, dropping record", "tool_id", rec.ToolID)
	}
}

// Close flushes pending records and releases the underlying file.
func (r *Recorder) Close() error {
	close(r.done)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec := <-r.writeCh:
			r.writeRecord(rec)
		case <-timeout:
			slog.Warn("audit close timeout, some records may be lost")
			goto done
		default:
			goto done
		}
	}

done:
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out != nil {
		return r.out.Close()
	}
	return nil
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.writeCh:
			r.writeRecord(rec)
		case <-r.done:
			return
		}
	}
}

func (r *Recorder) writeRecord(rec CallRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("audit marshal failed", "error", err, "tool_id", rec.ToolID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if r.out == nil || date != r.currentDate {
		if err := r.rotateForDate(date); err != nil {
			slog.Error("audit rotate failed", "error", err, "date", date)
			return
		}
	}

	if _, err := r.out.Write(append(data, '\n')); err != nil {
		slog.Error("audit write failed", "error", err, "tool_id", rec.ToolID)
	}
}

func (r *Recorder) rotateForDate(date string) error {
	if r.out != nil {
		_ = r.out.Close()
	}

	dir := filepath.Join(r.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	r.out = &lumberjack.Logger{
		Filename:  filepath.Join(dir, "tool_calls.jsonl"),
		MaxSize:   r.maxSizeMB,
		MaxAge:    30,
		LocalTime: false,
	}
	r.currentDate = date
	slog.Info("audit file opened", "dir", dir)
	return nil
}

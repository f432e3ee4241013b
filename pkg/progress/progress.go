// Package progress defines the sink a sync run reports file-level
// progress to, and a slog-backed default implementation.
package progress

import (
	"log/slog"
	"sync"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// Sink receives per-item lifecycle events during a sync. Implementations
// must be safe for concurrent use (SlogSink is); the snapshot materializer
// itself calls them from a single goroutine, one payload at a time.
//
// Progress is part of the interface for sinks that want sub-item byte
// counters (a download bar, say); the materializer currently fetches each
// payload's body in one buffered read and never calls it, only
// Started/Completed/Failed.
type Sink interface {
	Started(path string, size int64)
	Progress(path string, bytes int64)
	Completed(path string, fromPool bool)
	Failed(path string, kind mirrorerr.Kind)
}

// Summary accumulates the outcome of a sync run for final reporting.
type Summary struct {
	mu sync.Mutex

	Reused       int
	Fetched      int
	BytesFetched int64
	ErrorsByKind map[mirrorerr.Kind]int
}

// NewSummary returns an empty Summary.
func NewSummary() *Summary {
	return &Summary{ErrorsByKind: map[mirrorerr.Kind]int{}}
}

func (s *Summary) recordCompleted(fromPool bool, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromPool {
		s.Reused++
	} else {
		s.Fetched++
		s.BytesFetched += bytes
	}
}

func (s *Summary) recordFailed(kind mirrorerr.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorsByKind[kind]++
}

// SlogSink logs every event at Info via the given logger and accumulates
// results into Summary.
type SlogSink struct {
	log     *slog.Logger
	Summary *Summary

	mu    sync.Mutex
	sizes map[string]int64
}

// NewSlogSink builds a Sink that logs to log and feeds summary.
func NewSlogSink(log *slog.Logger, summary *Summary) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	if summary == nil {
		summary = NewSummary()
	}
	return &SlogSink{log: log, Summary: summary, sizes: map[string]int64{}}
}

var _ Sink = (*SlogSink)(nil)

func (s *SlogSink) Started(path string, size int64) {
	s.mu.Lock()
	s.sizes[path] = size
	s.mu.Unlock()
	s.log.Info("fetch started", slog.String("path", path), slog.Int64("size", size))
}

func (s *SlogSink) Progress(path string, bytes int64) {
	s.log.Debug("fetch progress", slog.String("path", path), slog.Int64("bytes", bytes))
}

func (s *SlogSink) Completed(path string, fromPool bool) {
	s.mu.Lock()
	size := s.sizes[path]
	s.mu.Unlock()

	s.log.Info("fetch completed", slog.String("path", path), slog.Bool("from_pool", fromPool))
	s.Summary.recordCompleted(fromPool, size)
}

func (s *SlogSink) Failed(path string, kind mirrorerr.Kind) {
	s.log.Warn("fetch failed", slog.String("path", path), slog.String("kind", kind.String()))
	s.Summary.recordFailed(kind)
}

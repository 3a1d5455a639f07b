package executor

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	repeatFlushInterval = 5 * time.Second
	tailBufferSize      = 100
)

// lineStream splits written bytes into lines, collapses consecutive repeats
// and keeps a tail of recent lines.
type lineStream struct {
	mu       sync.Mutex
	emit     func(string)
	pending  bytes.Buffer
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
}

func newLineStream(emit func(string)) *lineStream {
	return &lineStream{
		emit:     emit,
		maxDelay: repeatFlushInterval,
		bufSize:  tailBufferSize,
	}
}

func (s *lineStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Write(p)
	for {
		idx := bytes.IndexByte(s.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(s.pending.Next(idx + 1))
		s.add(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any partial line and pending repeat summary.
func (s *lineStream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() > 0 {
		line := s.pending.String()
		s.pending.Reset()
		s.add(strings.TrimRight(line, "\r\n"))
	}
	s.flushRepeatsAt(time.Now())
}

func (s *lineStream) Close() error {
	s.Flush()
	return nil
}

// Snapshot returns up to limit of the most recent lines.
func (s *lineStream) Snapshot(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(s.buffer) {
		return append([]string(nil), s.buffer...)
	}
	return append([]string(nil), s.buffer[len(s.buffer)-limit:]...)
}

func (s *lineStream) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	now := time.Now()
	if s.last == "" {
		s.last = line
		s.repeats = 0
		s.emitLine(line, now)
		return
	}
	if line == s.last {
		s.repeats++
		if s.maxDelay > 0 && now.Sub(s.lastEmit) >= s.maxDelay {
			s.flushRepeatsAt(now)
		}
		return
	}
	s.flushRepeatsAt(now)
	s.last = line
	s.repeats = 0
	s.emitLine(line, now)
}

func (s *lineStream) flushRepeatsAt(now time.Time) {
	if s.repeats == 0 || s.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", s.last, s.repeats)
	s.repeats = 0
	s.emitLine(msg, now)
}

func (s *lineStream) emitLine(line string, now time.Time) {
	if s.emit != nil {
		s.emit(line)
	}
	s.lastEmit = now
	if s.bufSize <= 0 {
		return
	}
	if len(s.buffer) < s.bufSize {
		s.buffer = append(s.buffer, line)
		return
	}
	s.buffer = append(s.buffer[1:], line)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// LogLine is one structured log line as written by zerolog.
type LogLine struct {
	Level zerolog.Level
	Raw   []byte // a single JSON object, no trailing newline
}

// LogStream fans log lines out to live subscribers. It is an io.Writer meant
// to sit behind a zerolog logger (directly or via zerolog.MultiLevelWriter),
// so every Write carries whole lines. Nothing is retained: subscribers only
// see lines written after they subscribed.
//
// Safe for concurrent use. Writers never block on slow subscribers; lines
// that do not fit a subscriber's buffer are dropped for that subscriber.
type LogStream struct {
	mu     sync.Mutex
	subs   map[*logSub]struct{}
	closed bool
}

type logSub struct {
	min zerolog.Level
	ch  chan LogLine
}

// NewLogStream creates a stream with no subscribers.
func NewLogStream() *LogStream {
	return &LogStream{subs: make(map[*logSub]struct{})}
}

// Write implements io.Writer.
func (s *LogStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.subs) == 0 {
		return len(p), nil
	}

	for _, raw := range bytes.Split(p, []byte{'\n'}) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		line := LogLine{Level: ParseLevel(raw), Raw: bytes.Clone(raw)}
		for sub := range s.subs {
			if line.Level < sub.min {
				continue
			}
			select {
			case sub.ch <- line:
			default:
			}
		}
	}
	return len(p), nil
}

// Subscribe returns a channel receiving every line at or above min. The
// channel is closed when ctx ends or the stream is closed.
func (s *LogStream) Subscribe(ctx context.Context, min zerolog.Level) <-chan LogLine {
	sub := &logSub{min: min, ch: make(chan LogLine, 256)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch
}

// Subscribers returns the number of live subscriptions.
func (s *LogStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription. Later writes are discarded.
func (s *LogStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// ParseLevel reads the level field of a zerolog JSON line. Lines without a
// recognisable level are treated as info.
func ParseLevel(line []byte) zerolog.Level {
	var fields struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(line, &fields); err != nil || fields.Level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(fields.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// lineWriter is an io.Writer that turns raw process output into structured
// log lines. Partial writes are buffered until a newline is seen.
//
// Safe for concurrent use.
type lineWriter struct {
	log    zerolog.Logger
	stream string // "stdout" or "stderr"

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(log zerolog.Logger, stream string) *lineWriter {
	return &lineWriter{log: log, stream: stream}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// No newline found, put the partial line back.
			w.buf.Write(line)
			break
		}
		w.emit(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	ev := w.log.Info()
	if w.stream == "stderr" {
		ev = w.log.Warn()
	}
	ev.Str("stream", w.stream).Msg(string(line))
}

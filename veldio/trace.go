package veldio

import (
	"io"
	"log/slog"

	"github.com/veldmail/veld/mlog"
)

// TraceWriter wraps a writer and logs all writes at a trace level, prefixed to
// indicate direction.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

// NewTraceWriter wraps "w" into a writer that logs all writes to "log" with
// log level trace, prefixed with "prefix".
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

// SetTrace changes the level data is logged at, e.g. to hide credentials
// during authentication or full messages during data transfer.
func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader wraps a reader and logs all successful reads at a trace level.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

// SetTrace changes the level data is logged at.
func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}

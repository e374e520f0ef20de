// Package mlog provides logging with log levels and structured fields, built
// on log/slog.
//
// Log levels can be configured per originating package, e.g. submitserver or
// ratelimit. The configuration is application-global.
//
// Multiple trace levels are used for protocol traces: "trace" logs protocol
// lines in both directions, "traceauth" also logs lines with credentials,
// "tracedata" also logs full message data transfers.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Levels for protocol traces, below slog.LevelDebug.
const (
	LevelTrace     slog.Level = slog.LevelDebug - 4
	LevelTraceauth slog.Level = slog.LevelDebug - 6
	LevelTracedata slog.Level = slog.LevelDebug - 8

	// Always logged, also used for lines that stop the program.
	LevelPrint slog.Level = slog.LevelError + 4
	LevelFatal slog.Level = slog.LevelError + 8
)

// Levels maps names from the configuration file to levels.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     slog.LevelError,
	"warn":      slog.LevelWarn,
	"info":      slog.LevelInfo,
	"debug":     slog.LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings maps levels to their configuration names.
var LevelStrings = map[slog.Level]string{
	LevelPrint:      "print",
	LevelFatal:      "fatal",
	slog.LevelError: "error",
	slog.LevelWarn:  "warn",
	slog.LevelInfo:  "info",
	slog.LevelDebug: "debug",
	LevelTrace:      "trace",
	LevelTraceauth:  "traceauth",
	LevelTracedata:  "tracedata",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// minimum log level. The empty string is the default/fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelInfo})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log is the logging instance used throughout the code base. The zero value is
// not usable, make one with New.
type Log struct {
	logger    *slog.Logger
	pkg       string
	moreAttrs func() []slog.Attr
}

// New returns a Log for the named package, logging through logger, or the
// process-wide default handler if logger is nil. Each logged line gets a field
// "pkg".
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(defaultHandler)
	}
	return Log{logger: logger, pkg: pkg}
}

// Logger returns the underlying slog.Logger, for passing to code that is not
// aware of Log.
func (l Log) Logger() *slog.Logger {
	return l.logger
}

// WithCid adds a field "cid" to each logged line.
func (l Log) WithCid(cid int64) Log {
	nl := l
	nl.logger = l.logger.With(slog.Int64("cid", cid))
	return nl
}

// WithContext adds a "cid" field if the context carries one through CidKey.
func (l Log) WithContext(ctx context.Context) Log {
	v := ctx.Value(CidKey)
	if v == nil {
		return l
	}
	cid, ok := v.(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// WithPkg returns a Log logging to the same destination as a different package.
func (l Log) WithPkg(pkg string) Log {
	nl := l
	nl.pkg = pkg
	return nl
}

// WithFunc sets a function that is called for each logged line, its attrs are
// appended. Used for fields whose values change between calls, e.g. time
// deltas for a connection.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.moreAttrs = fn
	return nl
}

func (l Log) enabled(level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	min, ok := c[l.pkg]
	if !ok {
		min = c[""]
	}
	return level >= min
}

func (l Log) log(level slog.Level, msg string, err error, attrs []slog.Attr) {
	if !l.enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	if l.moreAttrs != nil {
		attrs = append(attrs, l.moreAttrs()...)
	}
	attrs = append(attrs, slog.String("pkg", l.pkg))
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Print logs regardless of the configured log level.
func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.log(LevelPrint, msg, nil, attrs)
}

// Printx is Print with an error.
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelPrint, msg, err, attrs)
}

// Fatal logs msg and stops the program.
func (l Log) Fatal(msg string, attrs ...slog.Attr) {
	l.log(LevelFatal, msg, nil, attrs)
	os.Exit(1)
}

// Fatalx is Fatal with an error.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelFatal, msg, err, attrs)
	os.Exit(1)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(slog.LevelError, msg, nil, attrs) }
func (l Log) Warn(msg string, attrs ...slog.Attr)  { l.log(slog.LevelWarn, msg, nil, attrs) }
func (l Log) Info(msg string, attrs ...slog.Attr)  { l.log(slog.LevelInfo, msg, nil, attrs) }
func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(slog.LevelDebug, msg, nil, attrs) }

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, err, attrs)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, err, attrs)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, msg, err, attrs)
}

// Check logs an error if err is not nil. Intended for deferred cleanup calls
// whose errors are worth a log line but don't change behaviour.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs a protocol trace, e.g. data read from or written to a
// connection. The configured trace level decides whether it appears.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.enabled(level) {
		return
	}
	l.log(level, prefix+escape(data), nil, nil)
}

func escape(data []byte) string {
	var sb strings.Builder
	for _, c := range data {
		if c >= ' ' && c < 0x7f {
			sb.WriteByte(c)
		} else {
			switch c {
			case '\r':
				sb.WriteString(`\r`)
			case '\n':
				sb.WriteString(`\n`)
			case '\t':
				sb.WriteString(`\t`)
			default:
				fmt.Fprintf(&sb, `\x%02x`, c)
			}
		}
	}
	return sb.String()
}

var defaultHandler slog.Handler = &handler{w: os.Stderr, mu: &sync.Mutex{}}

// SetDefaultWriter changes where the default handler writes, e.g. to a log
// file. For use at startup only.
func SetDefaultWriter(w io.Writer) {
	defaultHandler = &handler{w: w, mu: &sync.Mutex{}}
}

// DefaultLogger returns a slog.Logger writing through the default handler.
func DefaultLogger() *slog.Logger {
	return slog.New(defaultHandler)
}

// handler writes logfmt-like lines: time, level, message, then fields. We
// don't use slog.TextHandler because we want our trace levels printed by name
// and because level filtering is done per package in Log.
type handler struct {
	w     io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	// Log decides per package, we accept everything that reaches us.
	return true
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.UTC().Format(time.RFC3339Nano))
	sb.WriteString(" l=")
	sb.WriteString(levelName(r.Level))
	sb.WriteString(" m=")
	sb.WriteString(strconv.Quote(r.Message))
	for _, a := range h.attrs {
		writeAttr(&sb, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, a)
		return true
	})
	sb.WriteByte('\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// We don't use groups.
	return h
}

func levelName(level slog.Level) string {
	if s, ok := LevelStrings[level]; ok {
		return s
	}
	return level.String()
}

func writeAttr(sb *strings.Builder, a slog.Attr) {
	sb.WriteByte(' ')
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	v := a.Value.Resolve()
	s := v.String()
	if strings.ContainsAny(s, " \t\r\n\"") || s == "" {
		s = strconv.Quote(s)
	}
	sb.WriteString(s)
}

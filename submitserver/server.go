// Package submitserver implements a mail submission (SMTP) server, accepting
// authenticated connections from mail clients and handing fully collected
// messages to a Backend.
package submitserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"golang.org/x/text/unicode/norm"

	"github.com/veldmail/veld/conntrack"
	"github.com/veldmail/veld/dns"
	"github.com/veldmail/veld/metrics"
	"github.com/veldmail/veld/mlog"
	"github.com/veldmail/veld/proxyproto"
	"github.com/veldmail/veld/ratelimit"
	"github.com/veldmail/veld/smtp"
	"github.com/veldmail/veld/veld-"
	"github.com/veldmail/veld/veldio"
)

// We use panic and recover for error handling while executing commands.
// These errors signal the connection must be closed.
var errIO = errors.New("io error")

var limiterAuth, limiterSend *ratelimit.Limiter

func init() {
	// Also called by tests, so they don't trip rate limits from earlier tests.
	limitersInit()
}

func limitersInit() {
	limiterAuth = &ratelimit.Limiter{
		Windows: []ratelimit.Window{
			{Duration: time.Minute, Max: 3},
			{Duration: time.Hour, Max: 15},
		},
		Lockout: 15 * time.Minute,
	}
	limiterSend = &ratelimit.Limiter{
		Windows: []ratelimit.Window{
			{Duration: time.Minute, Max: 5},
			{Duration: time.Hour, Max: 30},
			{Duration: 24 * time.Hour, Max: 100},
		},
	}
}

// StartLimiterSweeps starts periodic sweeps over both limiter tables,
// removing stale keys, until ctx is done.
func StartLimiterSweeps(ctx context.Context) {
	go limiterAuth.PeriodicSweep(ctx, 15*time.Minute, func(removed int) {
		metrics.LimiterSweepAdd("auth", removed)
	})
	go limiterSend.PeriodicSweep(ctx, 15*time.Minute, func(removed int) {
		metrics.LimiterSweepAdd("send", removed)
	})
}

var (
	// Delays for bad/suspicious behaviour. Zero during tests.
	badClientDelay = time.Second // Before reads and after 1-byte writes for misbehaving clients.
	authFailDelay  = time.Second // Response to authentication failure.

	// Commands taking longer than this log a latency warning. Zero disables the
	// warning, for tests.
	slowCommandThreshold = 750 * time.Millisecond
)

// Timeouts per protocol phase. Vars only so tests can shorten them.
var (
	idleTimeout             = 5 * time.Minute  // Between commands.
	authContinuationTimeout = 60 * time.Second // Per continuation line during AUTH.
	dataChunkTimeout        = 30 * time.Second // Per read while receiving message data.
	writeTimeout            = 30 * time.Second
	proxyHeaderTimeout      = 5 * time.Second
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veld_submitserver_connection_total",
			Help: "Incoming submission connections.",
		},
		[]string{
			"kind", // "submit"
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veld_submitserver_command_duration_seconds",
			Help:    "Submission server command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"kind",
			"cmd",
			"code",
			"ecode",
		},
	)
)

// Options configure a listener for Listen.
type Options struct {
	Name     string     // Listener name, for logging.
	Address  string     // host:port to listen on.
	Hostname dns.Domain // Announced in the greeting and EHLO response.

	Backend Backend

	MaxMessageSize        int64
	MaxRecipients         int
	MaxConnections        int // Cap on open connections across all addresses, 0 is unlimited.
	MaxConnectionsPerAddr int
	ProxyProtocol         bool // Expect a PROXY v1 preamble on accepted connections.
}

var servers []func()

// Listen initializes a network listener for incoming submission connections.
// The listener is stored for a later call to Serve.
func Listen(opts Options) {
	log := mlog.New("submitserver", nil)
	ln, err := net.Listen("tcp", opts.Address)
	if err != nil {
		log.Fatalx("submit: listen", err, slog.String("address", opts.Address), slog.String("listener", opts.Name))
	}
	if os.Getuid() == 0 {
		log.Print("listening for submission",
			slog.String("listener", opts.Name),
			slog.String("address", opts.Address))
	}

	tracker := &conntrack.Tracker{MaxTotal: opts.MaxConnections, MaxPerAddr: opts.MaxConnectionsPerAddr}

	serveln := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				log.Infox("submit: accept", err, slog.String("listener", opts.Name))
				continue
			}
			go serve(opts.Name, veld.Cid(), opts.Hostname, conn, opts.Backend, opts.MaxMessageSize, opts.MaxRecipients, opts.ProxyProtocol, tracker)
		}
	}
	servers = append(servers, serveln)
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, serve := range servers {
		go serve()
	}
}

type conn struct {
	cid int64

	// OrigConn is the original (TCP) connection. We read from/write to conn, which
	// may wrap origConn to replay bytes consumed while probing for a proxy preamble.
	origConn net.Conn
	conn     net.Conn

	r           *bufio.Reader
	w           *bufio.Writer
	tr          *veldio.TraceReader // Kept for changing trace level during auth/data.
	tw          *veldio.TraceWriter
	slow        bool      // If set, reads are done with a delay and writes byte by byte, to keep abusers busy.
	lastlog     time.Time // For printing the delta time since the previous log line for this connection.
	log         mlog.Log
	hostname    dns.Domain
	backend     Backend
	remoteIP    net.IP // Either from the proxy preamble or transport peer address.
	localIP     net.IP
	limiterKey  string // Normalized remote address, shared key format of conntrack and the limiters.
	readTimeout time.Duration

	maxMessageSize int64
	maxRecipients  int

	cmd      string    // Current command.
	cmdStart time.Time // Start of current command.
	ncmds    int       // Number of commands processed, for treating an unknown first command as a non-smtp client.

	helloSeen bool
	ehlo      bool // If set, client sent EHLO instead of HELO.

	authFailed int    // Number of failed auth attempts, for slowing down the remote.
	username   string // Only when authenticated.
	principal  string // Account identifier from Backend.Verify, only when authenticated.

	// Message transaction.
	mailFrom    *smtp.Address
	has8bitmime bool // MAIL FROM with BODY=8BITMIME.
	recipients  []smtp.Address
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || veldio.IsClosed(err)
}

// rset clears the mail transaction state, for the RSET command and after a
// transfer attempt. Authentication is kept, only connection teardown clears it.
func (c *conn) rset() {
	c.mailFrom = nil
	c.has8bitmime = false
	c.recipients = nil
}

func (c *conn) earliestDeadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func (c *conn) xneedHello() {
	if !c.helloSeen {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "an ehlo/helo is required first")
	}
}

func (c *conn) xcheckAuth() {
	if c.principal == "" {
		xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7Other0, "authentication required")
	}
}

func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// setSlow marks the connection slow (or not), so reads are done with a delay
// for each read, and writes are done 1 byte at a time, to slow down clients
// that keep failing authentication.
func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write writes to the connection. It panics on i/o errors, which is handled by
// the connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	// One deadline for the whole write. In case of slow writing, we write the last
	// chunk in one go, so clients don't abort the connection for being too slow.
	deadline := c.earliestDeadline(writeTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}

	var n int
	for len(buf) > 0 {
		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %w (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if len(buf) > 0 && badClientDelay > 0 {
			veld.Sleep(veld.Shutdown, badClientDelay)

			if time.Until(deadline) < 2*badClientDelay {
				chunk = len(buf)
			}
		}
	}
	return n, nil
}

// Read reads from the connection. It panics on i/o errors, which is handled by
// the connection command loop. The timeout depends on the protocol phase:
// shorter while reading auth continuations and message data than between
// commands.
func (c *conn) Read(buf []byte) (int, error) {
	if c.slow && badClientDelay > 0 {
		veld.Sleep(veld.Shutdown, badClientDelay)
	}

	// SetDeadline also covers writes: this keeps a read deadline from earlier in the
	// dialogue from firing during a slow multi-chunk write.
	if err := c.conn.SetDeadline(c.earliestDeadline(c.readTimeout)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %w (%w)", err, errIO))
	}
	return n, err
}

// Cache of line buffers for reading commands.
var bufpool = veldio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, veldio.ErrLineTooLong) {
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Other0, "line too long, smtp max is 512, we reached 2048", nil)
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write command response line to connection with codes and msg.
// Err is not sent to remote but is used for logging and can be empty.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	var ecode string
	if secode != "" {
		ecode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	duration := time.Since(c.cmdStart)
	metricCommands.WithLabelValues(c.kind(), c.cmd, fmt.Sprintf("%d", code), ecode).Observe(float64(duration) / float64(time.Second))
	c.log.Debugx("smtp command result", err,
		slog.String("kind", c.kind()),
		slog.String("cmd", c.cmd),
		slog.Int("code", code),
		slog.String("ecode", ecode),
		slog.Duration("duration", duration))
	if slowCommandThreshold > 0 && duration > slowCommandThreshold {
		c.log.Warn("slow command",
			slog.String("cmd", c.cmd),
			slog.Duration("duration", duration))
	}

	var sep string
	if ecode != "" {
		sep = " "
	}

	// Separate by newline and wrap long lines.
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		var prelen = 3 + 1 + len(ecode) + len(sep)
		for prelen+len(line) > 510 {
			e := 510 - prelen
			for ; e > 400 && line[e] != ' '; e-- {
			}
			c.bwritelinef("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		spdash := " "
		if i < len(lines)-1 {
			spdash = "-"
		}
		c.bwritelinef("%d%s%s%s%s", code, spdash, ecode, sep, line)
	}
}

// Buffered-write a formatted response line to connection.
func (c *conn) bwritelinef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprint(c.w, msg+"\r\n")
}

// Flush pending buffered writes to connection.
func (c *conn) xflush() {
	c.w.Flush() // Errors will have caused a panic in Write.
}

// Write (with flush) a response line with codes and message. err is not
// written, used for logging and can be nil.
func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

// Write (with flush) a formatted response line to connection.
func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

func (c *conn) kind() string {
	return "submit"
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

func serve(listenerName string, cid int64, hostname dns.Domain, nc net.Conn, backend Backend, maxMessageSize int64, maxRecipients int, proxyProtocol bool, tracker *conntrack.Tracker) {
	log := mlog.New("submitserver", nil).WithCid(cid)

	var localIP, remoteIP net.IP
	if a, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		localIP = a.IP
	} else {
		// For net.Pipe, during tests.
		localIP = net.ParseIP("127.0.0.10")
	}
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		// For net.Pipe, during tests.
		remoteIP = net.ParseIP("127.0.0.10")
	}

	// The proxy preamble, if configured and present, carries the real client
	// address. Bytes read while probing but not part of the preamble are replayed as
	// regular protocol input.
	xc := nc
	if proxyProtocol {
		if err := nc.SetReadDeadline(time.Now().Add(proxyHeaderTimeout)); err != nil {
			log.Errorx("setting deadline for proxy preamble", err)
		}
		br := bufio.NewReaderSize(nc, 512)
		ip, present, err := proxyproto.ReadRemote(br)
		if err != nil {
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				log.Infox("reading proxy preamble", err, slog.Any("remote", nc.RemoteAddr()))
				nc.Close()
				return
			}
			// No bytes within the probe window. Treat as absent, replay whatever arrived.
		}
		if present {
			remoteIP = ip
		}
		if n := br.Buffered(); n > 0 {
			xc = &veldio.PrefixConn{
				PrefixReader: io.LimitReader(br, int64(n)),
				Conn:         nc,
			}
		}
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			log.Errorx("setting keepalive", err)
		}
		if err := tc.SetNoDelay(true); err != nil {
			log.Errorx("setting nodelay", err)
		}
		if err := tc.SetReadBuffer(32 * 1024); err != nil {
			log.Errorx("setting read buffer", err)
		}
		if err := tc.SetWriteBuffer(32 * 1024); err != nil {
			log.Errorx("setting write buffer", err)
		}
	}

	c := &conn{
		cid:      cid,
		origConn: nc,
		conn:     xc,
		lastlog:  time.Now(),
		// For responses written before the first command, e.g. a refusal at the
		// connection cap.
		cmd:            "(connect)",
		cmdStart:       time.Now(),
		hostname:       hostname,
		backend:        backend,
		localIP:        localIP,
		remoteIP:       remoteIP,
		limiterKey:     conntrack.Key(remoteIP),
		readTimeout:    idleTimeout,
		maxMessageSize: maxMessageSize,
		maxRecipients:  maxRecipients,
	}
	var logmutex sync.Mutex
	c.log = mlog.New("submitserver", nil).WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})
	c.tr = veldio.NewTraceReader(c.log, "RC: ", c)
	c.tw = veldio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	metricConnection.WithLabelValues(c.kind()).Inc()
	c.log.Info("new connection",
		slog.Any("remote", c.remoteIP),
		slog.Any("local", c.localIP),
		slog.String("listener", listenerName))

	defer func() {
		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			// A deadline expiry gets a transient-failure response before the close. Best
			// effort, the write itself can fail, e.g. when the expired deadline was for
			// a write.
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				func() {
					defer func() { recover() }()
					c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3Other0, "timeout", nil)
				}()
			}
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Submitserver)
		}

		c.origConn.Close()
		c.conn.Close()
	}()

	select {
	case <-veld.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		return
	default:
	}

	if !tracker.Add(c.limiterKey) {
		c.log.Debug("refusing connection due to connection limits",
			slog.String("addr", c.limiterKey),
			slog.Int("openaddr", tracker.Open(c.limiterKey)),
			slog.Int("opentotal", tracker.Total()))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many connections, try again later", nil)
		return
	}
	defer tracker.Remove(c.limiterKey)

	c.writelinef("%d %s ESMTP veld", smtp.C220ServiceReady, c.hostname.ASCII)

	for {
		command(c)

		// If another command is present, don't flush our buffered response yet. Holding
		// off will cause us to respond with a single packet.
		n := c.r.Buffered()
		if n > 0 {
			buf, err := c.r.Peek(n)
			if err == nil && bytes.IndexByte(buf, '\n') >= 0 {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(c *conn, p *parser){
	"helo": (*conn).cmdHelo,
	"ehlo": (*conn).cmdEhlo,
	"auth": (*conn).cmdAuth,
	"mail": (*conn).cmdMail,
	"rcpt": (*conn).cmdRcpt,
	"data": (*conn).cmdData,
	"rset": (*conn).cmdRset,
	"noop": (*conn).cmdNoop,
	"quit": (*conn).cmdQuit,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var serr smtpError
		if errors.As(err, &serr) {
			msg := fmt.Sprintf("error processing command (%s)", veld.ReceivedID(c.cid))
			if serr.userError {
				msg = fmt.Sprintf("%s (%s)", serr.err, veld.ReceivedID(c.cid))
			}
			c.writecodeline(serr.code, serr.secode, msg, serr.err)
			if serr.printStack {
				c.log.Errorx("smtp error", serr.err, slog.Int("code", serr.code), slog.String("ecode", serr.secode))
				debug.PrintStack()
			}
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = " " + t[1]
	}
	cmd := t[0]
	cmdl := strings.ToLower(cmd)

	select {
	case <-veld.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		panic(errIO)
	default:
	}

	c.cmd = cmdl
	c.cmdStart = time.Now()

	p := newParser(args)
	fn, ok := commands[cmdl]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 0 {
			// Other side is likely speaking something else than SMTP, send error message
			// and stop processing because there is a good chance whatever they sent has
			// multiple lines.
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking smtp", nil)
			panic(errIO)
		}
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unknown command")
	}
	c.ncmds++
	fn(c, p)
}

func (c *conn) cmdHelo(p *parser) {
	c.cmdHello(p, false)
}

func (c *conn) cmdEhlo(p *parser) {
	c.cmdHello(p, true)
}

func (c *conn) cmdHello(p *parser, ehlo bool) {
	// Mail clients regularly put bogus information in the hostname/ip parameter. It
	// is of no use for submission, so there is no point in annoying the user with
	// errors they cannot fix themselves.
	if p.space() {
		p.remainder()
	}
	p.xend()

	// Reset the transaction state as if RSET had been issued. Authentication stays.
	c.rset()

	c.helloSeen = true
	c.ehlo = ehlo

	if !ehlo {
		c.bwritecodeline(smtp.C250Completed, "", c.hostname.ASCII, nil)
		c.xflush()
		return
	}

	c.bwritelinef("250-%s", c.hostname.ASCII)
	c.bwritelinef("250-PIPELINING")
	c.bwritelinef("250-SIZE %d", c.maxMessageSize)
	c.bwritelinef("250-AUTH PLAIN LOGIN")
	c.bwritelinef("250-ENHANCEDSTATUSCODES")
	c.bwritecodeline(smtp.C250Completed, "", "8BITMIME", nil)
	c.xflush()
}

func (c *conn) cmdAuth(p *parser) {
	c.xneedHello()

	if c.principal != "" {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not allowed during mail transaction")
	}

	// For many failed auth attempts, slow down verification attempts.
	if c.authFailed > 3 && authFailDelay > 0 {
		veld.Sleep(veld.Shutdown, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Compensated on success.
	defer func() {
		// On the 3rd failed authentication, start responding slowly. Successful auth
		// will cause fast responses again.
		if c.authFailed >= 3 {
			c.setSlow(true)
		}
	}()

	var authVariant string
	authResult := "error"
	defer func() {
		metrics.AuthenticationInc(c.kind(), authVariant, authResult)
	}()

	p.xspace()
	mech := p.xsaslMech()

	// Continuation rounds get a shorter read timeout than regular commands.
	xreadAuthLine := func() string {
		c.readTimeout = authContinuationTimeout
		defer func() {
			c.readTimeout = idleTimeout
		}()
		return c.readline()
	}

	// Read the first parameter, either as initial parameter or by sending a
	// continuation with the optional encChal (must already be base64-encoded).
	xreadInitial := func(encChal string) []byte {
		var auth string
		if p.empty() {
			c.writelinef("%d %s", smtp.C334ContinueAuth, encChal)
			auth = xreadAuthLine()
			if auth == "*" {
				authResult = "aborted"
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
			}
		} else {
			p.xspace()
			// Some clients send multiple spaces between the mechanism and the base64 data.
			for p.space() {
			}
			auth = p.remainder()
			if auth == "" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "missing initial auth base64 parameter after space")
			} else if auth == "=" {
				auth = "" // Base64 decode below will result in empty buffer.
			}
		}
		buf, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			// Same response as bad credentials. Distinguishing bad encoding from a bad
			// password would give probers a free oracle.
			authResult = "badcreds"
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
		}
		return buf
	}

	xreadContinuation := func() []byte {
		line := xreadAuthLine()
		if line == "*" {
			authResult = "aborted"
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			// See xreadInitial about not announcing decode errors.
			authResult = "badcreds"
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
		}
		return buf
	}

	// The auth limiter is consulted for both the source address and the claimed
	// account, a denial on either axis blocks the attempt. A lockout closes the
	// connection to discourage retry storms.
	xcheckLimits := func(username string) {
		now := time.Now()
		checks := []struct {
			axis string
			key  string
		}{
			{"addr", "addr\x00" + c.limiterKey},
			{"account", "account\x00" + username},
		}
		for _, ch := range checks {
			switch limiterAuth.Check(ch.key, now) {
			case ratelimit.DenyLockout:
				metrics.AuthenticationRatelimitedInc(ch.axis)
				authResult = "ratelimited"
				c.log.Info("authentication locked out", slog.String("axis", ch.axis), slog.Any("remote", c.remoteIP))
				c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many authentication failures, blocked temporarily", nil)
				panic(fmt.Errorf("authentication lockout: %w", errIO))
			case ratelimit.DenyWindow:
				metrics.AuthenticationRatelimitedInc(ch.axis)
				authResult = "ratelimited"
				xsmtpUserErrorf(smtp.C454TempAuthFail, smtp.SePol7Other0, "too many authentication attempts, slow down")
			}
		}
	}

	xverify := func(username, password string) {
		xcheckLimits(username)

		cidctx := context.WithValue(veld.Context, mlog.CidKey, c.cid)
		ctx, cancel := context.WithTimeout(cidctx, time.Minute)
		defer cancel()
		principal, err := c.backend.Verify(ctx, username, password)
		if err != nil && (errors.Is(err, ErrBadCredentials) || errors.Is(err, ErrCredentialsWeak)) {
			now := time.Now()
			limiterAuth.Record("addr\x00"+c.limiterKey, now)
			limiterAuth.Record("account\x00"+username, now)
			authResult = "badcreds"
			c.log.Info("failed authentication attempt",
				slog.String("username", smtp.RedactIdentifier(username)),
				slog.Any("remote", c.remoteIP),
				slog.Bool("weakcreds", errors.Is(err, ErrCredentialsWeak)))
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
		}
		xcheckf(err, "verifying credentials")

		limiterAuth.Reset("addr\x00" + c.limiterKey)
		limiterAuth.Reset("account\x00" + username)
		authResult = "ok"
		c.authFailed = 0
		c.setSlow(false)
		c.username = username
		c.principal = principal
	}

	switch mech {
	case "PLAIN":
		authVariant = "plain"

		// Password is in line in plain text, so hide it.
		defer c.xtrace(mlog.LevelTraceauth)()
		buf := xreadInitial("")
		c.xtrace(mlog.LevelTrace) // Restore.
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			// Malformed structure gets the same response as a bad password, see xreadInitial.
			authResult = "badcreds"
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "authentication failed")
		}
		authz := norm.NFC.String(string(plain[0]))
		authc := norm.NFC.String(string(plain[1]))
		password := string(plain[2])

		if authz != "" && authz != authc {
			authResult = "badcreds"
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "cannot assume other role")
		}

		xverify(authc, password)
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "nice", nil)

	case "LOGIN":
		// Obsoleted in favor of PLAIN, only implemented to support legacy clients.
		authVariant = "login"

		encChal := base64.StdEncoding.EncodeToString([]byte("User Name"))
		username := norm.NFC.String(string(xreadInitial(encChal)))

		c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte("Password")))

		// Password is in line in plain text, so hide it.
		defer c.xtrace(mlog.LevelTraceauth)()
		password := string(xreadContinuation())
		c.xtrace(mlog.LevelTrace) // Restore.

		xverify(username, password)
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "hello ancient smtp implementation", nil)

	default:
		xsmtpUserErrorf(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "mechanism %s not supported", mech)
	}
}

func (c *conn) cmdMail(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already have MAIL")
	}
	// Ensure clear transaction state on failure.
	defer func() {
		x := recover()
		if x != nil {
			c.rset()
			panic(x)
		}
	}()

	p.xtake(" FROM:")
	// Note: no space allowed after the colon, but some clients send one anyway.
	p.space()
	rpath := p.xpath()
	paramSeen := map[string]bool{}
	for p.space() {
		key := p.xparamKeyword()
		if paramSeen[key] {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate param %q", key)
		}
		paramSeen[key] = true

		switch key {
		case "SIZE":
			p.xtake("=")
			size := p.xnumber(20)
			if size > c.maxMessageSize {
				xsmtpUserErrorf(smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4, "message too large")
			}
			// We won't verify the message is exactly the size the client claims. But if it
			// is larger, we abort the transaction when it crosses the boundary.
		case "BODY":
			p.xtake("=")
			v := p.xparamValue()
			switch strings.ToUpper(v) {
			case "7BIT":
				c.has8bitmime = false
			case "8BITMIME":
				c.has8bitmime = true
			default:
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "unrecognized body value %q", v)
			}
		default:
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "unrecognized parameter %q", key)
		}
	}
	p.xend()

	if rpath.IsZero() {
		// Null reverse paths are for delivery notifications, they make no sense for
		// submission of a new message.
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1SenderSyntax7, "sender address required")
	}

	// The authenticated account must own the claimed sender address.
	cidctx := context.WithValue(veld.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, time.Minute)
	defer cancel()
	err := c.backend.Owns(ctx, rpath, c.principal)
	if err != nil && errors.Is(err, ErrNotOwner) {
		c.log.Info("submission with sender not owned by account",
			slog.String("username", c.username),
			slog.String("mailfrom", rpath.LogString()))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "must match authenticated user")
	}
	xcheckf(err, "checking sender address ownership")

	c.mailFrom = &rpath

	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "looking good", nil)
}

func (c *conn) cmdRcpt(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}

	p.xtake(" TO:")
	// Note: no space allowed after the colon, but some clients send one anyway.
	p.space()
	fpath := p.xpath()
	for p.space() {
		key := p.xparamKeyword()
		xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "unrecognized parameter %q", key)
	}
	p.xend()

	if fpath.IsZero() {
		xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeAddr1MailboxSyntax3, "recipient address required")
	}

	if len(c.recipients) >= c.maxRecipients {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "max of %d recipients reached", c.maxRecipients)
	}

	c.recipients = append(c.recipients, fpath)

	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "now on the list", nil)
}

func (c *conn) cmdData(p *parser) {
	c.xneedHello()
	c.xcheckAuth()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}
	if len(c.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing RCPT TO")
	}

	p.xend()

	// However the transfer ends, the transaction is over and the client can start a
	// new one with MAIL.
	defer c.rset()

	c.writelinef("%d see you at the bare dot", smtp.C354Continue)

	// Each chunk must arrive within the data timeout, replacing the idle timeout.
	c.readTimeout = dataChunkTimeout
	defer func() {
		c.readTimeout = idleTimeout
	}()

	// The data reader undoes dot-stuffing and stops at the bare dot, so the size
	// limit applies to the actual message, not the wire format.
	dr := smtp.NewDataReader(c.r)
	lr := &veldio.LimitReader{R: dr, Limit: c.maxMessageSize}

	// Mark as tracedata.
	defer c.xtrace(mlog.LevelTracedata)()
	var data bytes.Buffer
	_, err := io.Copy(&data, lr)
	c.xtrace(mlog.LevelTrace) // Restore.
	if err != nil {
		if errors.Is(err, veldio.ErrLimit) {
			// Drain the remaining data up to the terminator so the dialogue stays in sync,
			// then reject. The partial buffer is discarded. The drain is bounded too: a
			// client still going at twice the maximum size has its connection cut.
			drain := &veldio.LimitReader{R: dr, Limit: c.maxMessageSize}
			if _, derr := io.Copy(io.Discard, drain); derr != nil {
				panic(fmt.Errorf("draining oversized message: %s (%w)", derr, errIO))
			}
			c.writecodeline(smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4, fmt.Sprintf("message too large (%s)", veld.ReceivedID(c.cid)), err)
			return
		}
		// Remaining errors are i/o errors from our Read, or a missing terminator at
		// eof. Either way the connection is beyond saving.
		panic(fmt.Errorf("reading message data: %s (%w)", err, errIO))
	}

	// The send limiter is keyed by source address only. A denial never reaches the
	// backend.
	now := time.Now()
	if limiterSend.Check(c.limiterKey, now) != ratelimit.Allow {
		c.log.Info("submission rate limited", slog.String("addr", c.limiterKey))
		c.writecodeline(smtp.C450MailboxUnavail, smtp.SePol7Other0, "too many messages, try again later", nil)
		return
	}

	msg := Message{
		From: *c.mailFrom,
		To:   c.recipients,
		Data: data.Bytes(),
	}
	cidctx := context.WithValue(veld.Context, mlog.CidKey, c.cid)
	ctx, cancel := context.WithTimeout(cidctx, 15*time.Minute)
	defer cancel()
	err = c.backend.Send(ctx, c.principal, msg)
	if err != nil {
		var xc codes
		switch {
		case errors.Is(err, ErrSendRateLimited):
			xc = codes{smtp.C450MailboxUnavail, smtp.SePol7Other0}
		case errors.Is(err, ErrTooManyRecipients):
			xc = codes{smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3}
		case errors.Is(err, ErrMessageTooLarge):
			xc = codes{smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4}
		case errors.Is(err, ErrSendRejected):
			xc = codes{smtp.C550MailboxUnavail, smtp.SePol7Other0}
		default:
			xc = codes{smtp.C451LocalErr, smtp.SeSys3Other0}
		}
		c.log.Infox("message not accepted", err, slog.Int("code", xc.code))
		c.writecodeline(xc.code, xc.secode, fmt.Sprintf("message not accepted (%s)", veld.ReceivedID(c.cid)), err)
		return
	}
	limiterSend.Record(c.limiterKey, now)

	c.log.Info("message accepted",
		slog.String("mailfrom", msg.From.LogString()),
		slog.Int("recipients", len(msg.To)),
		slog.Int("size", len(msg.Data)))
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "message queued ("+veld.ReceivedID(c.cid)+")", nil)
}

func (c *conn) cmdRset(p *parser) {
	p.xend()

	c.rset()
	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "all clear", nil)
}

func (c *conn) cmdNoop(p *parser) {
	if p.space() {
		p.remainder()
	}
	p.xend()

	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "alrighty", nil)
}

func (c *conn) cmdQuit(p *parser) {
	p.xend()

	c.writecodeline(smtp.C221Closing, smtp.SeOther00, "okay thanks bye", nil)
	panic(cleanClose)
}

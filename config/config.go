// Package config holds the parsed form of the veld.conf configuration file.
package config

import (
	"github.com/veldmail/veld/dns"
)

// DefaultMaxMsgSize is the maximum message size accepted for submission, in
// bytes. Can be overridden per listener.
const DefaultMaxMsgSize = 100 * 1024 * 1024

// Defaults for listener limits with zero values in the config file.
const (
	DefaultMaxRecipients         = 100
	DefaultMaxConnections        = 1000
	DefaultMaxConnectionsPerAddr = 10
)

// Static is the parsed form of the veld.conf configuration file.
type Static struct {
	LogLevel         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, warn, info, debug, trace, traceauth, tracedata. Trace logs protocol transcripts, with traceauth also messages with passwords, and tracedata on top of that also full message data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. submitserver, userdb, spool)."`
	Hostname         string            `sconf-doc:"Full hostname of the system, announced in the greeting and EHLO response, e.g. mail.<domain>."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of hostname.
	AccountsFile     string            `sconf-doc:"File with account credentials and addresses, one account per line. If this is a relative path, it is relative to the directory of veld.conf."`
	SpoolDir         string            `sconf-doc:"Directory where accepted messages are spooled before further processing. If this is a relative path, it is relative to the directory of veld.conf."`
	Metrics          struct {
		Address string `sconf-doc:"Address to serve Prometheus metrics on, e.g. localhost:8010."`
	} `sconf:"optional" sconf-doc:"HTTP endpoint with Prometheus metrics."`
	Listeners map[string]Listener `sconf-doc:"Submission listeners by name. The name is used in logging."`
}

// Listener is a submission service on an address.
type Listener struct {
	Address               string `sconf-doc:"Address to listen on, e.g. 0.0.0.0:587."`
	ProxyProtocol         bool   `sconf:"optional" sconf-doc:"If set, incoming connections must start with a PROXY protocol v1 preamble, as sent by TCP-level proxies, carrying the original client address."`
	MaxMessageSize        int64  `sconf:"optional" sconf-doc:"Maximum accepted message size in bytes. Default 100MB."`
	MaxRecipients         int    `sconf:"optional" sconf-doc:"Maximum recipients per message. Default 100."`
	MaxConnections        int    `sconf:"optional" sconf-doc:"Maximum open connections across all client addresses. Default 1000."`
	MaxConnectionsPerAddr int    `sconf:"optional" sconf-doc:"Maximum open connections per client address (IPv6 addresses count per /64). Default 10."`
}

// Limits returns the listener limits with defaults applied for zero values.
func (l Listener) Limits() (maxMessageSize int64, maxRecipients, maxConnections, maxConnectionsPerAddr int) {
	maxMessageSize = l.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMsgSize
	}
	maxRecipients = l.MaxRecipients
	if maxRecipients == 0 {
		maxRecipients = DefaultMaxRecipients
	}
	maxConnections = l.MaxConnections
	if maxConnections == 0 {
		maxConnections = DefaultMaxConnections
	}
	maxConnectionsPerAddr = l.MaxConnectionsPerAddr
	if maxConnectionsPerAddr == 0 {
		maxConnectionsPerAddr = DefaultMaxConnectionsPerAddr
	}
	return
}

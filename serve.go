package main

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/maps"

	"github.com/veldmail/veld/mlog"
	"github.com/veldmail/veld/smtp"
	"github.com/veldmail/veld/spool"
	"github.com/veldmail/veld/submitserver"
	"github.com/veldmail/veld/userdb"
	"github.com/veldmail/veld/veld-"
	"github.com/veldmail/veld/veldvar"
)

// backend ties the accounts file and the spool together into the interface
// the submission server calls.
type backend struct {
	accounts *userdb.DB
	spool    *spool.Spool
}

func (b *backend) Verify(ctx context.Context, username, password string) (string, error) {
	principal, err := b.accounts.Verify(ctx, username, password)
	switch {
	case err == nil:
		return principal, nil
	case errors.Is(err, userdb.ErrUnknownCredentials):
		return "", submitserver.ErrBadCredentials
	case errors.Is(err, userdb.ErrCredentialsWeak):
		return "", submitserver.ErrCredentialsWeak
	}
	return "", err
}

func (b *backend) Owns(ctx context.Context, addr smtp.Address, principal string) error {
	err := b.accounts.Owns(ctx, addr, principal)
	if errors.Is(err, userdb.ErrNotOwner) {
		return submitserver.ErrNotOwner
	}
	return err
}

func (b *backend) Send(ctx context.Context, principal string, msg submitserver.Message) error {
	_, err := b.spool.Save(ctx, principal, msg.From, msg.To, msg.Data)
	switch {
	case errors.Is(err, spool.ErrTooLarge):
		return submitserver.ErrMessageTooLarge
	case errors.Is(err, spool.ErrTooManyRecipients):
		return submitserver.ErrTooManyRecipients
	}
	return err
}

func cmdServe(c *cmd) {
	c.help = `Start accepting submissions with the configuration from veld.conf.

Opens the submission listeners from the config file and writes accepted
messages to the spool directory. Reloads the accounts file on SIGHUP. On
SIGTERM/SIGINT open connections get a transient error response before the
process exits.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	log := c.log
	static := loadConfig()

	log.Print("starting up", slog.String("version", veldvar.Version), slog.Int("pid", os.Getpid()))

	spoolDir := configDirPath(static.SpoolDir)
	sp, err := spool.Open(spoolDir)
	if err != nil {
		log.Fatalx("opening spool directory", err, slog.String("dir", spoolDir))
	}
	// Spool sanity limits cover the most permissive listener.
	for _, l := range static.Listeners {
		maxMsgSize, maxRcpts, _, _ := l.Limits()
		if maxMsgSize > sp.MaxMessageSize {
			sp.MaxMessageSize = maxMsgSize
		}
		if maxRcpts > sp.MaxRecipients {
			sp.MaxRecipients = maxRcpts
		}
	}
	accounts, err := userdb.Open(configDirPath(static.AccountsFile))
	if err != nil {
		log.Fatalx("opening accounts file", err)
	}

	// Key for obfuscating cids in server responses, kept in the spool directory so
	// the ids stay decodable across restarts.
	recvidPath := filepath.Join(spoolDir, "receivedid.key")
	recvidbuf, err := os.ReadFile(recvidPath)
	if err != nil || len(recvidbuf) != 16+8 {
		recvidbuf = make([]byte, 16+8)
		if _, err := cryptorand.Read(recvidbuf); err != nil {
			log.Fatalx("reading random recvid data", err)
		}
		if err := os.WriteFile(recvidPath, recvidbuf, 0660); err != nil {
			log.Fatalx("writing receivedid.key", err, slog.String("path", recvidPath))
		}
	}
	if err := veld.ReceivedIDInit(recvidbuf[:16], recvidbuf[16:]); err != nil {
		log.Fatalx("init receivedid", err)
	}

	be := &backend{accounts: accounts, spool: sp}

	names := maps.Keys(static.Listeners)
	sort.Strings(names)
	for _, name := range names {
		l := static.Listeners[name]
		maxMsgSize, maxRcpts, maxConns, maxConnsPerAddr := l.Limits()
		submitserver.Listen(submitserver.Options{
			Name:                  name,
			Address:               l.Address,
			Hostname:              static.HostnameDomain,
			Backend:               be,
			MaxMessageSize:        maxMsgSize,
			MaxRecipients:         maxRcpts,
			MaxConnections:        maxConns,
			MaxConnectionsPerAddr: maxConnsPerAddr,
			ProxyProtocol:         l.ProxyProtocol,
		})
	}
	submitserver.Serve()
	submitserver.StartLimiterSweeps(veld.Shutdown)

	if static.Metrics.Address != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Fatalx("serving metrics", http.ListenAndServe(static.Metrics.Address, mux), slog.String("address", static.Metrics.Address))
		}()
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-sigc
		if sig == syscall.SIGHUP {
			accounts.Reload(mlog.New("userdb", nil))
			continue
		}
		log.Print("shutting down", slog.Any("signal", sig))
		break
	}
	veld.ShutdownCancel()
	// Give connections in a command a moment to see the shutdown and respond.
	time.Sleep(time.Second)
	log.Print("shutdown complete")
}

/*
Command veld is a mail submission server: authenticated clients hand in
messages over the SMTP submission protocol and veld writes them to a spool
directory for further processing.

	usage: veld [-config veld.conf] ...
	       veld serve
	       veld config test
	       veld config describe >veld.conf
	       veld hashpassword
	       veld cid id
	       veld version
	       veld help [command ...]
*/
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/veldmail/veld/config"
	"github.com/veldmail/veld/dns"
	"github.com/veldmail/veld/mlog"
	"github.com/veldmail/veld/userdb"
	"github.com/veldmail/veld/veld-"
	"github.com/veldmail/veld/veldvar"
)

var configPath string
var loglevel string // Empty is interpreted as info.

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"hashpassword", cmdHashpassword},
	{"cid", cmdCid},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("veld "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "veld " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "veld " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"veld [-config veld.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"veld"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("VELDCONF", "veld.conf"), "configuration file, defaults to $VELDCONF with a fallback to veld.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup, overriding the config file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig may be called again when a command loads the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				continue next
			}
		}
		c.flag = flag.NewFlagSet("veld "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// configDirPath interprets a path from the config file relative to the
// directory of the config file.
func configDirPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(configPath), path)
}

// loadConfig parses the config file and applies command-line loglevel
// overrides. It does not open the accounts file or spool directory.
func loadConfig() config.Static {
	var static config.Static
	err := sconf.ParseFile(configPath, &static)
	xcheckf(err, "parsing config file %s", configPath)

	static.HostnameDomain, err = dns.ParseDomain(static.Hostname)
	xcheckf(err, "parsing hostname %q from config file", static.Hostname)
	if static.AccountsFile == "" {
		log.Fatalf("%s: missing AccountsFile", configPath)
	}
	if static.SpoolDir == "" {
		log.Fatalf("%s: missing SpoolDir", configPath)
	}
	if len(static.Listeners) == 0 {
		log.Fatalf("%s: need at least one listener", configPath)
	}

	levels := map[string]slog.Level{}
	ll := static.LogLevel
	if loglevel != "" {
		ll = loglevel
	}
	if ll == "" {
		ll = "info"
	}
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown loglevel %q", ll)
	}
	levels[""] = level
	for pkg, s := range static.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			log.Fatalf("unknown loglevel %q for package %q", s, pkg)
		}
		levels[pkg] = level
	}
	mlog.SetConfig(levels)

	return static
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses the configuration file and the accounts file it references, reporting the first problem found.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	static := loadConfig()
	_, err := userdb.Open(configDirPath(static.AccountsFile))
	xcheckf(err, "checking accounts file")
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">veld.conf"
	c.help = `Prints an annotated empty configuration for use as veld.conf.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var static config.Static
	err := sconf.Describe(os.Stdout, &static)
	xcheckf(err, "describing config")
}

func cmdHashpassword(c *cmd) {
	c.help = `Reads a password from stdin and prints its hash for use in the accounts file.

The password is read from stdin instead of taken as a parameter so it does not
end up in shell history.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		xcheckf(err, "reading password from stdin")
	}
	password = strings.TrimRight(password, "\r\n")
	if len(password) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	hash, err := userdb.HashPassword(password)
	xcheckf(err, "hashing password")
	fmt.Println(hash)
}

func cmdCid(c *cmd) {
	c.params = "id"
	c.help = `Turn an ID from a server response into a cid, for looking up in logs.

A cid is essentially a connection counter initialized when veld starts. Each
log line contains a cid. Error responses and queued-message responses contain
a unique ID that can be decrypted to a cid by the admin of a veld instance
only.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	static := loadConfig()
	recvidPath := filepath.Join(configDirPath(static.SpoolDir), "receivedid.key")
	recvidbuf, err := os.ReadFile(recvidPath)
	xcheckf(err, "reading %s", recvidPath)
	if len(recvidbuf) != 16+8 {
		log.Fatalf("bad data in %s: got %d bytes, expect 16+8=24", recvidPath, len(recvidbuf))
	}
	err = veld.ReceivedIDInit(recvidbuf[:16], recvidbuf[16:])
	xcheckf(err, "init receivedid")

	cid, err := veld.ReceivedToCid(args[0])
	xcheckf(err, "received id to cid")
	fmt.Printf("%x\n", cid)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this veld version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(veldvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

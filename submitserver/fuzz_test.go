package submitserver

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/veldmail/veld/conntrack"
	"github.com/veldmail/veld/dns"
)

// Fuzz the server. For each fuzz string, we set up servers in various
// connection states, and write the string as command.
func FuzzServer(f *testing.F) {
	f.Add("HELO remote")
	f.Add("EHLO remote")
	f.Add("AUTH PLAIN")
	f.Add("AUTH LOGIN")
	f.Add("MAIL FROM:<leaf@veld.example>")
	f.Add("RCPT TO:<remote@example.org>")
	f.Add("DATA")
	f.Add(".")
	f.Add("RSET")
	f.Add("NOOP")
	f.Add("QUIT")

	var cid int64 = 1
	auth := "AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00"+testUser+"\x00"+testPass))

	f.Fuzz(func(t *testing.T, s string) {
		run := func(cmds []string) {
			limitersInit() // Reset rate limiters.
			serverConn, clientConn := net.Pipe()
			defer serverConn.Close()
			defer clientConn.Close()

			go func() {
				clientConn.SetDeadline(time.Now().Add(time.Second))
				clientConn.Read(make([]byte, 1024))
				for _, cmd := range cmds {
					clientConn.Write([]byte(cmd + "\r\n"))
					clientConn.Read(make([]byte, 1024))
				}
				clientConn.Write([]byte(s + "\r\n"))
				clientConn.Read(make([]byte, 1024))
				clientConn.Close()
				serverConn.Close()
			}()

			serverConn.SetDeadline(time.Now().Add(time.Second))
			serve("test", cid, dns.Domain{ASCII: "veld.example"}, serverConn, newTestBackend(), 100<<10, 100, false, &conntrack.Tracker{})
			cid++
		}

		run([]string{})
		run([]string{"EHLO remote"})
		run([]string{"EHLO remote", auth})
		run([]string{"EHLO remote", auth, "MAIL FROM:<" + testUser + ">"})
		run([]string{"EHLO remote", auth, "MAIL FROM:<" + testUser + ">", "RCPT TO:<remote@example.org>"})
	})
}

package veldio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn prefixed with a reader that is drained first. Used
// to replay bytes that were read while probing for a proxy preamble but are
// part of the protocol stream.
type PrefixConn struct {
	PrefixReader io.Reader // If not nil, reads are fulfilled from here. Cleared when a read returns io.EOF.
	net.Conn
}

// Read returns data from PrefixReader when not nil, from the net.Conn
// otherwise.
func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader != nil {
		n, err := c.PrefixReader.Read(buf)
		if err == io.EOF {
			c.PrefixReader = nil
			if n > 0 {
				return n, nil
			}
			return c.Conn.Read(buf)
		}
		return n, err
	}
	return c.Conn.Read(buf)
}

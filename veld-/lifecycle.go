// Package veld holds process-wide state shared by the server packages.
package veld

import (
	"context"
)

// Shutdown is canceled when the process is shutting down. Connection loops
// check it and respond with a transient failure before closing.
//
// ShutdownCancel is called by the serve command on SIGTERM/SIGINT, and by
// tests.
var Shutdown context.Context
var ShutdownCancel context.CancelFunc

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}

// Context is the default context for operations not tied to a connection.
var Context = context.Background()

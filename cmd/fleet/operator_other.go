//go:build !unix

package main

import "os"

// no operator signals outside unix; the agent only reacts to interrupts
var (
	reconnectSignal os.Signal
	retrySignal     os.Signal
)

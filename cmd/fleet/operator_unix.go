//go:build unix

package main

import (
	"os"
	"syscall"
)

var (
	reconnectSignal os.Signal = syscall.SIGHUP
	retrySignal     os.Signal = syscall.SIGUSR1
)

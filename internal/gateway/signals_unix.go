//go:build unix

package gateway

import (
	"os"

	"golang.org/x/sys/unix"
)

func gracefulSignals() []os.Signal {
	return []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP}
}

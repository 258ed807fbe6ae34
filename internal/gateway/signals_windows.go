//go:build windows

package gateway

import "os"

func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

package netscan

import (
	"context"
	"strconv"
	"time"
)

// IsHostAlive performs a single ICMP round against ip using the OS ping
// utility. Any error, including timeout, maps to false.
func (d *Discovery) IsHostAlive(ctx context.Context, ip string) bool {
	var args []string
	switch d.goos {
	case "windows":
		args = []string{"-n", "1", "-w", strconv.FormatInt(d.pingTimeout.Milliseconds(), 10), ip}
	case "darwin":
		// -W takes milliseconds on macOS.
		args = []string{"-c", "1", "-W", strconv.FormatInt(d.pingTimeout.Milliseconds(), 10), ip}
	default:
		// -W takes whole seconds on Linux.
		secs := int(d.pingTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = []string{"-c", "1", "-W", strconv.Itoa(secs), ip}
	}

	pingCtx, cancel := context.WithTimeout(ctx, d.pingTimeout+2*time.Second)
	defer cancel()

	_, err := d.runner.Run(pingCtx, "ping", args...)
	return err == nil
}

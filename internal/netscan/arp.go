package netscan

import (
	"context"
	"net"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const arpTimeout = 30 * time.Second

// DiscoveredHost is one entry parsed from the ARP table.
type DiscoveredHost struct {
	IP       string
	MAC      string
	Hostname string
}

// Discovery reads the ARP table and probes hosts.
type Discovery struct {
	log         zerolog.Logger
	pingTimeout time.Duration
	runner      CommandRunner
	goos        string
}

// NewDiscovery creates a Discovery using the OS arp/ping utilities.
func NewDiscovery(log zerolog.Logger, pingTimeout time.Duration) *Discovery {
	if pingTimeout <= 0 {
		pingTimeout = time.Second
	}
	return &Discovery{
		log:         log.With().Str("component", "netscan").Logger(),
		pingTimeout: pingTimeout,
		runner:      execRunner{},
		goos:        runtime.GOOS,
	}
}

// Unix arp -a lines look like:
//
//	hostname (192.168.1.10) at a:1b:63:4:d5:6 on en0 ifscope [ethernet]
//
// Short octets are tolerated; FormatMAC pads them later.
var arpUnixRe = regexp.MustCompile(`^(\S+) \((\d{1,3}(?:\.\d{1,3}){3})\) at ([0-9A-Fa-f]{1,2}(?::[0-9A-Fa-f]{1,2}){5})\b`)

// Windows arp -a lines look like:
//
//	192.168.1.10          aa-bb-cc-dd-ee-ff     dynamic
var arpWindowsRe = regexp.MustCompile(`^\s*(\d{1,3}(?:\.\d{1,3}){3})\s+([0-9A-Fa-f]{2}(?:-[0-9A-Fa-f]{2}){5})\s+(\w+)`)

// ScanARP primes the ARP cache, reads the system ARP table, and returns
// the parsed entries with hostnames resolved where possible.
func (d *Discovery) ScanARP(ctx context.Context) ([]DiscoveredHost, error) {
	d.primeARPCache(ctx)

	arpCtx, cancel := context.WithTimeout(ctx, arpTimeout)
	defer cancel()

	out, err := d.runner.Run(arpCtx, "arp", "-a")
	if err != nil {
		return nil, err
	}

	var hosts []DiscoveredHost
	if d.goos == "windows" {
		hosts = parseARPWindows(string(out))
	} else {
		hosts = parseARPUnix(string(out))
	}

	for i := range hosts {
		hosts[i].Hostname = d.resolveHostname(ctx, hosts[i].IP, hosts[i].Hostname)
	}

	d.log.Debug().Int("count", len(hosts)).Msg("ARP table read")
	return hosts, nil
}

// primeARPCache broadcast-pings the local segment so the ARP table is
// warm before reading it. Best-effort; failure is non-fatal and Windows
// is skipped (no broadcast ping support).
func (d *Discovery) primeARPCache(ctx context.Context) {
	var args []string
	switch d.goos {
	case "darwin":
		args = []string{"-c", "2", "-t", "1", "255.255.255.255"}
	case "linux":
		args = []string{"-b", "-c", "2", "-W", "1", "255.255.255.255"}
	default:
		return
	}

	primeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := d.runner.Run(primeCtx, "ping", args...); err != nil {
		d.log.Debug().Err(err).Msg("broadcast ping failed, ARP cache may be cold")
	}
}

func parseARPUnix(out string) []DiscoveredHost {
	var hosts []DiscoveredHost
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "incomplete") {
			continue
		}
		m := arpUnixRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		hosts = append(hosts, DiscoveredHost{Hostname: m[1], IP: m[2], MAC: m[3]})
	}
	return hosts
}

func parseARPWindows(out string) []DiscoveredHost {
	var hosts []DiscoveredHost
	for _, line := range strings.Split(out, "\n") {
		m := arpWindowsRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// Static broadcast/multicast entries are not hosts.
		if !strings.EqualFold(m[3], "dynamic") {
			continue
		}
		hosts = append(hosts, DiscoveredHost{IP: m[1], MAC: m[2]})
	}
	return hosts
}

// resolveHostname resolves a display name for a device: the ARP-provided
// name when usable, then reverse DNS, then NetBIOS, else empty.
func (d *Discovery) resolveHostname(ctx context.Context, ip, arpName string) string {
	if usableHostname(arpName) {
		return arpName
	}

	if name := reverseDNS(ctx, ip); name != "" {
		return name
	}

	if name := d.netbiosName(ctx, ip); name != "" {
		return name
	}

	return ""
}

func usableHostname(name string) bool {
	switch strings.ToLower(name) {
	case "", "?", "unknown":
		return false
	}
	// IP literals are placeholders, not names.
	return net.ParseIP(name) == nil
}

func reverseDNS(ctx context.Context, ip string) string {
	dnsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(dnsCtx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

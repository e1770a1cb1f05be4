// Package netscan reads the system ARP table, probes host liveness via
// ICMP, and resolves hostnames for discovered devices.
package netscan

import (
	"fmt"
	"regexp"
	"strings"
)

var macOctetRe = regexp.MustCompile(`^[0-9A-Fa-f]{1,2}$`)

// FormatMAC canonicalises a MAC address to uppercase colon-separated
// form, zero-padding short octets (macOS arp prints "0:1b:63:4:5:6").
// Dash separators and bare 12-digit hex strings are accepted.
func FormatMAC(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty MAC address")
	}

	var octets []string
	switch {
	case strings.Contains(s, ":"):
		octets = strings.Split(s, ":")
	case strings.Contains(s, "-"):
		octets = strings.Split(s, "-")
	case len(s) == 12:
		octets = make([]string, 6)
		for i := 0; i < 6; i++ {
			octets[i] = s[i*2 : i*2+2]
		}
	default:
		return "", fmt.Errorf("unrecognised MAC format %q", raw)
	}

	if len(octets) != 6 {
		return "", fmt.Errorf("MAC %q has %d octets, want 6", raw, len(octets))
	}

	out := make([]string, 6)
	for i, o := range octets {
		if !macOctetRe.MatchString(o) {
			return "", fmt.Errorf("MAC %q has invalid octet %q", raw, o)
		}
		if len(o) == 1 {
			o = "0" + o
		}
		out[i] = strings.ToUpper(o)
	}
	return strings.Join(out, ":"), nil
}

// IsValidMAC reports whether raw can be canonicalised.
func IsValidMAC(raw string) bool {
	_, err := FormatMAC(raw)
	return err == nil
}

package netscan

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// netbiosUniqueRe matches unique-name rows in nbtstat/nmblookup output,
// e.g. "PHANTOM         <00>  UNIQUE" or "	PHANTOM         <00> -         B <ACTIVE>".
var netbiosUniqueRe = regexp.MustCompile(`(?m)^\s*(\S+)\s+<00>`)

// netbiosName resolves a hostname via NetBIOS. Windows uses nbtstat,
// Linux nmblookup (if Samba tools are installed); other platforms have
// no NetBIOS fallback.
func (d *Discovery) netbiosName(ctx context.Context, ip string) string {
	var name string
	var args []string
	switch d.goos {
	case "windows":
		name, args = "nbtstat", []string{"-A", ip}
	case "linux":
		name, args = "nmblookup", []string{"-A", ip}
	default:
		return ""
	}

	nbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := d.runner.Run(nbCtx, name, args...)
	if err != nil {
		return ""
	}
	return parseNetBIOS(string(out))
}

func parseNetBIOS(out string) string {
	m := netbiosUniqueRe.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	candidate := strings.TrimSpace(m[1])
	// Group and special rows are not hostnames.
	if candidate == "" || strings.HasPrefix(candidate, "__") {
		return ""
	}
	return candidate
}

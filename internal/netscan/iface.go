package netscan

import (
	"fmt"
	"net"
)

// LocalNetworkInfo derives the node's subnet and assumed gateway from
// the first non-internal IPv4 interface. Falls back to 0.0.0.0/0 and
// 0.0.0.0 when no suitable interface exists.
func LocalNetworkInfo() (subnet, gateway string) {
	subnet, gateway = "0.0.0.0/0", "0.0.0.0"

	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			if ones, _ := ipnet.Mask.Size(); ones > 0 {
				subnet = ipnet.String()
			} else {
				subnet = fmt.Sprintf("%s/24", ip4)
			}
			// Convention: gateway at .1 of the local segment.
			gateway = fmt.Sprintf("%d.%d.%d.1", ip4[0], ip4[1], ip4[2])
			return
		}
	}
	return
}

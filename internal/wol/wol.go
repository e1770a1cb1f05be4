// Package wol sends Wake-on-LAN magic packets.
package wol

import (
	"fmt"
	"net"

	"github.com/lanwake/lanwake/internal/netscan"
)

const wolPort = 9

// BuildMagicPacket returns the 102-byte magic packet for the given MAC:
// six 0xFF bytes followed by sixteen repetitions of the target address.
func BuildMagicPacket(mac string) ([]byte, error) {
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return nil, err
	}
	hw, err := net.ParseMAC(canonical)
	if err != nil {
		return nil, fmt.Errorf("parse MAC %q: %w", canonical, err)
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// Send broadcasts a magic packet for the given MAC on UDP port 9.
func Send(mac string) error {
	packet, err := BuildMagicPacket(mac)
	if err != nil {
		return err
	}

	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: wolPort}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}
	return nil
}

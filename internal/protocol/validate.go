package protocol

import (
	"fmt"
	"regexp"
)

// Issue describes a single validation failure for a frame.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// macRe accepts colon- or dash-separated MACs with 1-2 hex digits per
// octet (macOS arp output drops leading zeros).
var macRe = regexp.MustCompile(`^[0-9A-Fa-f]{1,2}([:-][0-9A-Fa-f]{1,2}){5}$`)

// dispatchable reports whether frames of this type carry a commandId
// and go through the command reliability engine.
func dispatchable(msgType string) bool {
	switch msgType {
	case TypeWake, TypeScan, TypeUpdateHost, TypeDeleteHost, TypePingHost:
		return true
	}
	return false
}

// ValidateInbound checks a parsed frame against the inbound contract.
// A nil return means the frame may be dispatched.
func ValidateInbound(m *Message) []Issue {
	var issues []Issue
	if m.Type == "" {
		return []Issue{{Field: "type", Message: "required"}}
	}

	switch m.Type {
	case TypeRegistered, TypeWake, TypeScan, TypeUpdateHost,
		TypeDeleteHost, TypePingHost, TypePing, TypeError:
	default:
		return []Issue{{Field: "type", Message: fmt.Sprintf("unknown inbound type %q", m.Type)}}
	}

	if dispatchable(m.Type) && m.CommandID == "" {
		issues = append(issues, Issue{Field: "commandId", Message: "required"})
	}

	switch m.Type {
	case TypeRegistered:
		var d RegisteredData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		if d.NodeID == "" {
			issues = append(issues, Issue{Field: "data.nodeId", Message: "required"})
		}
		if d.HeartbeatInterval <= 0 {
			issues = append(issues, Issue{Field: "data.heartbeatInterval", Message: "must be positive"})
		}
	case TypeWake:
		var d WakeData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		if d.HostName == "" {
			issues = append(issues, Issue{Field: "data.hostName", Message: "required"})
		}
		if d.MAC == "" {
			issues = append(issues, Issue{Field: "data.mac", Message: "required"})
		} else if !macRe.MatchString(d.MAC) {
			issues = append(issues, Issue{Field: "data.mac", Message: "malformed MAC address"})
		}
	case TypeScan:
		var d ScanData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
	case TypeUpdateHost:
		var d UpdateHostData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		if d.Name == "" {
			issues = append(issues, Issue{Field: "data.name", Message: "required"})
		}
	case TypeDeleteHost:
		var d DeleteHostData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		if d.Name == "" {
			issues = append(issues, Issue{Field: "data.name", Message: "required"})
		}
	case TypePingHost:
		var d PingHostData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		if d.HostName == "" {
			issues = append(issues, Issue{Field: "data.hostName", Message: "required"})
		}
		if d.IP == "" {
			issues = append(issues, Issue{Field: "data.ip", Message: "required"})
		}
	}

	return issues
}

// ValidateOutbound checks a frame the node is about to send. Frames
// failing validation must be dropped, never written to the socket.
func ValidateOutbound(m *Message) []Issue {
	var issues []Issue
	if m.Type == "" {
		return []Issue{{Field: "type", Message: "required"}}
	}

	requireNodeID := func(nodeID string) {
		if nodeID == "" {
			issues = append(issues, Issue{Field: "data.nodeId", Message: "required"})
		}
	}

	switch m.Type {
	case TypeRegister:
		var d RegisterData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		requireNodeID(d.NodeID)
		if d.Metadata.ProtocolVersion == "" {
			issues = append(issues, Issue{Field: "data.metadata.protocolVersion", Message: "required"})
		}
	case TypeHeartbeat:
		var d HeartbeatData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		requireNodeID(d.NodeID)
		if d.Timestamp <= 0 {
			issues = append(issues, Issue{Field: "data.timestamp", Message: "must be positive"})
		}
	case TypeHostDiscovered, TypeHostUpdated:
		var d HostEventData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		requireNodeID(d.NodeID)
		if d.Name == "" {
			issues = append(issues, Issue{Field: "data.name", Message: "required"})
		}
		if d.MAC != "" && !macRe.MatchString(d.MAC) {
			issues = append(issues, Issue{Field: "data.mac", Message: "malformed MAC address"})
		}
	case TypeHostRemoved:
		var d HostRemovedData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		requireNodeID(d.NodeID)
		if d.Name == "" {
			issues = append(issues, Issue{Field: "data.name", Message: "required"})
		}
	case TypeScanComplete:
		var d ScanCompleteData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		requireNodeID(d.NodeID)
		if d.HostCount < 0 {
			issues = append(issues, Issue{Field: "data.hostCount", Message: "must not be negative"})
		}
	case TypeCommandResult:
		var d CommandResultData
		if err := m.ParseData(&d); err != nil {
			return append(issues, Issue{Field: "data", Message: err.Error()})
		}
		requireNodeID(d.NodeID)
		if d.CommandID == "" {
			issues = append(issues, Issue{Field: "data.commandId", Message: "required"})
		}
		if d.Timestamp <= 0 {
			issues = append(issues, Issue{Field: "data.timestamp", Message: "must be positive"})
		}
	default:
		return []Issue{{Field: "type", Message: fmt.Sprintf("unknown outbound type %q", m.Type)}}
	}

	return issues
}

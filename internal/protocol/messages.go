// Package protocol defines the framed JSON messages exchanged between a
// node agent and the C&C service.
package protocol

import "encoding/json"

// Message is the envelope for all frames on the node socket.
type Message struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with the given type and data payload.
func NewMessage(msgType string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Data: raw}, nil
}

// ParseData unmarshals the data payload into the given target.
func (m *Message) ParseData(target any) error {
	return json.Unmarshal(m.Data, target)
}

// Message types (C&C → node)
const (
	TypeRegistered = "registered"
	TypeWake       = "wake"
	TypeScan       = "scan"
	TypeUpdateHost = "update-host"
	TypeDeleteHost = "delete-host"
	TypePingHost   = "ping-host"
	TypePing       = "ping"
	TypeError      = "error"
)

// Message types (node → C&C)
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeHostDiscovered = "host-discovered"
	TypeHostUpdated    = "host-updated"
	TypeHostRemoved    = "host-removed"
	TypeScanComplete   = "scan-complete"
	TypeCommandResult  = "command-result"
)

// NetworkInfo describes the node's primary network segment.
type NetworkInfo struct {
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
}

// RegisterMetadata is the metadata block of the register frame.
type RegisterMetadata struct {
	Version         string      `json:"version"`
	Platform        string      `json:"platform"`
	ProtocolVersion string      `json:"protocolVersion"`
	NetworkInfo     NetworkInfo `json:"networkInfo"`
}

// RegisterData is sent by the node when the socket opens.
type RegisterData struct {
	NodeID    string           `json:"nodeId"`
	Name      string           `json:"name"`
	Location  string           `json:"location"`
	PublicURL string           `json:"publicUrl,omitempty"`
	Metadata  RegisterMetadata `json:"metadata"`
}

// RegisteredData is the C&C reply confirming registration.
type RegisteredData struct {
	NodeID            string `json:"nodeId"`
	HeartbeatInterval int    `json:"heartbeatInterval"` // milliseconds
	ProtocolVersion   string `json:"protocolVersion,omitempty"`
}

// HeartbeatData is sent periodically at the peer-dictated interval.
type HeartbeatData struct {
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}

// WakeData requests a Wake-on-LAN packet for a host.
type WakeData struct {
	HostName string `json:"hostName"`
	MAC      string `json:"mac"`
}

// ScanData requests a network scan.
type ScanData struct {
	Immediate bool `json:"immediate"`
}

// UpdateHostData mutates a stored host. A CurrentName differing from
// Name is a rename.
type UpdateHostData struct {
	CurrentName *string   `json:"currentName,omitempty"`
	Name        string    `json:"name"`
	MAC         *string   `json:"mac,omitempty"`
	IP          *string   `json:"ip,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// DeleteHostData removes a stored host.
type DeleteHostData struct {
	Name string `json:"name"`
}

// PingHostData requests an ICMP probe of a host.
type PingHostData struct {
	HostName string `json:"hostName"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
}

// PingData is a C&C-side liveness probe. No-op on the node.
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData carries a peer-reported error.
type ErrorData struct {
	Message string `json:"message"`
}

// HostEventData is the payload of host-discovered and host-updated frames.
type HostEventData struct {
	NodeID         string   `json:"nodeId"`
	Name           string   `json:"name"`
	MAC            string   `json:"mac"`
	IP             string   `json:"ip"`
	Status         string   `json:"status"`
	LastSeen       *string  `json:"lastSeen"`
	Discovered     int      `json:"discovered"`
	PingResponsive *int     `json:"pingResponsive"`
	Notes          string   `json:"notes,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// HostRemovedData is the payload of host-removed frames.
type HostRemovedData struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

// ScanCompleteData is the payload of scan-complete frames.
type ScanCompleteData struct {
	NodeID    string `json:"nodeId"`
	HostCount int    `json:"hostCount"`
}

// HostPingDetail is attached to ping-host command results.
type HostPingDetail struct {
	IP        string `json:"ip"`
	Alive     bool   `json:"alive"`
	CheckedAt int64  `json:"checkedAt"`
}

// CommandResultData is the terminal result of a dispatched command.
type CommandResultData struct {
	NodeID    string          `json:"nodeId"`
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	HostPing  *HostPingDetail `json:"hostPing,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

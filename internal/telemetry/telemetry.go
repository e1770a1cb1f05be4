// Package telemetry keeps in-memory runtime counters. Never persisted.
package telemetry

import (
	"sync"
	"time"
)

// AuthEventKind labels an auth counter bucket.
type AuthEventKind string

const (
	AuthExpired     AuthEventKind = "expired"
	AuthRevoked     AuthEventKind = "revoked"
	AuthUnavailable AuthEventKind = "unavailable"
)

// CommandStats is one latency/outcome bucket.
type CommandStats struct {
	Total         uint64  `json:"total"`
	Success       uint64  `json:"success"`
	Failed        uint64  `json:"failed"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	LastLatencyMs int64   `json:"lastLatencyMs"`
}

// Snapshot is the full counter state since the last reset.
type Snapshot struct {
	Since     time.Time `json:"since"`
	Reconnect struct {
		Scheduled uint64 `json:"scheduled"`
		Failed    uint64 `json:"failed"`
	} `json:"reconnect"`
	Auth struct {
		Expired     uint64 `json:"expired"`
		Revoked     uint64 `json:"revoked"`
		Unavailable uint64 `json:"unavailable"`
	} `json:"auth"`
	Protocol struct {
		InboundValidationFailures  uint64 `json:"inboundValidationFailures"`
		OutboundValidationFailures uint64 `json:"outboundValidationFailures"`
		Unsupported                uint64 `json:"unsupported"`
		Errors                     uint64 `json:"errors"`
	} `json:"protocol"`
	Commands struct {
		CommandStats
		ByType map[string]CommandStats `json:"byType"`
	} `json:"commands"`
}

type bucket struct {
	total, success, failed uint64
	latencySumMs           int64
	lastLatencyMs          int64
}

func (b *bucket) stats() CommandStats {
	s := CommandStats{
		Total:         b.total,
		Success:       b.success,
		Failed:        b.failed,
		LastLatencyMs: b.lastLatencyMs,
	}
	if b.total > 0 {
		s.AvgLatencyMs = float64(b.latencySumMs) / float64(b.total)
	}
	return s
}

// Telemetry accumulates runtime counters.
type Telemetry struct {
	mu      sync.Mutex
	resetAt time.Time

	reconnectScheduled uint64
	reconnectFailed    uint64

	authExpired     uint64
	authRevoked     uint64
	authUnavailable uint64

	inboundValidationFailures  uint64
	outboundValidationFailures uint64
	protocolUnsupported        uint64
	protocolErrors             uint64

	commands bucket
	byType   map[string]*bucket
}

// New creates a Telemetry starting now.
func New() *Telemetry {
	return &Telemetry{
		resetAt: time.Now(),
		byType:  make(map[string]*bucket),
	}
}

// RecordReconnectScheduled counts an armed reconnect timer.
func (t *Telemetry) RecordReconnectScheduled() {
	t.mu.Lock()
	t.reconnectScheduled++
	t.mu.Unlock()
}

// RecordReconnectFailed counts giving up after the attempt cap.
func (t *Telemetry) RecordReconnectFailed() {
	t.mu.Lock()
	t.reconnectFailed++
	t.mu.Unlock()
}

// RecordAuthEvent counts an auth failure by kind.
func (t *Telemetry) RecordAuthEvent(kind AuthEventKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case AuthExpired:
		t.authExpired++
	case AuthRevoked:
		t.authRevoked++
	case AuthUnavailable:
		t.authUnavailable++
	}
}

// RecordInboundValidationFailure counts a rejected inbound frame.
func (t *Telemetry) RecordInboundValidationFailure() {
	t.mu.Lock()
	t.inboundValidationFailures++
	t.mu.Unlock()
}

// RecordOutboundValidationFailure counts a dropped outbound frame.
func (t *Telemetry) RecordOutboundValidationFailure() {
	t.mu.Lock()
	t.outboundValidationFailures++
	t.mu.Unlock()
}

// RecordProtocolUnsupported counts a rejected peer protocol version.
func (t *Telemetry) RecordProtocolUnsupported() {
	t.mu.Lock()
	t.protocolUnsupported++
	t.mu.Unlock()
}

// RecordProtocolError counts a peer-reported error frame.
func (t *Telemetry) RecordProtocolError() {
	t.mu.Lock()
	t.protocolErrors++
	t.mu.Unlock()
}

// RecordCommand counts one terminal command result. Latency is rounded
// to a non-negative whole millisecond.
func (t *Telemetry) RecordCommand(commandType string, success bool, latency time.Duration) {
	ms := latency.Round(time.Millisecond).Milliseconds()
	if ms < 0 {
		ms = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	record := func(b *bucket) {
		b.total++
		if success {
			b.success++
		} else {
			b.failed++
		}
		b.latencySumMs += ms
		b.lastLatencyMs = ms
	}

	record(&t.commands)
	tb, ok := t.byType[commandType]
	if !ok {
		tb = &bucket{}
		t.byType[commandType] = tb
	}
	record(tb)
}

// Reset zeros all counters as of now.
func (t *Telemetry) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetAt = now
	t.reconnectScheduled, t.reconnectFailed = 0, 0
	t.authExpired, t.authRevoked, t.authUnavailable = 0, 0, 0
	t.inboundValidationFailures, t.outboundValidationFailures = 0, 0
	t.protocolUnsupported, t.protocolErrors = 0, 0
	t.commands = bucket{}
	t.byType = make(map[string]*bucket)
}

// Snapshot returns the current counter state.
func (t *Telemetry) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Snapshot
	s.Since = t.resetAt
	s.Reconnect.Scheduled = t.reconnectScheduled
	s.Reconnect.Failed = t.reconnectFailed
	s.Auth.Expired = t.authExpired
	s.Auth.Revoked = t.authRevoked
	s.Auth.Unavailable = t.authUnavailable
	s.Protocol.InboundValidationFailures = t.inboundValidationFailures
	s.Protocol.OutboundValidationFailures = t.outboundValidationFailures
	s.Protocol.Unsupported = t.protocolUnsupported
	s.Protocol.Errors = t.protocolErrors
	s.Commands.CommandStats = t.commands.stats()
	s.Commands.ByType = make(map[string]CommandStats, len(t.byType))
	for k, b := range t.byType {
		s.Commands.ByType[k] = b.stats()
	}
	return s
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lanwake/lanwake/internal/command"
	"github.com/lanwake/lanwake/internal/netscan"
	"github.com/lanwake/lanwake/internal/protocol"
	"github.com/lanwake/lanwake/internal/scanner"
	"github.com/lanwake/lanwake/internal/store"
	"github.com/lanwake/lanwake/internal/transport"
	"github.com/lanwake/lanwake/internal/wakeverify"
)

// Field limits mirrored from the store, enforced at the command boundary
// so bad payloads fail before any store round-trip.
const (
	maxNameLen  = 255
	maxNotesLen = 2000
	maxTags     = 32
	maxTagLen   = 64
)

// verifyHeadroom is reserved out of the wake attempt deadline so the
// verification poll returns before the engine times the attempt out.
const verifyHeadroom = 250 * time.Millisecond

// OnConnected fires after a successful register handshake. The initial
// sync runs in the background so the read loop is never blocked.
func (a *Agent) OnConnected() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.initialSync()
	}()
}

// OnDisconnected fires when the socket drops. Buffers keep accumulating;
// nothing to tear down here.
func (a *Agent) OnDisconnected() {
	a.log.Debug().Msg("transport disconnected")
}

// OnEvent receives transport-level notifications.
func (a *Agent) OnEvent(kind transport.EventKind, detail string) {
	switch kind {
	case transport.EventAuthRevoked:
		a.log.Error().Str("detail", detail).Msg("credentials revoked, operator intervention required")
	case transport.EventProtocolUnsupported:
		a.log.Error().Str("detail", detail).Msg("protocol version rejected, not reconnecting")
	case transport.EventReconnectFailed:
		a.log.Error().Str("detail", detail).Msg("reconnect attempts exhausted")
	default:
		a.log.Warn().Str("kind", string(kind)).Str("detail", detail).Msg("transport event")
	}
}

// OnCommand dispatches a validated inbound command frame. Each command
// runs in its own goroutine; the engine serialises duplicates by
// commandId.
func (a *Agent) OnCommand(msg *protocol.Message) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatch(msg)
	}()
}

func (a *Agent) dispatch(msg *protocol.Message) {
	log := a.log.With().Str("command_id", msg.CommandID).Str("type", msg.Type).Logger()
	log.Info().Msg("command received")

	var work func(ctx context.Context) (command.Result, error)
	switch msg.Type {
	case protocol.TypeWake:
		var d protocol.WakeData
		if err := msg.ParseData(&d); err != nil {
			a.rejectMalformed(msg, err)
			return
		}
		work = func(ctx context.Context) (command.Result, error) { return a.handleWake(ctx, d) }

	case protocol.TypeScan:
		var d protocol.ScanData
		if err := msg.ParseData(&d); err != nil {
			a.rejectMalformed(msg, err)
			return
		}
		work = func(ctx context.Context) (command.Result, error) { return a.handleScan(ctx, d) }

	case protocol.TypeUpdateHost:
		var d protocol.UpdateHostData
		if err := msg.ParseData(&d); err != nil {
			a.rejectMalformed(msg, err)
			return
		}
		work = func(ctx context.Context) (command.Result, error) { return a.handleUpdateHost(ctx, d) }

	case protocol.TypeDeleteHost:
		var d protocol.DeleteHostData
		if err := msg.ParseData(&d); err != nil {
			a.rejectMalformed(msg, err)
			return
		}
		work = func(ctx context.Context) (command.Result, error) { return a.handleDeleteHost(ctx, d) }

	case protocol.TypePingHost:
		var d protocol.PingHostData
		if err := msg.ParseData(&d); err != nil {
			a.rejectMalformed(msg, err)
			return
		}
		work = func(ctx context.Context) (command.Result, error) { return a.handlePingHost(ctx, d) }

	default:
		log.Warn().Msg("unknown command type, dropping")
		return
	}

	a.engine.Execute(a.ctx, msg.CommandID, msg.Type, work)
}

// rejectMalformed short-circuits a command whose payload failed to
// decode. The engine still records it so duplicates replay the failure.
func (a *Agent) rejectMalformed(msg *protocol.Message, parseErr error) {
	a.engine.Execute(a.ctx, msg.CommandID, msg.Type, func(ctx context.Context) (command.Result, error) {
		return command.Result{}, command.NonRetryable(fmt.Errorf("malformed %s payload: %w", msg.Type, parseErr))
	})
}

// handleWake resolves the target by name first, MAC second, sends the
// magic packet, and optionally verifies the host came up.
func (a *Agent) handleWake(ctx context.Context, d protocol.WakeData) (command.Result, error) {
	displayName := d.HostName
	mac := d.MAC

	h, err := a.deps.Hosts.GetByName(ctx, d.HostName)
	switch {
	case err == nil:
		displayName = h.Name
		if h.MAC != "" {
			mac = h.MAC
		}
	case errors.Is(err, store.ErrNotFound) && d.MAC != "":
		if byMAC, merr := a.deps.Hosts.GetByMAC(ctx, d.MAC); merr == nil {
			displayName = byMAC.Name
			mac = byMAC.MAC
		}
	case !errors.Is(err, store.ErrNotFound):
		return command.Result{}, err
	}

	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return command.Result{}, command.NonRetryable(fmt.Errorf("no usable MAC for %s: %w", d.HostName, err))
	}

	if err := a.deps.WolSend(canonical); err != nil {
		return command.Result{}, fmt.Errorf("send magic packet: %w", err)
	}
	message := fmt.Sprintf("Wake-on-LAN packet sent to %s (%s)", displayName, canonical)
	a.log.Info().Str("host", displayName).Str("mac", canonical).Msg("magic packet sent")

	if a.cfg.WakeVerification.Enabled {
		params := wakeverify.Params{
			Enabled:      true,
			Timeout:      a.cfg.WakeVerification.Timeout,
			PollInterval: a.cfg.WakeVerification.PollInterval,
		}
		if err := params.Validate(); err != nil {
			a.log.Warn().Err(err).Msg("wake verification parameters out of bounds, skipping verification")
			message = fmt.Sprintf("%s; verification skipped: %v", message, err)
			return command.Result{Success: true, Message: message}, nil
		}

		// The poll runs inside the attempt deadline; clamp it so the
		// closure returns before the engine times the attempt out and
		// re-sends the packet.
		if deadline, ok := ctx.Deadline(); ok {
			if budget := time.Until(deadline) - verifyHeadroom; budget < params.Timeout {
				params.Timeout = budget
			}
		}
		if params.Timeout <= 0 {
			message = fmt.Sprintf("%s; verification skipped: command deadline too close", message)
			return command.Result{Success: true, Message: message}, nil
		}

		vres := a.verifier.Verify(ctx, displayName, params)
		message = fmt.Sprintf("%s; verification: %s", message, vres.Status)
	}

	return command.Result{Success: true, Message: message}, nil
}

// handleScan runs a scan inline for immediate requests, or schedules a
// background one and acknowledges right away.
func (a *Agent) handleScan(ctx context.Context, d protocol.ScanData) (command.Result, error) {
	if !d.Immediate {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.deps.Scans.SyncWithNetwork(a.ctx)
		}()
		return command.Result{Success: true, Message: "Background scan scheduled"}, nil
	}

	res := a.deps.Scans.SyncWithNetwork(ctx)
	if !res.Success {
		if res.Code == scanner.CodeScanInProgress {
			return command.Result{Success: false, Error: "scan already in progress"}, nil
		}
		return command.Result{Success: false, Error: res.Error}, nil
	}
	return command.Result{
		Success: true,
		Message: fmt.Sprintf("Scan completed, found %d hosts", res.TotalDevices),
	}, nil
}

// handleUpdateHost applies a C&C-driven host mutation. The store event
// is suppressed and a host-updated frame is emitted explicitly so the
// originating side never receives a debounced echo.
func (a *Agent) handleUpdateHost(ctx context.Context, d protocol.UpdateHostData) (command.Result, error) {
	if err := validateUpdateHost(d); err != nil {
		return command.Result{}, command.NonRetryable(err)
	}

	target := d.Name
	if d.CurrentName != nil && *d.CurrentName != "" {
		target = *d.CurrentName
	}

	patch := store.Patch{
		MAC:   d.MAC,
		IP:    d.IP,
		Notes: d.Notes,
		Tags:  d.Tags,
	}
	if d.Status != nil {
		status := store.Status(*d.Status)
		patch.Status = &status
	}
	if target != d.Name {
		name := d.Name
		patch.Name = &name
	}

	h, err := a.deps.Hosts.Update(ctx, target, patch, false)
	if err != nil {
		return command.Result{}, command.NonRetryable(err)
	}

	a.cancelPendingUpdate(target)
	a.enqueue(protocol.TypeHostUpdated, a.hostEventData(*h))
	return command.Result{Success: true, Message: fmt.Sprintf("Host %s updated", h.Name)}, nil
}

// handleDeleteHost removes a host, suppressing the store event and
// emitting host-removed explicitly.
func (a *Agent) handleDeleteHost(ctx context.Context, d protocol.DeleteHostData) (command.Result, error) {
	if err := a.deps.Hosts.Delete(ctx, d.Name, false); err != nil {
		return command.Result{}, command.NonRetryable(err)
	}

	a.cancelPendingUpdate(d.Name)
	a.enqueue(protocol.TypeHostRemoved, protocol.HostRemovedData{NodeID: a.nodeID(), Name: d.Name})
	return command.Result{Success: true, Message: fmt.Sprintf("Host %s deleted", d.Name)}, nil
}

// handlePingHost probes one IP and folds the observation into the store
// when the MAC matches a known host.
func (a *Agent) handlePingHost(ctx context.Context, d protocol.PingHostData) (command.Result, error) {
	if ip := net.ParseIP(d.IP); ip == nil || ip.To4() == nil {
		return command.Result{}, command.NonRetryable(fmt.Errorf("invalid IPv4 address %q", d.IP))
	}

	alive := a.deps.Prober.IsHostAlive(ctx, d.IP)
	status := store.StatusAsleep
	if alive {
		status = store.StatusAwake
	}

	if canonical, err := netscan.FormatMAC(d.MAC); err == nil {
		if err := a.deps.Hosts.UpdateSeen(ctx, canonical, status, alive); err != nil && !errors.Is(err, store.ErrNotFound) {
			a.log.Warn().Err(err).Str("mac", canonical).Msg("failed to record ping observation")
		}
	}

	message := fmt.Sprintf("Host %s is %s", d.HostName, status)
	return command.Result{
		Success: true,
		Message: message,
		HostPing: &protocol.HostPingDetail{
			IP:        d.IP,
			Alive:     alive,
			CheckedAt: time.Now().UnixMilli(),
		},
	}, nil
}

func validateUpdateHost(d protocol.UpdateHostData) error {
	if d.Name == "" || len(d.Name) > maxNameLen {
		return fmt.Errorf("name must be 1-%d characters", maxNameLen)
	}
	if d.MAC != nil && !netscan.IsValidMAC(*d.MAC) {
		return fmt.Errorf("invalid MAC address %q", *d.MAC)
	}
	if d.IP != nil {
		if ip := net.ParseIP(*d.IP); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid IPv4 address %q", *d.IP)
		}
	}
	if d.Status != nil && *d.Status != string(store.StatusAwake) && *d.Status != string(store.StatusAsleep) {
		return fmt.Errorf("status must be %q or %q", store.StatusAwake, store.StatusAsleep)
	}
	if d.Notes != nil && len(*d.Notes) > maxNotesLen {
		return fmt.Errorf("notes must be at most %d characters", maxNotesLen)
	}
	if d.Tags != nil {
		if len(*d.Tags) > maxTags {
			return fmt.Errorf("at most %d tags allowed", maxTags)
		}
		for _, tag := range *d.Tags {
			if tag == "" || len(tag) > maxTagLen {
				return fmt.Errorf("each tag must be 1-%d characters", maxTagLen)
			}
		}
	}
	return nil
}

// Package agent implements the lanwake node agent: it wires the host
// store, scan orchestrator, and command engine to the C&C transport and
// streams host-lifecycle events upstream.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/command"
	"github.com/lanwake/lanwake/internal/config"
	"github.com/lanwake/lanwake/internal/protocol"
	"github.com/lanwake/lanwake/internal/scanner"
	"github.com/lanwake/lanwake/internal/store"
	"github.com/lanwake/lanwake/internal/telemetry"
	"github.com/lanwake/lanwake/internal/transport"
	"github.com/lanwake/lanwake/internal/wakeverify"
)

// Version is the node software version.
const Version = "1.3.0"

// Transport is the slice of the C&C client the agent drives.
type Transport interface {
	Start(ctx context.Context)
	Stop()
	Send(msgType string, data any) error
	IsReady() bool
}

// HostStore is the slice of the store the agent needs.
type HostStore interface {
	GetAll(ctx context.Context) ([]store.Host, error)
	GetByName(ctx context.Context, name string) (*store.Host, error)
	GetByMAC(ctx context.Context, mac string) (*store.Host, error)
	Update(ctx context.Context, name string, patch store.Patch, emitEvent bool) (*store.Host, error)
	Delete(ctx context.Context, name string, emitEvent bool) error
	UpdateSeen(ctx context.Context, mac string, status store.Status, pingResponsive bool) error
	Subscribe(buffer int) <-chan store.Event
}

// Scans is the slice of the scan orchestrator the agent needs.
type Scans interface {
	SyncWithNetwork(ctx context.Context) scanner.Result
}

// Prober performs one ICMP round.
type Prober interface {
	IsHostAlive(ctx context.Context, ip string) bool
}

// Deps are the agent's collaborators.
type Deps struct {
	Hosts     HostStore
	Scans     Scans
	Prober    Prober
	Telemetry *telemetry.Telemetry
	// WolSend sends a Wake-on-LAN magic packet for a canonical MAC.
	WolSend func(mac string) error
}

type outboundEvent struct {
	msgType string
	data    any
}

// Agent owns the pending-update map, the host-event buffer, the command
// execution table, and the command-result buffer.
type Agent struct {
	cfg  *config.Config
	log  zerolog.Logger
	deps Deps

	engine   *command.Engine
	verifier *wakeverify.Verifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	transport Transport

	mu        sync.Mutex
	pending   map[string]*store.Host
	debounce  *time.Timer
	eventBuf  []outboundEvent
	resultBuf []protocol.CommandResultData
	resultIdx map[string]int
}

// New creates an agent. The transport is attached separately because it
// takes the agent as its event handler.
func New(cfg *config.Config, log zerolog.Logger, deps Deps) *Agent {
	a := &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		deps:      deps,
		pending:   make(map[string]*store.Host),
		resultIdx: make(map[string]int),
	}
	a.engine = command.NewEngine(log, deps.Telemetry, a.deliverResult)
	a.verifier = wakeverify.New(log, deps.Hosts, deps.Prober)
	return a
}

// SetTransport attaches the C&C client.
func (a *Agent) SetTransport(t Transport) { a.transport = t }

// Engine exposes the command engine, for tests.
func (a *Agent) Engine() *command.Engine { return a.engine }

// Run starts the event loop and the transport. It returns immediately.
func (a *Agent) Run(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// Sized to the outbound buffer cap: the store drops events on a
	// full subscription channel, so a smaller channel would shed a
	// scan burst before it ever reached the drop-oldest FIFO.
	buffer := a.cfg.Agent.MaxBufferedHostEvents
	if buffer <= 0 {
		buffer = 256
	}
	ch := a.deps.Hosts.Subscribe(buffer)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.eventLoop(ch)
	}()

	if a.transport != nil {
		a.transport.Start(a.ctx)
	}
	a.log.Info().Str("node_id", a.cfg.Agent.NodeID).Msg("agent running")
}

// Stop cancels timers, stops the transport, and waits for background
// work to finish.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	a.mu.Unlock()

	if a.transport != nil {
		a.transport.Stop()
	}
	a.wg.Wait()
	a.log.Info().Msg("agent stopped")
}

func (a *Agent) nodeID() string { return a.cfg.Agent.NodeID }

// eventLoop consumes store lifecycle events.
func (a *Agent) eventLoop(ch <-chan store.Event) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-ch:
			a.handleStoreEvent(ev)
		}
	}
}

func (a *Agent) handleStoreEvent(ev store.Event) {
	switch ev.Type {
	case store.EventHostDiscovered:
		a.cancelPendingUpdate(ev.Host.Name)
		a.enqueue(protocol.TypeHostDiscovered, a.hostEventData(*ev.Host))
	case store.EventHostUpdated:
		a.coalesceUpdate(ev.Host)
	case store.EventHostRemoved:
		a.cancelPendingUpdate(ev.Name)
		a.enqueue(protocol.TypeHostRemoved, protocol.HostRemovedData{NodeID: a.nodeID(), Name: ev.Name})
	case store.EventScanComplete:
		a.enqueue(protocol.TypeScanComplete, protocol.ScanCompleteData{NodeID: a.nodeID(), HostCount: ev.HostCount})
	}
}

// coalesceUpdate replaces any pending update for the same host and arms
// the single debounce timer.
func (a *Agent) coalesceUpdate(h *store.Host) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending[h.Name] = h
	if a.debounce == nil {
		a.debounce = time.AfterFunc(a.cfg.Agent.HostUpdateDebounce, a.flushPendingUpdates)
	}
}

func (a *Agent) cancelPendingUpdate(name string) {
	a.mu.Lock()
	delete(a.pending, name)
	a.mu.Unlock()
}

// flushPendingUpdates sends all coalesced updates as one batch.
func (a *Agent) flushPendingUpdates() {
	a.mu.Lock()
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	batch := a.pending
	a.pending = make(map[string]*store.Host)
	a.mu.Unlock()

	for _, h := range batch {
		a.enqueue(protocol.TypeHostUpdated, a.hostEventData(*h))
	}
}

// hostEventData builds the outbound copy of a host. Stale hosts are
// normalised in the copy only: missing or old lastSeen forces asleep and
// unresponsive regardless of the stored state.
func (a *Agent) hostEventData(h store.Host) protocol.HostEventData {
	d := protocol.HostEventData{
		NodeID: a.nodeID(),
		Name:   h.Name,
		MAC:    h.MAC,
		IP:     h.IP,
		Status: string(h.Status),
		Notes:  h.Notes,
		Tags:   h.Tags,
	}
	if h.Discovered {
		d.Discovered = 1
	}
	if h.LastSeen != nil {
		iso := h.LastSeen.UTC().Format(time.RFC3339)
		d.LastSeen = &iso
	}
	if h.PingResponsive != nil {
		v := 0
		if *h.PingResponsive {
			v = 1
		}
		d.PingResponsive = &v
	}

	stale := h.LastSeen == nil || time.Since(*h.LastSeen) > a.cfg.Agent.HostStaleAfter
	if stale {
		zero := 0
		d.Status = string(store.StatusAsleep)
		d.PingResponsive = &zero
	}
	return d
}

// enqueue sends an outbound host event, or buffers it when the socket
// is not connected-and-registered.
func (a *Agent) enqueue(msgType string, data any) {
	if a.transport != nil && a.transport.IsReady() {
		err := a.transport.Send(msgType, data)
		if err == nil || errors.Is(err, transport.ErrInvalidFrame) {
			// Invalid frames are dropped deliberately, never buffered.
			return
		}
	}
	a.bufferEvent(msgType, data)
}

// bufferEvent pushes into the bounded FIFO, dropping the oldest entry
// on overflow.
func (a *Agent) bufferEvent(msgType string, data any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	max := a.cfg.Agent.MaxBufferedHostEvents
	if max > 0 && len(a.eventBuf) >= max {
		dropped := a.eventBuf[0]
		a.eventBuf = a.eventBuf[1:]
		a.log.Warn().
			Str("dropped_type", dropped.msgType).
			Int("capacity", max).
			Msg("host-event buffer full, dropping oldest")
	}
	a.eventBuf = append(a.eventBuf, outboundEvent{msgType: msgType, data: data})
}

// BufferedEventCount reports the current event-buffer depth, for tests
// and diagnostics.
func (a *Agent) BufferedEventCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.eventBuf)
}

// deliverResult is the engine's emit callback: exactly one terminal
// result per command lifetime, replays included.
func (a *Agent) deliverResult(commandID, commandType string, res command.Result, replay bool) {
	d := protocol.CommandResultData{
		NodeID:    a.nodeID(),
		CommandID: commandID,
		Success:   res.Success,
		Message:   res.Message,
		Error:     res.Error,
		HostPing:  res.HostPing,
		Timestamp: time.Now().UnixMilli(),
	}

	if a.transport != nil && a.transport.IsReady() {
		if err := a.transport.Send(protocol.TypeCommandResult, d); err == nil {
			return
		}
	}
	a.bufferResult(d)
}

// bufferResult stores a result for delivery after reconnect. Bounded
// map keyed by commandId: duplicates overwrite, overflow evicts oldest.
func (a *Agent) bufferResult(d protocol.CommandResultData) {
	const maxBufferedResults = 250

	a.mu.Lock()
	defer a.mu.Unlock()

	if idx, ok := a.resultIdx[d.CommandID]; ok {
		a.resultBuf[idx] = d
		return
	}
	if len(a.resultBuf) >= maxBufferedResults {
		evicted := a.resultBuf[0]
		a.resultBuf = a.resultBuf[1:]
		delete(a.resultIdx, evicted.CommandID)
		for id, idx := range a.resultIdx {
			a.resultIdx[id] = idx - 1
		}
		a.log.Warn().Str("command_id", evicted.CommandID).Msg("result buffer full, evicting oldest")
	}
	a.resultBuf = append(a.resultBuf, d)
	a.resultIdx[d.CommandID] = len(a.resultBuf) - 1
}

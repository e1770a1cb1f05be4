package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/command"
	"github.com/lanwake/lanwake/internal/config"
	"github.com/lanwake/lanwake/internal/protocol"
	"github.com/lanwake/lanwake/internal/scanner"
	"github.com/lanwake/lanwake/internal/store"
	"github.com/lanwake/lanwake/internal/telemetry"
)

type sentFrame struct {
	msgType string
	data    any
}

type fakeTransport struct {
	mu     sync.Mutex
	ready  bool
	frames []sentFrame
}

func (f *fakeTransport) Start(context.Context) {}
func (f *fakeTransport) Stop()                 {}

func (f *fakeTransport) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *fakeTransport) Send(msgType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sentFrame{msgType: msgType, data: data})
	return nil
}

func (f *fakeTransport) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

func (f *fakeTransport) sentOfType(msgType string) []sentFrame {
	var out []sentFrame
	for _, fr := range f.sent() {
		if fr.msgType == msgType {
			out = append(out, fr)
		}
	}
	return out
}

type fakeHostStore struct {
	mu    sync.Mutex
	hosts map[string]*store.Host // by name

	updateSeen   []string
	subscribeBuf int
	deleteErr    error
	updateErr    error
}

func newFakeHostStore(hosts ...*store.Host) *fakeHostStore {
	f := &fakeHostStore{hosts: make(map[string]*store.Host)}
	for _, h := range hosts {
		f.hosts[h.Name] = h
	}
	return f
}

func (f *fakeHostStore) GetAll(context.Context) ([]store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		out = append(out, *h)
	}
	return out, nil
}

func (f *fakeHostStore) GetByName(_ context.Context, name string) (*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, name)
	}
	snapshot := *h
	return &snapshot, nil
}

func (f *fakeHostStore) GetByMAC(_ context.Context, mac string) (*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hosts {
		if strings.EqualFold(h.MAC, mac) {
			snapshot := *h
			return &snapshot, nil
		}
	}
	return nil, fmt.Errorf("%w: mac %s", store.ErrNotFound, mac)
}

func (f *fakeHostStore) Update(_ context.Context, name string, patch store.Patch, _ bool) (*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	h, ok := f.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, name)
	}
	if patch.Name != nil {
		if _, exists := f.hosts[*patch.Name]; exists {
			return nil, store.ErrConflict
		}
		delete(f.hosts, name)
		h.Name = *patch.Name
		f.hosts[h.Name] = h
	}
	if patch.Notes != nil {
		h.Notes = *patch.Notes
	}
	if patch.Status != nil {
		h.Status = *patch.Status
	}
	snapshot := *h
	return &snapshot, nil
}

func (f *fakeHostStore) Delete(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.hosts[name]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, name)
	}
	delete(f.hosts, name)
	return nil
}

func (f *fakeHostStore) UpdateSeen(_ context.Context, mac string, status store.Status, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateSeen = append(f.updateSeen, mac)
	for _, h := range f.hosts {
		if strings.EqualFold(h.MAC, mac) {
			h.Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: mac %s", store.ErrNotFound, mac)
}

func (f *fakeHostStore) Subscribe(buffer int) <-chan store.Event {
	f.mu.Lock()
	f.subscribeBuf = buffer
	f.mu.Unlock()
	return make(chan store.Event, buffer)
}

type fakeScans struct {
	mu      sync.Mutex
	results []scanner.Result
	calls   int
}

func (f *fakeScans) SyncWithNetwork(context.Context) scanner.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return scanner.Result{Success: true}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

type fakeProber struct{ alive bool }

func (f *fakeProber) IsHostAlive(context.Context, string) bool { return f.alive }

type wolRecorder struct {
	mu   sync.Mutex
	macs []string
	err  error
}

func (w *wolRecorder) send(mac string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.macs = append(w.macs, mac)
	return w.err
}

type agentFixture struct {
	agent     *Agent
	transport *fakeTransport
	hosts     *fakeHostStore
	scans     *fakeScans
	prober    *fakeProber
	wol       *wolRecorder
}

func newFixture(t *testing.T, mutate func(*config.Config), hosts ...*store.Host) *agentFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.Mode = config.ModeAgent
	cfg.Agent.NodeID = "node-1"
	cfg.Agent.HostUpdateDebounce = 30 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	fx := &agentFixture{
		transport: &fakeTransport{ready: true},
		hosts:     newFakeHostStore(hosts...),
		scans:     &fakeScans{},
		prober:    &fakeProber{},
		wol:       &wolRecorder{},
	}
	fx.agent = New(cfg, zerolog.Nop(), Deps{
		Hosts:     fx.hosts,
		Scans:     fx.scans,
		Prober:    fx.prober,
		Telemetry: telemetry.New(),
		WolSend:   fx.wol.send,
	})
	fx.agent.SetTransport(fx.transport)
	fx.agent.Run(context.Background())
	t.Cleanup(fx.agent.Stop)
	return fx
}

func phantomHost() *store.Host {
	now := time.Now()
	responsive := true
	return &store.Host{
		Name:           "PHANTOM",
		MAC:            "AA:BB:CC:DD:EE:FF",
		IP:             "192.168.1.50",
		Status:         store.StatusAwake,
		LastSeen:       &now,
		PingResponsive: &responsive,
	}
}

func runCommand(t *testing.T, fx *agentFixture, msgType, commandID string, data any) protocol.CommandResultData {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.CommandID = commandID
	fx.agent.dispatch(msg)

	for _, fr := range fx.transport.sentOfType(protocol.TypeCommandResult) {
		res := fr.data.(protocol.CommandResultData)
		if res.CommandID == commandID {
			return res
		}
	}
	t.Fatalf("no result for %s", commandID)
	return protocol.CommandResultData{}
}

func TestWakeCommand(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	res := runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "PHANTOM", MAC: "AA:BB:CC:DD:EE:FF"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	want := "Wake-on-LAN packet sent to PHANTOM (AA:BB:CC:DD:EE:FF)"
	if res.Message != want {
		t.Errorf("message = %q, want %q", res.Message, want)
	}
	if len(fx.wol.macs) != 1 || fx.wol.macs[0] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("wol sends = %v", fx.wol.macs)
	}
}

func TestWakeFallsBackToMACLookup(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	// Unknown name, known MAC: the stored host wins.
	res := runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "stale-name", MAC: "aa:bb:cc:dd:ee:ff"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Message, "PHANTOM") {
		t.Errorf("message = %q, want stored name", res.Message)
	}
}

func TestWakeUnknownHostWithBadMACFails(t *testing.T) {
	fx := newFixture(t, nil)

	res := runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "ghost", MAC: "zz:zz"})
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Error == "" {
		t.Error("missing error detail")
	}
	if len(fx.wol.macs) != 0 {
		t.Errorf("wol sends = %v, want none", fx.wol.macs)
	}
}

func TestWakeVerificationBoundedByAttemptDeadline(t *testing.T) {
	asleep := phantomHost()
	asleep.Status = store.StatusAsleep
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.WakeVerification.Enabled = true
		cfg.WakeVerification.Timeout = 600 * time.Millisecond
		cfg.WakeVerification.PollInterval = 100 * time.Millisecond
	}, asleep)
	fx.agent.Engine().SetPolicies(map[string]command.Policy{
		protocol.TypeWake: {Timeout: 700 * time.Millisecond, MaxAttempts: 2, RetryDelay: 50 * time.Millisecond, RetryOnFailure: true},
	})

	// The host never comes up: verification must give up inside the
	// attempt window instead of letting the engine retry the send.
	res := runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "PHANTOM", MAC: "AA:BB:CC:DD:EE:FF"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Message, "verification: timeout") {
		t.Errorf("message = %q", res.Message)
	}
	if len(fx.wol.macs) != 1 {
		t.Errorf("wol sends = %d, want 1 (slow verification must not re-send)", len(fx.wol.macs))
	}
	if rec, _ := fx.agent.Engine().Record("cmd-1"); rec.State != command.StateAcknowledged || rec.Attempts != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestWakeVerificationOutOfBoundsSurfacedInResult(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.WakeVerification.Enabled = true
		cfg.WakeVerification.Timeout = 100 * time.Millisecond
	}, phantomHost())

	res := runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "PHANTOM", MAC: "AA:BB:CC:DD:EE:FF"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Message, "verification skipped") {
		t.Errorf("message = %q, want the bounds rejection surfaced", res.Message)
	}
	if len(fx.wol.macs) != 1 {
		t.Errorf("wol sends = %d, want 1", len(fx.wol.macs))
	}
}

func TestScanCommandImmediate(t *testing.T) {
	fx := newFixture(t, nil)
	fx.scans.results = []scanner.Result{{Success: true, NewDevices: 1, TotalDevices: 3}}

	res := runCommand(t, fx, protocol.TypeScan, "cmd-1", protocol.ScanData{Immediate: true})
	if !res.Success || res.Message != "Scan completed, found 3 hosts" {
		t.Fatalf("result = %+v", res)
	}
}

func TestScanCommandInProgress(t *testing.T) {
	fx := newFixture(t, nil)
	fx.scans.results = []scanner.Result{{Success: false, Code: scanner.CodeScanInProgress, Error: "scan already in progress"}}

	res := runCommand(t, fx, protocol.TypeScan, "cmd-1", protocol.ScanData{Immediate: true})
	if res.Success || res.Error != "scan already in progress" {
		t.Fatalf("result = %+v", res)
	}
}

func TestScanCommandBackground(t *testing.T) {
	fx := newFixture(t, nil)

	res := runCommand(t, fx, protocol.TypeScan, "cmd-1", protocol.ScanData{Immediate: false})
	if !res.Success || res.Message != "Background scan scheduled" {
		t.Fatalf("result = %+v", res)
	}
}

func TestUpdateHostCommandRename(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	current := "PHANTOM"
	res := runCommand(t, fx, protocol.TypeUpdateHost, "cmd-1", protocol.UpdateHostData{
		CurrentName: &current,
		Name:        "WRAITH",
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	if _, err := fx.hosts.GetByName(context.Background(), "WRAITH"); err != nil {
		t.Errorf("renamed host missing: %v", err)
	}

	// The mutation is announced exactly once, explicitly.
	updates := fx.transport.sentOfType(protocol.TypeHostUpdated)
	if len(updates) != 1 {
		t.Fatalf("host-updated frames = %d, want 1", len(updates))
	}
	if ev := updates[0].data.(protocol.HostEventData); ev.Name != "WRAITH" {
		t.Errorf("event = %+v", ev)
	}
}

func TestUpdateHostCommandValidationFails(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	bad := "not-an-ip"
	res := runCommand(t, fx, protocol.TypeUpdateHost, "cmd-1", protocol.UpdateHostData{
		Name: "PHANTOM",
		IP:   &bad,
	})
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if rec, _ := fx.agent.Engine().Record("cmd-1"); rec.State != command.StateFailed {
		t.Errorf("state = %q, want failed (no retry on validation)", rec.State)
	}
}

func TestUpdateHostRenameCollision(t *testing.T) {
	other := phantomHost()
	other.Name = "WRAITH"
	other.MAC = "11:22:33:44:55:66"
	other.IP = "192.168.1.51"
	fx := newFixture(t, nil, phantomHost(), other)

	current := "PHANTOM"
	res := runCommand(t, fx, protocol.TypeUpdateHost, "cmd-1", protocol.UpdateHostData{
		CurrentName: &current,
		Name:        "WRAITH",
	})
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if rec, _ := fx.agent.Engine().Record("cmd-1"); rec.State != command.StateFailed || rec.Attempts != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestDeleteHostCommand(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	res := runCommand(t, fx, protocol.TypeDeleteHost, "cmd-1", protocol.DeleteHostData{Name: "PHANTOM"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	removed := fx.transport.sentOfType(protocol.TypeHostRemoved)
	if len(removed) != 1 {
		t.Fatalf("host-removed frames = %d, want 1", len(removed))
	}
	if ev := removed[0].data.(protocol.HostRemovedData); ev.Name != "PHANTOM" || ev.NodeID != "node-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestDeleteUnknownHostFails(t *testing.T) {
	fx := newFixture(t, nil)

	res := runCommand(t, fx, protocol.TypeDeleteHost, "cmd-1", protocol.DeleteHostData{Name: "ghost"})
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.transport.sentOfType(protocol.TypeHostRemoved)) != 0 {
		t.Error("host-removed emitted for failed delete")
	}
}

func TestPingHostCommand(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())
	fx.prober.alive = true

	res := runCommand(t, fx, protocol.TypePingHost, "cmd-1", protocol.PingHostData{
		HostName: "PHANTOM", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50",
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.HostPing == nil || !res.HostPing.Alive || res.HostPing.IP != "192.168.1.50" {
		t.Errorf("hostPing = %+v", res.HostPing)
	}
	if !strings.Contains(res.Message, "awake") {
		t.Errorf("message = %q", res.Message)
	}
	if len(fx.hosts.updateSeen) != 1 {
		t.Errorf("updateSeen calls = %v", fx.hosts.updateSeen)
	}
}

func TestPingHostInvalidIP(t *testing.T) {
	fx := newFixture(t, nil)

	res := runCommand(t, fx, protocol.TypePingHost, "cmd-1", protocol.PingHostData{
		HostName: "ghost", IP: "not-an-ip",
	})
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
}

func TestIPv6AddressesRejected(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	res := runCommand(t, fx, protocol.TypePingHost, "cmd-1", protocol.PingHostData{
		HostName: "PHANTOM", IP: "fe80::1",
	})
	if res.Success {
		t.Fatalf("ping-host result = %+v", res)
	}
	if rec, _ := fx.agent.Engine().Record("cmd-1"); rec.State != command.StateFailed {
		t.Errorf("state = %q, want failed (validation, no probe)", rec.State)
	}

	v6 := "fe80::1"
	res = runCommand(t, fx, protocol.TypeUpdateHost, "cmd-2", protocol.UpdateHostData{
		Name: "PHANTOM", IP: &v6,
	})
	if res.Success {
		t.Fatalf("update-host result = %+v", res)
	}
}

func TestSubscriptionSizedToEventBufferCap(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.MaxBufferedHostEvents = 1234
	})

	fx.hosts.mu.Lock()
	got := fx.hosts.subscribeBuf
	fx.hosts.mu.Unlock()
	if got != 1234 {
		t.Fatalf("subscription buffer = %d, want 1234", got)
	}
}

func TestDuplicateCommandReplaysResult(t *testing.T) {
	fx := newFixture(t, nil, phantomHost())

	first := runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "PHANTOM", MAC: "AA:BB:CC:DD:EE:FF"})
	_ = runCommand(t, fx, protocol.TypeWake, "cmd-1", protocol.WakeData{HostName: "PHANTOM", MAC: "AA:BB:CC:DD:EE:FF"})

	if len(fx.wol.macs) != 1 {
		t.Errorf("wol sends = %d, want 1 (duplicate must not re-execute)", len(fx.wol.macs))
	}
	results := fx.transport.sentOfType(protocol.TypeCommandResult)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (original plus replay)", len(results))
	}
	replay := results[1].data.(protocol.CommandResultData)
	if replay.Message != first.Message {
		t.Errorf("replayed message = %q, want %q", replay.Message, first.Message)
	}
}

func TestDebounceCoalescesUpdates(t *testing.T) {
	fx := newFixture(t, nil)

	h1 := phantomHost()
	h1.Notes = "first"
	h2 := phantomHost()
	h2.Notes = "second"

	fx.agent.handleStoreEvent(store.Event{Type: store.EventHostUpdated, Host: h1})
	fx.agent.handleStoreEvent(store.Event{Type: store.EventHostUpdated, Host: h2})

	time.Sleep(100 * time.Millisecond)

	updates := fx.transport.sentOfType(protocol.TypeHostUpdated)
	if len(updates) != 1 {
		t.Fatalf("host-updated frames = %d, want 1 (coalesced)", len(updates))
	}
	if ev := updates[0].data.(protocol.HostEventData); ev.Notes != "second" {
		t.Errorf("coalesced event = %+v, want latest state", ev)
	}
}

func TestDiscoveryCancelsPendingUpdate(t *testing.T) {
	fx := newFixture(t, nil)
	h := phantomHost()

	fx.agent.handleStoreEvent(store.Event{Type: store.EventHostUpdated, Host: h})
	fx.agent.handleStoreEvent(store.Event{Type: store.EventHostDiscovered, Host: h})

	time.Sleep(100 * time.Millisecond)

	if got := fx.transport.sentOfType(protocol.TypeHostDiscovered); len(got) != 1 {
		t.Errorf("host-discovered frames = %d, want 1", len(got))
	}
	if got := fx.transport.sentOfType(protocol.TypeHostUpdated); len(got) != 0 {
		t.Errorf("host-updated frames = %d, want 0 (superseded)", len(got))
	}
}

func TestEventBufferDropsOldestOnOverflow(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.MaxBufferedHostEvents = 3
	})
	fx.transport.setReady(false)

	for i := 0; i < 5; i++ {
		h := phantomHost()
		h.Name = fmt.Sprintf("host-%d", i)
		fx.agent.handleStoreEvent(store.Event{Type: store.EventHostDiscovered, Host: h})
	}

	if got := fx.agent.BufferedEventCount(); got != 3 {
		t.Fatalf("buffered = %d, want 3", got)
	}

	fx.agent.mu.Lock()
	first := fx.agent.eventBuf[0].data.(protocol.HostEventData)
	fx.agent.mu.Unlock()
	if first.Name != "host-2" {
		t.Errorf("oldest surviving = %q, want host-2", first.Name)
	}
}

func TestStaleHostNormalisedOnOutgoingCopyOnly(t *testing.T) {
	fx := newFixture(t, nil)

	old := time.Now().Add(-20 * time.Minute)
	responsive := true
	h := store.Host{
		Name:           "PHANTOM",
		MAC:            "AA:BB:CC:DD:EE:FF",
		IP:             "192.168.1.50",
		Status:         store.StatusAwake,
		LastSeen:       &old,
		PingResponsive: &responsive,
	}

	ev := fx.agent.hostEventData(h)
	if ev.Status != string(store.StatusAsleep) {
		t.Errorf("status = %q, want asleep", ev.Status)
	}
	if ev.PingResponsive == nil || *ev.PingResponsive != 0 {
		t.Errorf("pingResponsive = %v, want 0", ev.PingResponsive)
	}
	// The in-memory record is untouched.
	if h.Status != store.StatusAwake || !*h.PingResponsive {
		t.Error("normalisation leaked into the stored record")
	}
}

func TestFreshHostPassedThrough(t *testing.T) {
	fx := newFixture(t, nil)
	h := *phantomHost()

	ev := fx.agent.hostEventData(h)
	if ev.Status != string(store.StatusAwake) {
		t.Errorf("status = %q, want awake", ev.Status)
	}
	if ev.PingResponsive == nil || *ev.PingResponsive != 1 {
		t.Errorf("pingResponsive = %v, want 1", ev.PingResponsive)
	}
	if ev.LastSeen == nil {
		t.Error("lastSeen missing")
	}
}

func TestResultBufferOverwritesAndCaps(t *testing.T) {
	fx := newFixture(t, nil)
	fx.transport.setReady(false)

	for i := 0; i < 260; i++ {
		fx.agent.bufferResult(protocol.CommandResultData{
			NodeID: "node-1", CommandID: fmt.Sprintf("cmd-%d", i), Timestamp: 1,
		})
	}
	fx.agent.mu.Lock()
	size := len(fx.agent.resultBuf)
	fx.agent.mu.Unlock()
	if size != 250 {
		t.Fatalf("result buffer = %d, want 250", size)
	}

	// Duplicate overwrites in place.
	fx.agent.bufferResult(protocol.CommandResultData{
		NodeID: "node-1", CommandID: "cmd-259", Success: true, Timestamp: 2,
	})
	fx.agent.mu.Lock()
	size = len(fx.agent.resultBuf)
	idx := fx.agent.resultIdx["cmd-259"]
	updated := fx.agent.resultBuf[idx]
	fx.agent.mu.Unlock()
	if size != 250 {
		t.Errorf("size after overwrite = %d, want 250", size)
	}
	if !updated.Success {
		t.Error("duplicate did not overwrite")
	}
}

func TestInitialSyncFlushesBuffersAndReplaysHosts(t *testing.T) {
	fx := newFixture(t, func(cfg *config.Config) {
		cfg.Agent.InitialSyncChunkSize = 2
	}, phantomHost())
	fx.transport.setReady(false)

	// Accumulate offline state.
	h := phantomHost()
	h.Name = "offline-event"
	fx.agent.handleStoreEvent(store.Event{Type: store.EventHostDiscovered, Host: h})
	fx.agent.bufferResult(protocol.CommandResultData{NodeID: "node-1", CommandID: "cmd-off", Timestamp: 1})

	fx.transport.setReady(true)
	fx.agent.initialSync()

	if fx.scans.calls == 0 {
		t.Error("pre-sync scan never ran")
	}
	if got := fx.transport.sentOfType(protocol.TypeCommandResult); len(got) != 1 {
		t.Errorf("buffered results flushed = %d, want 1", len(got))
	}
	discovered := fx.transport.sentOfType(protocol.TypeHostDiscovered)
	// One buffered event plus the stored host replay.
	if len(discovered) != 2 {
		t.Fatalf("host-discovered frames = %d, want 2", len(discovered))
	}
	if fx.agent.BufferedEventCount() != 0 {
		t.Errorf("buffer not drained: %d", fx.agent.BufferedEventCount())
	}
}

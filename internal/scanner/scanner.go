// Package scanner serialises network scans and reconciles discovery
// output into the host store.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lanwake/lanwake/internal/netscan"
	"github.com/lanwake/lanwake/internal/store"
)

// Result codes.
const (
	CodeScanInProgress = "SCAN_IN_PROGRESS"
	CodeScanFailed     = "SCAN_FAILED"
)

const defaultPingConcurrency = 10

// HostStore is the slice of the store the scanner needs.
type HostStore interface {
	GetAll(ctx context.Context) ([]store.Host, error)
	Add(ctx context.Context, name, mac, ip string, opts store.AddOptions) (*store.Host, error)
	UpdateStatus(ctx context.Context, name string, status store.Status) error
	UpdateSeen(ctx context.Context, mac string, status store.Status, pingResponsive bool) error
	EmitHostDiscovered(h *store.Host)
	NotifyScanComplete(count int)
}

// Discovery reads the ARP table and probes liveness.
type Discovery interface {
	ScanARP(ctx context.Context) ([]netscan.DiscoveredHost, error)
	IsHostAlive(ctx context.Context, ip string) bool
}

// Config tunes scan behaviour.
type Config struct {
	PingConcurrency   int
	UsePingValidation bool
	ScanInterval      time.Duration
	ScanDelay         time.Duration
}

// Result summarises one scan.
type Result struct {
	Success      bool
	Code         string
	Error        string
	NewDevices   int
	TotalDevices int
}

// Scanner runs at most one scan at a time.
type Scanner struct {
	log   zerolog.Logger
	hosts HostStore
	disc  Discovery
	cfg   Config

	mu         sync.Mutex
	inProgress bool
	lastScan   time.Time

	periodicCancel context.CancelFunc
	periodicWg     sync.WaitGroup
}

// New creates a Scanner.
func New(log zerolog.Logger, hosts HostStore, disc Discovery, cfg Config) *Scanner {
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = defaultPingConcurrency
	}
	return &Scanner{
		log:   log.With().Str("component", "scanner").Logger(),
		hosts: hosts,
		disc:  disc,
		cfg:   cfg,
	}
}

// IsScanInProgress reports whether a scan is currently running.
func (s *Scanner) IsScanInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// LastScanTime returns when the previous scan terminated (success or
// failure). Zero before the first scan.
func (s *Scanner) LastScanTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan
}

// SyncWithNetwork runs one scan: read the ARP table, probe liveness with
// bounded concurrency, and reconcile into the store. A concurrent call
// returns immediately with CodeScanInProgress.
func (s *Scanner) SyncWithNetwork(ctx context.Context) Result {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return Result{Success: false, Code: CodeScanInProgress, Error: "scan already in progress"}
	}
	s.inProgress = true
	s.mu.Unlock()

	// Release path runs even on failure.
	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.lastScan = time.Now()
		s.mu.Unlock()
	}()

	started := time.Now()
	devices, err := s.disc.ScanARP(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("ARP scan failed")
		return Result{Success: false, Code: CodeScanFailed, Error: err.Error()}
	}

	if len(devices) == 0 {
		count := s.hostCount(ctx)
		s.hosts.NotifyScanComplete(count)
		s.log.Info().Msg("ARP table empty, nothing to reconcile")
		return Result{Success: true}
	}

	responsive := s.probeAll(ctx, devices)

	newDevices := 0
	for i, dev := range devices {
		canonical, err := netscan.FormatMAC(dev.MAC)
		if err != nil {
			s.log.Debug().Str("mac", dev.MAC).Str("ip", dev.IP).Msg("skipping entry with unusable MAC")
			continue
		}

		// ARP presence implies awake unless ping validation is on, in
		// which case the probe decides. pingResponsive is recorded
		// truthfully either way.
		status := store.StatusAwake
		if s.cfg.UsePingValidation && !responsive[i] {
			status = store.StatusAsleep
		}

		err = s.hosts.UpdateSeen(ctx, canonical, status, responsive[i])
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error().Err(err).Str("mac", canonical).Msg("scan aborted on store failure")
			return Result{Success: false, Code: CodeScanFailed, Error: err.Error()}
		}

		h, err := s.addDiscovered(ctx, dev, canonical, status, responsive[i])
		if err != nil {
			s.log.Error().Err(err).Str("mac", canonical).Msg("scan aborted on store failure")
			return Result{Success: false, Code: CodeScanFailed, Error: err.Error()}
		}
		s.hosts.EmitHostDiscovered(h)
		newDevices++
	}

	total := s.hostCount(ctx)
	s.hosts.NotifyScanComplete(total)

	s.log.Info().
		Int("discovered", len(devices)).
		Int("new", newDevices).
		Int("total", total).
		Dur("elapsed", time.Since(started)).
		Msg("scan complete")

	return Result{Success: true, NewDevices: newDevices, TotalDevices: total}
}

// probeAll ICMP-probes every device with bounded concurrency and returns
// responsiveness by index.
func (s *Scanner) probeAll(ctx context.Context, devices []netscan.DiscoveredHost) []bool {
	responsive := make([]bool, len(devices))
	g, probeCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PingConcurrency)
	for i, dev := range devices {
		g.Go(func() error {
			responsive[i] = s.disc.IsHostAlive(probeCtx, dev.IP)
			return nil
		})
	}
	_ = g.Wait()
	return responsive
}

func (s *Scanner) addDiscovered(ctx context.Context, dev netscan.DiscoveredHost, canonical string, status store.Status, pingOK bool) (*store.Host, error) {
	name := dev.Hostname
	if name == "" {
		name = fmt.Sprintf("device-%s", strings.ReplaceAll(dev.IP, ".", "-"))
	}

	h, err := s.hosts.Add(ctx, name, canonical, dev.IP, store.AddOptions{
		Discovered: true,
		EmitEvent:  false,
	})
	if err != nil {
		return nil, err
	}
	if err := s.hosts.UpdateStatus(ctx, h.Name, status); err != nil {
		return nil, err
	}
	if err := s.hosts.UpdateSeen(ctx, canonical, status, pingOK); err != nil {
		return nil, err
	}

	now := time.Now()
	h.Status = status
	h.LastSeen = &now
	h.PingResponsive = &pingOK
	return h, nil
}

func (s *Scanner) hostCount(ctx context.Context) int {
	hosts, err := s.hosts.GetAll(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not count hosts")
		return 0
	}
	return len(hosts)
}

// StartPeriodic schedules recurring scans. With immediate set, the first
// scan runs right away in a detached task; otherwise it is deferred by
// ScanDelay. Ticks never overlap: the in-progress gate makes each one
// best-effort.
func (s *Scanner) StartPeriodic(ctx context.Context, immediate bool) {
	if s.cfg.ScanInterval <= 0 {
		return
	}

	periodicCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.periodicCancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.periodicCancel = cancel
	s.mu.Unlock()

	s.periodicWg.Add(1)
	go func() {
		defer s.periodicWg.Done()

		if immediate {
			s.SyncWithNetwork(periodicCtx)
		} else if s.cfg.ScanDelay > 0 {
			select {
			case <-periodicCtx.Done():
				return
			case <-time.After(s.cfg.ScanDelay):
				s.SyncWithNetwork(periodicCtx)
			}
		}

		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-periodicCtx.Done():
				return
			case <-ticker.C:
				s.SyncWithNetwork(periodicCtx)
			}
		}
	}()
}

// StopPeriodic cancels the periodic schedule and waits for the loop to
// exit.
func (s *Scanner) StopPeriodic() {
	s.mu.Lock()
	cancel := s.periodicCancel
	s.periodicCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.periodicWg.Wait()
	}
}

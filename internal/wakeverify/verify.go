// Package wakeverify polls a woken host until it is observed awake or a
// deadline passes.
package wakeverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/store"
)

// Parameter bounds, enforced at the request boundary.
const (
	MinTimeout      = 500 * time.Millisecond
	MaxTimeout      = 60 * time.Second
	MinPollInterval = 100 * time.Millisecond
	MaxPollInterval = 10 * time.Second
)

// StatusKind is the terminal outcome of a verification.
type StatusKind string

const (
	StatusNotRequested StatusKind = "not_requested"
	StatusWoke         StatusKind = "woke"
	StatusTimeout      StatusKind = "timeout"
	StatusNotConfirmed StatusKind = "not_confirmed"
	StatusHostNotFound StatusKind = "host_not_found"
	StatusError        StatusKind = "error"
)

// Params configures a verification run.
type Params struct {
	Enabled      bool
	Timeout      time.Duration
	PollInterval time.Duration
}

// Validate enforces the parameter bounds.
func (p Params) Validate() error {
	if p.Timeout < MinTimeout || p.Timeout > MaxTimeout {
		return fmt.Errorf("verify timeout %v outside [%v, %v]", p.Timeout, MinTimeout, MaxTimeout)
	}
	if p.PollInterval < MinPollInterval || p.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll interval %v outside [%v, %v]", p.PollInterval, MinPollInterval, MaxPollInterval)
	}
	return nil
}

// Result reports the verification outcome.
type Result struct {
	Enabled            bool       `json:"enabled"`
	Status             StatusKind `json:"status"`
	Attempts           int        `json:"attempts"`
	TimeoutMs          int64      `json:"timeoutMs"`
	PollIntervalMs     int64      `json:"pollIntervalMs"`
	ElapsedMs          int64      `json:"elapsedMs"`
	LastObservedStatus string     `json:"lastObservedStatus"`
	Source             string     `json:"source,omitempty"`
	Message            string     `json:"message,omitempty"`
}

// HostGetter fetches hosts by name.
type HostGetter interface {
	GetByName(ctx context.Context, name string) (*store.Host, error)
}

// Prober performs one ICMP round.
type Prober interface {
	IsHostAlive(ctx context.Context, ip string) bool
}

// Verifier polls store state and ICMP until a host wakes.
type Verifier struct {
	log    zerolog.Logger
	hosts  HostGetter
	prober Prober
}

// New creates a Verifier.
func New(log zerolog.Logger, hosts HostGetter, prober Prober) *Verifier {
	return &Verifier{
		log:    log.With().Str("component", "wakeverify").Logger(),
		hosts:  hosts,
		prober: prober,
	}
}

// Verify polls until the named host is observed awake (store status or
// ICMP), the deadline passes, or an error terminates polling.
func (v *Verifier) Verify(ctx context.Context, name string, p Params) Result {
	res := Result{
		Enabled:        p.Enabled,
		TimeoutMs:      p.Timeout.Milliseconds(),
		PollIntervalMs: p.PollInterval.Milliseconds(),
	}
	if !p.Enabled {
		res.Status = StatusNotRequested
		return res
	}

	started := time.Now()
	deadline := started.Add(p.Timeout)
	defer func() { res.ElapsedMs = time.Since(started).Milliseconds() }()

	for {
		res.Attempts++

		h, err := v.hosts.GetByName(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				res.Status = StatusHostNotFound
				res.Message = fmt.Sprintf("host %s not found", name)
				return res
			}
			// Terminal: no further polling on store failure.
			res.Status = StatusError
			res.Message = err.Error()
			return res
		}
		res.LastObservedStatus = string(h.Status)

		if h.Status == store.StatusAwake {
			res.Status = StatusWoke
			res.Source = "database"
			return res
		}
		if h.IP == "" {
			res.Status = StatusNotConfirmed
			res.Message = "host has no IP address to probe"
			return res
		}
		if v.prober.IsHostAlive(ctx, h.IP) {
			res.Status = StatusWoke
			res.Source = "ping"
			return res
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.Status = StatusTimeout
			return res
		}
		wait := p.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			res.Status = StatusError
			res.Message = ctx.Err().Error()
			return res
		case <-time.After(wait):
		}
	}
}

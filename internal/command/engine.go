// Package command executes C&C commands with per-type timeout, bounded
// retry, and idempotent de-duplication by commandId.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/protocol"
	"github.com/lanwake/lanwake/internal/telemetry"
)

// State is a command lifecycle state.
type State string

const (
	StateQueued       State = "queued"
	StateSent         State = "sent"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
)

func (s State) terminal() bool {
	switch s {
	case StateAcknowledged, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Policy governs execution of one command type.
type Policy struct {
	Timeout        time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	RetryOnFailure bool
}

// DefaultPolicies is the authoritative per-type policy table.
var DefaultPolicies = map[string]Policy{
	protocol.TypeWake:       {Timeout: 7500 * time.Millisecond, MaxAttempts: 2, RetryDelay: 250 * time.Millisecond, RetryOnFailure: true},
	protocol.TypeScan:       {Timeout: 90 * time.Second, MaxAttempts: 1},
	protocol.TypeUpdateHost: {Timeout: 5 * time.Second, MaxAttempts: 1, RetryDelay: 200 * time.Millisecond},
	protocol.TypeDeleteHost: {Timeout: 5 * time.Second, MaxAttempts: 1, RetryDelay: 200 * time.Millisecond},
	protocol.TypePingHost:   {Timeout: 5 * time.Second, MaxAttempts: 1, RetryDelay: 200 * time.Millisecond},
}

var fallbackPolicy = Policy{Timeout: 5 * time.Second, MaxAttempts: 1}

// Retention limits for the execution table.
const (
	defaultRetention  = 30 * time.Minute
	defaultMaxRecords = 500
)

// Result is the payload a command closure produces.
type Result struct {
	Success  bool
	Message  string
	Error    string
	HostPing *protocol.HostPingDetail
}

// Record tracks one command execution, keyed by commandId.
type Record struct {
	CommandID   string
	CommandType string
	State       State
	Attempts    int
	ReceivedAt  time.Time
	UpdatedAt   time.Time
	LastError   string
	Result      *Result
}

// EmitFunc receives exactly one terminal result per command lifetime.
// replay is set when a duplicate delivery re-sends a cached result.
type EmitFunc func(commandID, commandType string, res Result, replay bool)

// Engine is the command reliability engine.
type Engine struct {
	log  zerolog.Logger
	tel  *telemetry.Telemetry
	emit EmitFunc

	mu      sync.Mutex
	records map[string]*Record

	policies   map[string]Policy
	retention  time.Duration
	maxRecords int
}

// NewEngine creates an Engine with the default policy table.
func NewEngine(log zerolog.Logger, tel *telemetry.Telemetry, emit EmitFunc) *Engine {
	return &Engine{
		log:        log.With().Str("component", "command-engine").Logger(),
		tel:        tel,
		emit:       emit,
		records:    make(map[string]*Record),
		policies:   DefaultPolicies,
		retention:  defaultRetention,
		maxRecords: defaultMaxRecords,
	}
}

// SetPolicies overrides the policy table. Intended for tests.
func (e *Engine) SetPolicies(p map[string]Policy) { e.policies = p }

// SetLimits overrides retention and table size. Intended for tests.
func (e *Engine) SetLimits(retention time.Duration, maxRecords int) {
	e.retention, e.maxRecords = retention, maxRecords
}

// Execute runs doWork under the policy for commandType. Duplicate
// deliveries of a terminal command replay the cached result without
// re-executing; duplicates of an in-flight command are dropped.
func (e *Engine) Execute(ctx context.Context, commandID, commandType string, doWork func(ctx context.Context) (Result, error)) {
	e.mu.Lock()
	e.pruneLocked(time.Now())

	if rec, ok := e.records[commandID]; ok {
		if rec.State.terminal() && rec.Result != nil {
			cached := *rec.Result
			e.mu.Unlock()
			e.log.Info().
				Str("command_id", commandID).
				Str("state", string(rec.State)).
				Msg("duplicate delivery, replaying cached result")
			e.emit(commandID, commandType, cached, true)
			return
		}
		e.mu.Unlock()
		e.log.Warn().
			Str("command_id", commandID).
			Str("state", string(rec.State)).
			Msg("duplicate delivery of in-flight command, dropping")
		return
	}

	now := time.Now()
	rec := &Record{
		CommandID:   commandID,
		CommandType: commandType,
		State:       StateQueued,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}
	e.records[commandID] = rec
	e.mu.Unlock()

	policy, ok := e.policies[commandType]
	if !ok {
		policy = fallbackPolicy
	}

	e.transition(rec, StateSent, "")

	var final Result
	var finalState State

attempts:
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		e.mu.Lock()
		rec.Attempts = attempt
		e.mu.Unlock()

		res, err := e.runAttempt(ctx, policy.Timeout, doWork)
		switch {
		case err == nil && res.Success:
			final, finalState = res, StateAcknowledged
			break attempts

		case err == nil:
			// success=false result: retry only when the policy says so.
			final, finalState = res, StateFailed
			if policy.RetryOnFailure && attempt < policy.MaxAttempts {
				e.waitRetry(ctx, policy.RetryDelay)
				continue
			}
			break attempts

		case errors.Is(err, errAttemptTimeout):
			final = Result{Success: false, Error: fmt.Sprintf("command %s timed out after %dms", commandType, policy.Timeout.Milliseconds())}
			finalState = StateTimedOut
			e.noteError(rec, err)
			if attempt < policy.MaxAttempts {
				e.waitRetry(ctx, policy.RetryDelay)
				continue
			}
			break attempts

		case IsNonRetryable(err):
			final = Result{Success: false, Error: err.Error()}
			finalState = StateFailed
			e.noteError(rec, err)
			break attempts

		default:
			final = Result{Success: false, Error: err.Error()}
			finalState = StateFailed
			e.noteError(rec, err)
			if attempt < policy.MaxAttempts {
				e.waitRetry(ctx, policy.RetryDelay)
				continue
			}
			break attempts
		}
	}

	e.mu.Lock()
	rec.Result = &final
	e.mu.Unlock()
	e.transition(rec, finalState, final.Error)

	if e.tel != nil {
		e.tel.RecordCommand(commandType, final.Success, time.Since(rec.ReceivedAt))
	}
	e.emit(commandID, commandType, final, false)
}

// runAttempt wraps doWork in a cancellable deadline. The closure must be
// cancellation-safe; a deadline overrun abandons it and any partial
// external effects are ignored.
func (e *Engine) runAttempt(ctx context.Context, timeout time.Duration, doWork func(ctx context.Context) (Result, error)) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := doWork(attemptCtx)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && attemptCtx.Err() != nil {
			return Result{}, errAttemptTimeout
		}
		return out.res, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{}, errAttemptTimeout
		}
		return Result{}, attemptCtx.Err()
	}
}

func (e *Engine) waitRetry(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// transition moves a record to a new state. Terminal transitions log at
// info, others at debug.
func (e *Engine) transition(rec *Record, next State, lastError string) {
	e.mu.Lock()
	rec.State = next
	rec.UpdatedAt = time.Now()
	if lastError != "" {
		rec.LastError = lastError
	}
	attempts := rec.Attempts
	e.mu.Unlock()

	ev := e.log.Debug()
	if next.terminal() {
		ev = e.log.Info()
	}
	ev.Str("command_id", rec.CommandID).
		Str("command_type", rec.CommandType).
		Str("state", string(next)).
		Int("attempts", attempts).
		Msg("command state transition")
}

func (e *Engine) noteError(rec *Record, err error) {
	e.mu.Lock()
	rec.LastError = err.Error()
	e.mu.Unlock()
}

// Record returns a copy of the execution record for commandID.
func (e *Engine) Record(commandID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[commandID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// pruneLocked drops terminal records past the retention window, then
// enforces the table ceiling: terminal records go first, oldest first;
// if still over, the oldest of any state goes.
func (e *Engine) pruneLocked(now time.Time) {
	for id, rec := range e.records {
		if rec.State.terminal() && now.Sub(rec.UpdatedAt) > e.retention {
			delete(e.records, id)
		}
	}

	if len(e.records) <= e.maxRecords {
		return
	}

	byAge := make([]*Record, 0, len(e.records))
	for _, rec := range e.records {
		byAge = append(byAge, rec)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].ReceivedAt.Before(byAge[j].ReceivedAt)
	})

	for _, rec := range byAge {
		if len(e.records) <= e.maxRecords {
			return
		}
		if rec.State.terminal() {
			delete(e.records, rec.CommandID)
		}
	}
	for _, rec := range byAge {
		if len(e.records) <= e.maxRecords {
			return
		}
		delete(e.records, rec.CommandID)
	}
}

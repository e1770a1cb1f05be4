package agent

import (
	"context"
	"time"

	"github.com/lanwake/lanwake/internal/protocol"
)

// tick between flush batches so a large backlog never monopolises the
// write path.
const flushTick = 10 * time.Millisecond

// initialSync brings the C&C side to a consistent view after a
// (re)connect: fresh scan, pending updates, buffered results, buffered
// events, then a full host replay.
func (a *Agent) initialSync() {
	started := time.Now()

	// Best-effort scan so the replay reflects current reality. A failure
	// here never blocks the sync.
	if res := a.deps.Scans.SyncWithNetwork(a.ctx); !res.Success {
		a.log.Warn().Str("code", res.Code).Str("error", res.Error).Msg("pre-sync scan did not complete")
	}

	a.flushPendingUpdates()
	a.flushBufferedResults()
	a.flushEventBuffer()
	a.replayHosts(a.ctx)

	a.log.Info().Dur("elapsed", time.Since(started)).Msg("initial sync complete")
}

// flushBufferedResults delivers command results buffered while offline.
// On a mid-flush disconnect the remainder stays buffered.
func (a *Agent) flushBufferedResults() {
	a.mu.Lock()
	results := a.resultBuf
	a.resultBuf = nil
	a.resultIdx = make(map[string]int)
	a.mu.Unlock()

	for i, d := range results {
		if a.transport == nil || !a.transport.IsReady() {
			for _, rest := range results[i:] {
				a.bufferResult(rest)
			}
			return
		}
		if err := a.transport.Send(protocol.TypeCommandResult, d); err != nil {
			a.bufferResult(d)
		}
	}
	if len(results) > 0 {
		a.log.Info().Int("count", len(results)).Msg("flushed buffered command results")
	}
}

// flushEventBuffer drains the host-event buffer in batches, one tick
// apart.
func (a *Agent) flushEventBuffer() {
	batchSize := a.cfg.Agent.HostEventFlushBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	flushed := 0
	for {
		a.mu.Lock()
		if len(a.eventBuf) == 0 {
			a.mu.Unlock()
			break
		}
		n := batchSize
		if n > len(a.eventBuf) {
			n = len(a.eventBuf)
		}
		batch := a.eventBuf[:n]
		a.eventBuf = a.eventBuf[n:]
		a.mu.Unlock()

		for i, ev := range batch {
			if a.transport == nil || !a.transport.IsReady() {
				a.requeueEvents(batch[i:])
				return
			}
			if err := a.transport.Send(ev.msgType, ev.data); err != nil {
				a.requeueEvents(batch[i:])
				return
			}
			flushed++
		}

		select {
		case <-a.ctx.Done():
			return
		case <-time.After(flushTick):
		}
	}

	if flushed > 0 {
		a.log.Info().Int("count", flushed).Msg("flushed buffered host events")
	}
}

// requeueEvents puts undelivered events back at the front of the buffer,
// preserving order.
func (a *Agent) requeueEvents(events []outboundEvent) {
	a.mu.Lock()
	a.eventBuf = append(append([]outboundEvent{}, events...), a.eventBuf...)
	a.mu.Unlock()
}

// replayHosts streams the full host list as host-discovered frames in
// chunks, yielding between chunks. The replay is regenerated on every
// connect, so a mid-replay disconnect simply aborts.
func (a *Agent) replayHosts(ctx context.Context) {
	hosts, err := a.deps.Hosts.GetAll(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("host replay aborted, cannot list hosts")
		return
	}

	chunkSize := a.cfg.Agent.InitialSyncChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}

	sent := 0
	for start := 0; start < len(hosts); start += chunkSize {
		end := start + chunkSize
		if end > len(hosts) {
			end = len(hosts)
		}
		for _, h := range hosts[start:end] {
			if a.transport == nil || !a.transport.IsReady() {
				a.log.Warn().Int("sent", sent).Int("total", len(hosts)).Msg("host replay aborted, transport not ready")
				return
			}
			if err := a.transport.Send(protocol.TypeHostDiscovered, a.hostEventData(h)); err != nil {
				a.log.Warn().Err(err).Int("sent", sent).Msg("host replay aborted")
				return
			}
			sent++
		}

		if end < len(hosts) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(flushTick):
			}
		}
	}
	a.log.Info().Int("count", sent).Msg("host replay complete")
}

package wakeverify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/store"
)

type fakeHosts struct {
	mu    sync.Mutex
	host  *store.Host
	err   error
	calls int
	// wakeAfter flips status to awake once this many polls have happened.
	wakeAfter int
}

func (f *fakeHosts) GetByName(context.Context, string) (*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	h := *f.host
	if f.wakeAfter > 0 && f.calls > f.wakeAfter {
		h.Status = store.StatusAwake
	}
	return &h, nil
}

type fakeProber struct {
	alive bool
}

func (f *fakeProber) IsHostAlive(context.Context, string) bool { return f.alive }

func testParams() Params {
	return Params{Enabled: true, Timeout: time.Second, PollInterval: 100 * time.Millisecond}
}

func newVerifier(hosts HostGetter, prober Prober) *Verifier {
	return New(zerolog.Nop(), hosts, prober)
}

func TestParamsValidateBounds(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"valid", Params{Timeout: time.Second, PollInterval: time.Second}, true},
		{"min edges", Params{Timeout: MinTimeout, PollInterval: MinPollInterval}, true},
		{"max edges", Params{Timeout: MaxTimeout, PollInterval: MaxPollInterval}, true},
		{"timeout too small", Params{Timeout: 100 * time.Millisecond, PollInterval: time.Second}, false},
		{"timeout too large", Params{Timeout: 2 * time.Minute, PollInterval: time.Second}, false},
		{"poll too small", Params{Timeout: time.Second, PollInterval: 10 * time.Millisecond}, false},
		{"poll too large", Params{Timeout: time.Second, PollInterval: 30 * time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVerifyDisabled(t *testing.T) {
	v := newVerifier(&fakeHosts{}, &fakeProber{})
	res := v.Verify(context.Background(), "phantom", Params{Enabled: false})
	if res.Status != StatusNotRequested || res.Attempts != 0 {
		t.Errorf("got %+v", res)
	}
}

func TestVerifyHostNotFound(t *testing.T) {
	v := newVerifier(&fakeHosts{err: store.ErrNotFound}, &fakeProber{})
	res := v.Verify(context.Background(), "ghost", testParams())
	if res.Status != StatusHostNotFound {
		t.Errorf("status = %q, want host_not_found", res.Status)
	}
}

func TestVerifyStoreErrorTerminates(t *testing.T) {
	hosts := &fakeHosts{err: errors.New("database is locked")}
	v := newVerifier(hosts, &fakeProber{})
	res := v.Verify(context.Background(), "phantom", testParams())
	if res.Status != StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if hosts.calls != 1 {
		t.Errorf("calls = %d, want 1 (no polling after store failure)", hosts.calls)
	}
}

func TestVerifyWokeFromDatabase(t *testing.T) {
	hosts := &fakeHosts{host: &store.Host{Name: "phantom", Status: store.StatusAwake, IP: "192.168.1.50"}}
	v := newVerifier(hosts, &fakeProber{})
	res := v.Verify(context.Background(), "phantom", testParams())
	if res.Status != StatusWoke || res.Source != "database" {
		t.Errorf("got %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestVerifyWokeFromPing(t *testing.T) {
	hosts := &fakeHosts{host: &store.Host{Name: "phantom", Status: store.StatusAsleep, IP: "192.168.1.50"}}
	v := newVerifier(hosts, &fakeProber{alive: true})
	res := v.Verify(context.Background(), "phantom", testParams())
	if res.Status != StatusWoke || res.Source != "ping" {
		t.Errorf("got %+v", res)
	}
}

func TestVerifyWokeAfterPolling(t *testing.T) {
	hosts := &fakeHosts{
		host:      &store.Host{Name: "phantom", Status: store.StatusAsleep, IP: "192.168.1.50"},
		wakeAfter: 2,
	}
	v := newVerifier(hosts, &fakeProber{})
	res := v.Verify(context.Background(), "phantom", testParams())
	if res.Status != StatusWoke {
		t.Errorf("got %+v", res)
	}
	if res.Attempts < 3 {
		t.Errorf("attempts = %d, want at least 3", res.Attempts)
	}
}

func TestVerifyNoIPNotConfirmed(t *testing.T) {
	hosts := &fakeHosts{host: &store.Host{Name: "phantom", Status: store.StatusAsleep}}
	v := newVerifier(hosts, &fakeProber{alive: true})
	res := v.Verify(context.Background(), "phantom", testParams())
	if res.Status != StatusNotConfirmed {
		t.Errorf("status = %q, want not_confirmed", res.Status)
	}
}

func TestVerifyTimeout(t *testing.T) {
	hosts := &fakeHosts{host: &store.Host{Name: "phantom", Status: store.StatusAsleep, IP: "192.168.1.50"}}
	v := newVerifier(hosts, &fakeProber{})
	p := Params{Enabled: true, Timeout: 500 * time.Millisecond, PollInterval: 100 * time.Millisecond}

	started := time.Now()
	res := v.Verify(context.Background(), "phantom", p)
	elapsed := time.Since(started)

	if res.Status != StatusTimeout {
		t.Errorf("status = %q, want timeout", res.Status)
	}
	if res.Attempts < 2 {
		t.Errorf("attempts = %d, want several polls", res.Attempts)
	}
	if elapsed > 2*time.Second {
		t.Errorf("took %v, deadline not honoured", elapsed)
	}
	if res.LastObservedStatus != string(store.StatusAsleep) {
		t.Errorf("lastObservedStatus = %q", res.LastObservedStatus)
	}
}

func TestVerifyContextCancellation(t *testing.T) {
	hosts := &fakeHosts{host: &store.Host{Name: "phantom", Status: store.StatusAsleep, IP: "192.168.1.50"}}
	v := newVerifier(hosts, &fakeProber{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	res := v.Verify(ctx, "phantom", Params{Enabled: true, Timeout: 30 * time.Second, PollInterval: time.Second})
	if res.Status != StatusError {
		t.Errorf("status = %q, want error on cancellation", res.Status)
	}
}

package distributed

import (
	"testing"
	"time"
)

func TestJoinNewGeneratesDistinctRegisteredIDs(t *testing.T) {
	r := NewRegistry()
	a := r.JoinNew()
	b := r.JoinNew()
	if a == "" || b == "" || a == b {
		t.Fatalf("JoinNew ids = %q, %q, want distinct non-empty ids", a, b)
	}
	if _, ok := r.Get(a); !ok {
		t.Fatalf("worker %q not registered", a)
	}
	if _, ok := r.Get(b); !ok {
		t.Fatalf("worker %q not registered", b)
	}
}

func TestSchedulerLeastLoadedPicksLowestLoad(t *testing.T) {
	r := NewRegistry()
	r.Join("a")
	r.Join("b")
	r.Heartbeat("a", 0.9)
	r.Heartbeat("b", 0.1)

	s := NewScheduler(r, LeastLoaded)
	picked, ok := s.Pick("")
	if !ok || picked != "b" {
		t.Fatalf("picked %q, ok=%v, want b", picked, ok)
	}
}

func TestSchedulerPriorityPrefersHealthyOverDegraded(t *testing.T) {
	r := NewRegistry()
	r.Join("healthy")
	r.Join("degraded")
	r.Heartbeat("healthy", 0.5)
	r.Heartbeat("degraded", 0.5)
	r.SetState("degraded", Degraded)

	s := NewScheduler(r, Priority)
	picked, ok := s.Pick("")
	if !ok || picked != "healthy" {
		t.Fatalf("picked %q, ok=%v, want healthy", picked, ok)
	}
}

func TestSchedulerNeverPicksFailedWorker(t *testing.T) {
	r := NewRegistry()
	r.Join("only")
	r.SetState("only", Failed)

	s := NewScheduler(r, RoundRobin)
	if _, ok := s.Pick(""); ok {
		t.Fatal("scheduler picked a Failed worker")
	}
}

func TestHealthMonitorDemotesStaleWorkerToFailed(t *testing.T) {
	r := NewRegistry()
	r.Join("w")
	r.Heartbeat("w", 0.1)

	m := NewHealthMonitor(r, 10*time.Second, 20*time.Second, 30*time.Second)
	newlyFailed := m.Sweep(time.Now().Add(35 * time.Second))
	if len(newlyFailed) != 1 || newlyFailed[0] != "w" {
		t.Fatalf("newlyFailed = %v, want [w]", newlyFailed)
	}
	info, _ := r.Get("w")
	if info.State != Failed {
		t.Fatalf("state = %v, want Failed", info.State)
	}
}

func TestRecoveryReassignsInProgressActionsOnFailure(t *testing.T) {
	r := NewRegistry()
	r.Join("w")
	r.AssignAction("w", "action-1")
	r.AssignAction("w", "action-2")

	var reassigned []string
	rec := NewRecovery(r, func(actionID string) {
		reassigned = append(reassigned, actionID)
	})
	rec.OnWorkerFailed("w", time.Now())

	if len(reassigned) != 2 {
		t.Fatalf("reassigned %v, want 2 actions", reassigned)
	}
	info, _ := r.Get("w")
	if len(info.InProgress) != 0 {
		t.Fatalf("worker still has %d in-progress actions after failure", len(info.InProgress))
	}
	if info.State != Failed {
		t.Fatalf("state = %v, want Failed", info.State)
	}
}

func TestBlacklistDurationMatchesSpecCurve(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 4 * time.Second},
		{10, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, c := range cases {
		if got := blacklistDuration(c.failures); got != c.want {
			t.Errorf("blacklistDuration(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestRecoveryBlacklistClearsOnRetrySuccess(t *testing.T) {
	r := NewRegistry()
	r.Join("w")
	rec := NewRecovery(r, func(string) {})
	now := time.Now()
	rec.OnWorkerFailed("w", now)
	if !rec.IsBlacklisted("w", now.Add(1*time.Second)) {
		t.Fatal("expected worker to be blacklisted shortly after failure")
	}
	rec.OnRetrySucceeded("w")
	if rec.IsBlacklisted("w", now.Add(1*time.Second)) {
		t.Fatal("expected blacklist to clear after a successful retry")
	}
}

func TestProvisionerScalesUpOnSustainedHighLoad(t *testing.T) {
	p := &fakeProvider{}
	prov := NewProvisioner(p, 0.5, 0.8, 0.2)
	for i := 0; i < 5; i++ {
		if err := prov.Observe(0.95); err != nil {
			t.Fatal(err)
		}
	}
	if p.scaleUps == 0 {
		t.Fatal("expected at least one ScaleUp call under sustained high load")
	}
}

func TestProvisionerDoesNotOscillateOnSingleNoisySample(t *testing.T) {
	p := &fakeProvider{}
	prov := NewProvisioner(p, 0.2, 0.8, 0.2)
	for i := 0; i < 10; i++ {
		prov.Observe(0.5)
	}
	prov.Observe(0.95) // one noisy spike
	if p.scaleUps != 0 {
		t.Fatalf("a single noisy sample triggered %d scale-ups, want 0 (EWMA should absorb it)", p.scaleUps)
	}
}

type fakeProvider struct {
	scaleUps, scaleDowns int
}

func (f *fakeProvider) ScaleUp(n int) error   { f.scaleUps += n; return nil }
func (f *fakeProvider) ScaleDown(n int) error { f.scaleDowns += n; return nil }

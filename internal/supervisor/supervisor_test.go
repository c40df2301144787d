package supervisor

import (
	"context"
	"os"
	"testing"
)

func TestWorkerCount(t *testing.T) {
	cases := []struct {
		name            string
		concurrentUsers int
		cpuCount        int
		forcedSingle    bool
		want            int
	}{
		{"below threshold", 500, 8, false, 0},
		{"single cpu", 5000, 1, false, 0},
		{"forced single", 5000, 8, true, 0},
		{"above threshold scales with cpu", 2000, 4, false, 3},
		{"capped at 8", 100000, 32, false, 8},
		{"capped by users-per-process", 1200, 16, false, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WorkerCount(tc.concurrentUsers, tc.cpuCount, tc.forcedSingle)
			if got != tc.want {
				t.Errorf("WorkerCount(%d, %d, %v) = %d, want %d",
					tc.concurrentUsers, tc.cpuCount, tc.forcedSingle, got, tc.want)
			}
		})
	}
}

// TestExitStatus asserts invariant 8: exit code 0 -> completed, 1 ->
// failed_requests, anything else -> failed.
func TestExitStatus(t *testing.T) {
	cases := map[int]string{
		0:  "completed",
		1:  "failed_requests",
		2:  "failed",
		-1: "failed",
	}
	for code, want := range cases {
		if got := string(ExitStatus(code)); got != want {
			t.Errorf("ExitStatus(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestAllocatePortReleaseAndReuse(t *testing.T) {
	s := New("worker-bin", 5557, 5559, nil)

	p1, err := s.AllocatePort("task-a")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	p2, err := s.AllocatePort("task-b")
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct ports, got %d twice", p1)
	}

	if _, err := s.AllocatePort("task-c"); err != nil {
		t.Fatalf("AllocatePort third: %v", err)
	}
	if _, err := s.AllocatePort("task-d"); err == nil {
		t.Fatalf("expected exhaustion error with only 2-port range")
	}

	s.ReleasePort(p1)
	if _, err := s.AllocatePort("task-e"); err != nil {
		t.Fatalf("AllocatePort after release: %v", err)
	}
}

func TestReconcile_NotFoundUsesLiteralReason(t *testing.T) {
	s := New("worker-bin", 5557, 5657, nil)
	results := s.Reconcile(nil, []string{"task-gone"})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Reason != "Task process was not found after an engine restart." {
		t.Fatalf("unexpected reason: %q", results[0].Reason)
	}
}

// TestSweepStray_IgnoresTrackedPIDs confirms the blanket pre-run sweep
// never targets a PID this Supervisor itself tracks as live, only
// untracked generator-looking processes.
func TestSweepStray_IgnoresTrackedPIDs(t *testing.T) {
	s := New("worker-bin", 5557, 5657, nil)
	s.trackPID(os.Getpid())

	swept := s.SweepStray(context.Background())
	if swept != 0 {
		t.Fatalf("expected SweepStray to leave the tracked test process alone, swept %d", swept)
	}
}

func TestGroupStatus_EmptyGroupYieldsNoStatuses(t *testing.T) {
	pg := &ProcessGroup{TaskID: "task-x"}
	if statuses := GroupStatus(pg); len(statuses) != 0 {
		t.Fatalf("expected no statuses for an empty group, got %+v", statuses)
	}
}

func TestReadSystemResources_ReturnsNonNegativeSample(t *testing.T) {
	res := ReadSystemResources()
	if res.CPUPercent < 0 || res.MemoryPercent < 0 || res.DiskPercent < 0 {
		t.Fatalf("expected non-negative resource percentages, got %+v", res)
	}
}

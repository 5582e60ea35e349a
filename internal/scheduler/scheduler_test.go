package scheduler

import (
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

type fakeExpirer struct {
	cutoffs []time.Time
}

func (f *fakeExpirer) ExpireIdleSessions(cutoff time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, nil
}

func TestAddIdleSessionSweep(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	exp := &fakeExpirer{}
	if err := s.AddIdleSessionSweep("0 * * * *", exp, 0); err != nil {
		t.Fatalf("AddIdleSessionSweep failed: %v", err)
	}
	if err := s.AddIdleSessionSweep("bad", exp, time.Hour); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueJobDedupe(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	id1, err := s.EnqueueJob("delay_transition", time.Now(), `{}`, "sess_1:n3")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	id2, err := s.EnqueueJob("delay_transition", time.Now(), `{}`, "sess_1:n3")
	if err != nil {
		t.Fatalf("second EnqueueJob failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe to return existing job id, got %s and %s", id1, id2)
	}

	// A done job no longer blocks the dedupe key.
	if err := s.CompleteJob(id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, err := s.EnqueueJob("delay_transition", time.Now(), `{}`, "sess_1:n3")
	if err != nil {
		t.Fatalf("third EnqueueJob failed: %v", err)
	}
	if id3 == id1 {
		t.Error("expected a new job after the previous one completed")
	}
}

func TestClaimDueJobsRespectsRunAt(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	now := time.Now()
	dueID, _ := s.EnqueueJob("delay_transition", now.Add(-time.Second), `{"a":1}`, "")
	if _, err := s.EnqueueJob("delay_transition", now.Add(time.Hour), `{"b":2}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != dueID {
		t.Fatalf("expected only the due job, got %+v", jobs)
	}
	if jobs[0].Status != JobStatusRunning {
		t.Errorf("claimed job should be running, got %s", jobs[0].Status)
	}

	// Claimed jobs are not handed out again.
	again, _ := s.ClaimDueJobs(now, 10)
	if len(again) != 0 {
		t.Errorf("expected no claimable jobs, got %d", len(again))
	}
}

func TestFailJobRetriesThenFailsPermanently(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	id, _ := s.EnqueueJob("delay_transition", time.Now(), `{}`, "")

	for attempt := 1; attempt < 3; attempt++ {
		if err := s.FailJob(id, "boom", time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		j, _ := s.GetJob(id)
		if j.Status != JobStatusQueued {
			t.Fatalf("attempt %d: expected requeue, got %s", attempt, j.Status)
		}
		if j.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, j.Attempt)
		}
	}

	if err := s.FailJob(id, "boom", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("final FailJob failed: %v", err)
	}
	j, _ := s.GetJob(id)
	if j.Status != JobStatusFailed {
		t.Errorf("expected permanent failure after max attempts, got %s", j.Status)
	}
	if j.LastError != "boom" {
		t.Errorf("expected last error recorded, got %q", j.LastError)
	}
}

func TestRequeueStaleRunningJobs(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	id, _ := s.EnqueueJob("delay_transition", time.Now().Add(-time.Hour), `{}`, "")
	if _, err := s.ClaimDueJobs(time.Now().Add(-30*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	n, err := s.RequeueStaleRunningJobs(time.Now().Add(-5 * time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}
	j, _ := s.GetJob(id)
	if j.Status != JobStatusQueued || j.LockedAt != nil {
		t.Errorf("expected queued unlocked job, got status=%s lockedAt=%v", j.Status, j.LockedAt)
	}
}

func TestJobRunnerExecutesAndCompletes(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	id, _ := s.EnqueueJob("delay_transition", time.Now().Add(-time.Second), `{"session_id":"s1"}`, "")

	runner := NewJobRunner(s, time.Second)
	var got string
	runner.RegisterHandler("delay_transition", func(ctx context.Context, payload string) error {
		got = payload
		return nil
	})

	runner.Poll(context.Background())

	if got != `{"session_id":"s1"}` {
		t.Errorf("handler did not receive payload, got %q", got)
	}
	j, _ := s.GetJob(id)
	if j.Status != JobStatusDone {
		t.Errorf("expected done job, got %s", j.Status)
	}
}

func TestJobRunnerRetriesFailedHandler(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	id, _ := s.EnqueueJob("delay_transition", time.Now().Add(-time.Second), `{}`, "")

	runner := NewJobRunner(s, time.Second)
	runner.RegisterHandler("delay_transition", func(ctx context.Context, payload string) error {
		return errors.New("transient")
	})

	runner.Poll(context.Background())

	j, _ := s.GetJob(id)
	if j.Status != JobStatusQueued {
		t.Fatalf("expected requeued job after handler error, got %s", j.Status)
	}
	if !j.RunAt.After(time.Now()) {
		t.Error("expected retry scheduled in the future")
	}
}

func TestJobRunnerUnknownKind(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	id, _ := s.EnqueueJob("mystery", time.Now().Add(-time.Second), `{}`, "")

	runner := NewJobRunner(s, time.Second)
	runner.Poll(context.Background())

	j, _ := s.GetJob(id)
	if j.Status != JobStatusQueued {
		t.Errorf("expected unknown-kind job to be requeued for retry, got %s", j.Status)
	}
	if j.LastError == "" {
		t.Error("expected last error to mention the missing handler")
	}
}

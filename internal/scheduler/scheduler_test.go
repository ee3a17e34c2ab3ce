package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("five-field", "* * * * *", func() {}); err != nil {
		t.Errorf("five-field expression rejected: %v", err)
	}
	if err := s.AddJob("maintenance", DefaultMaintenanceSpec, func() {}); err != nil {
		t.Errorf("descriptor rejected: %v", err)
	}
	if err := s.AddJob("bad", "not a schedule", func() {}); err == nil {
		t.Error("invalid expression accepted")
	}

	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0] != "five-field" || jobs[1] != "maintenance" {
		t.Errorf("Jobs = %v", jobs)
	}
	if next, ok := s.Next("maintenance"); !ok || next.IsZero() {
		t.Errorf("Next = %v %v", next, ok)
	}
}

func TestSchedulerReplaceAndRemove(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("sweep", "@every 1h", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("sweep", "@every 2h", func() {}); err != nil {
		t.Fatal(err)
	}
	if len(s.Jobs()) != 1 {
		t.Errorf("replacing a job should keep one entry, got %v", s.Jobs())
	}
	if !s.RemoveJob("sweep") || s.RemoveJob("sweep") {
		t.Error("RemoveJob should succeed once")
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs int32
	if err := s.AddJob("tick", "@every 1s", func() { atomic.AddInt32(&runs, 1) }); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&runs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

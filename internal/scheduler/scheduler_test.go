package scheduler

import (
	"testing"
	"time"
)

func TestApply_ValidExpressionEnablesTrigger(t *testing.T) {
	s, err := New(func() {})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer s.Stop()

	if err := s.Apply(DefaultCron); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	s.Start()

	expr, next, applyErr := s.Current()
	if expr != DefaultCron {
		t.Errorf("Expected expression %q, got %q", DefaultCron, expr)
	}
	if applyErr != nil {
		t.Errorf("Expected no apply error, got %v", applyErr)
	}
	if next.IsZero() {
		t.Error("Expected a next run time after Start")
	}
}

func TestApply_MalformedExpressionDisablesTrigger(t *testing.T) {
	s, err := New(func() {})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer s.Stop()

	if err := s.Apply("not a cron"); err == nil {
		t.Fatal("Expected error for malformed expression")
	}

	expr, _, applyErr := s.Current()
	if expr != "" {
		t.Errorf("Expected trigger disabled, got expression %q", expr)
	}
	if applyErr == nil {
		t.Error("Expected recorded apply error")
	}
}

func TestApply_ReplacesPreviousJob(t *testing.T) {
	s, err := New(func() {})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer s.Stop()

	if err := s.Apply("*/5 * * * *"); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}
	if err := s.Apply("*/15 * * * *"); err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}

	expr, _, _ := s.Current()
	if expr != "*/15 * * * *" {
		t.Errorf("Expected replaced expression, got %q", expr)
	}
}

func TestApply_MalformedAfterValidLeavesDisabled(t *testing.T) {
	s, err := New(func() {})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer s.Stop()

	if err := s.Apply(DefaultCron); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := s.Apply("61 * * * *"); err == nil {
		t.Fatal("Expected error for out-of-range minute field")
	}

	expr, next, applyErr := s.Current()
	if expr != "" || applyErr == nil {
		t.Errorf("Expected disabled trigger with recorded error, got expr=%q err=%v", expr, applyErr)
	}
	if !next.IsZero() {
		t.Errorf("Expected no next run while disabled, got %v", next)
	}
}

func TestScheduler_FiresTask(t *testing.T) {
	fired := make(chan struct{}, 1)
	s, err := New(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	defer s.Stop()

	// Every-second schedule keeps the test fast.
	if err := s.Apply("* * * * * *"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	s.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("Task never fired")
	}
}

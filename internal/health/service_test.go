package health

import "testing"

func TestTracker_FailuresBelowThresholdStayHealthy(t *testing.T) {
	tracker := NewTracker(3)
	tracker.Register("generation")

	if tr := tracker.MarkUnhealthy("generation", "timeout"); tr != nil {
		t.Errorf("First failure must not transition, got %+v", tr)
	}
	if tr := tracker.MarkUnhealthy("generation", "timeout"); tr != nil {
		t.Errorf("Second failure must not transition, got %+v", tr)
	}
	if !tracker.IsHealthy("generation") {
		t.Error("Dependency must stay healthy below the failure threshold")
	}

	snap, ok := tracker.Get("generation")
	if !ok {
		t.Fatal("Registered dependency missing from tracker")
	}
	if snap.FailureCount != 2 {
		t.Errorf("Expected failure count 2, got %d", snap.FailureCount)
	}
}

func TestTracker_ThresholdFlipsUnhealthyOnce(t *testing.T) {
	tracker := NewTracker(3)
	tracker.Register("generation")

	tracker.MarkUnhealthy("generation", "timeout")
	tracker.MarkUnhealthy("generation", "timeout")
	tr := tracker.MarkUnhealthy("generation", "connection refused")
	if tr == nil {
		t.Fatal("Third consecutive failure must produce a transition")
	}
	if tr.To != StatusUnhealthy {
		t.Errorf("Expected transition to unhealthy, got %s", tr.To)
	}
	if tr.LastError != "connection refused" {
		t.Errorf("Transition must carry the latest error, got %q", tr.LastError)
	}
	if tracker.IsHealthy("generation") {
		t.Error("Dependency must be unhealthy after crossing the threshold")
	}

	// Further failures keep it unhealthy without re-announcing
	if tr := tracker.MarkUnhealthy("generation", "still down"); tr != nil {
		t.Errorf("Repeated failures past the threshold must not re-transition, got %+v", tr)
	}
}

func TestTracker_SingleSuccessRecovers(t *testing.T) {
	tracker := NewTracker(2)
	tracker.Register("generation")

	tracker.MarkUnhealthy("generation", "down")
	if tr := tracker.MarkUnhealthy("generation", "down"); tr == nil {
		t.Fatal("Expected unhealthy transition")
	}

	tr := tracker.MarkHealthy("generation", 12)
	if tr == nil {
		t.Fatal("Recovery from unhealthy must produce a transition")
	}
	if tr.From != StatusUnhealthy || tr.To != StatusHealthy {
		t.Errorf("Expected unhealthy -> healthy, got %s -> %s", tr.From, tr.To)
	}
	if !tracker.IsHealthy("generation") {
		t.Error("One success must fully recover the dependency")
	}

	snap, _ := tracker.Get("generation")
	if snap.FailureCount != 0 {
		t.Errorf("Recovery must reset the failure count, got %d", snap.FailureCount)
	}
	if snap.LatencyMs != 12 {
		t.Errorf("Expected probe latency recorded, got %d", snap.LatencyMs)
	}
}

func TestTracker_SuccessWhileHealthyIsQuiet(t *testing.T) {
	tracker := NewTracker(3)
	tracker.Register("generation")

	if tr := tracker.MarkHealthy("generation", 5); tr != nil {
		t.Errorf("Success on a healthy dependency must not transition, got %+v", tr)
	}
	if tr := tracker.MarkHealthy("generation", 7); tr != nil {
		t.Errorf("Success on a healthy dependency must not transition, got %+v", tr)
	}
}

func TestTracker_UnknownNames(t *testing.T) {
	tracker := NewTracker(3)

	if !tracker.IsHealthy("never-registered") {
		t.Error("Unknown dependencies are assumed healthy")
	}
	if tr := tracker.MarkUnhealthy("never-registered", "x"); tr != nil {
		t.Errorf("Marking an unregistered name must be a no-op, got %+v", tr)
	}
	if tr := tracker.MarkHealthy("never-registered", 1); tr != nil {
		t.Errorf("Marking an unregistered name must be a no-op, got %+v", tr)
	}
	if _, ok := tracker.Get("never-registered"); ok {
		t.Error("Get must report missing entries")
	}
	if len(tracker.All()) != 0 {
		t.Error("All must be empty with no registrations")
	}
}

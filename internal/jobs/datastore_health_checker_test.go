package jobs

import (
	"context"
	"errors"
	"testing"

	"tutorlive/internal/health"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestDatastoreHealthChecker_BothUp(t *testing.T) {
	tracker := health.NewTracker(1)
	checker := NewDatastoreHealthChecker(&fakePinger{}, &fakePinger{}, tracker)

	if err := checker.Run(context.Background()); err != nil {
		t.Fatalf("Run with healthy stores must not error, got: %v", err)
	}
	if !tracker.IsHealthy(RedisDependency) || !tracker.IsHealthy(MongoDependency) {
		t.Error("Both datastores must be healthy after successful probes")
	}
}

func TestDatastoreHealthChecker_OneDown(t *testing.T) {
	tracker := health.NewTracker(1)
	mongo := &fakePinger{err: errors.New("no reachable servers")}
	checker := NewDatastoreHealthChecker(&fakePinger{}, mongo, tracker)

	if err := checker.Run(context.Background()); err == nil {
		t.Fatal("Run must surface the probe failure")
	}
	if !tracker.IsHealthy(RedisDependency) {
		t.Error("Redis must stay healthy when only Mongo is down")
	}
	if tracker.IsHealthy(MongoDependency) {
		t.Error("Mongo must be unhealthy after a failed probe at threshold 1")
	}

	mongo.err = nil
	if err := checker.Run(context.Background()); err != nil {
		t.Fatalf("Run after recovery must not error, got: %v", err)
	}
	if !tracker.IsHealthy(MongoDependency) {
		t.Error("Mongo must recover after one successful probe")
	}
}

package jobs

import (
	"context"
	"log"
	"time"

	"tutorlive/internal/health"
)

// Tracker entry names for the storage dependencies
const (
	RedisDependency = "redis"
	MongoDependency = "mongodb"
)

// Pinger is a datastore liveness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatastoreHealthChecker pings Redis and Mongo and feeds the tracker.
// Storage outages degrade /health but are not announced to clients;
// the gateway keeps serving whatever still works.
type DatastoreHealthChecker struct {
	redis   Pinger
	mongo   Pinger
	tracker *health.Tracker
}

func NewDatastoreHealthChecker(redis, mongo Pinger, tracker *health.Tracker) *DatastoreHealthChecker {
	tracker.Register(RedisDependency)
	tracker.Register(MongoDependency)
	return &DatastoreHealthChecker{redis: redis, mongo: mongo, tracker: tracker}
}

// Run executes one probe against each datastore
func (d *DatastoreHealthChecker) Run(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var firstErr error
	for name, pinger := range map[string]Pinger{
		RedisDependency: d.redis,
		MongoDependency: d.mongo,
	} {
		start := time.Now()
		if err := pinger.Ping(probeCtx); err != nil {
			log.Printf("[HEALTH-JOB] %s probe failed: %v", name, err)
			d.tracker.MarkUnhealthy(name, err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.tracker.MarkHealthy(name, int(time.Since(start).Milliseconds()))
	}
	return firstErr
}

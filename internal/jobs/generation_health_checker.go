package jobs

import (
	"context"
	"log"
	"time"

	"tutorlive/internal/health"
	"tutorlive/internal/models"
	"tutorlive/internal/services"
)

// GenerationDependency is the name the health tracker uses for the
// generation service entry.
const GenerationDependency = "generation"

// HealthProber is the probe the checker runs against the generation service
type HealthProber interface {
	HealthCheck(ctx context.Context) error
}

// GenerationHealthChecker polls the generation service and announces
// degraded/recovered transitions to every connected client.
type GenerationHealthChecker struct {
	prober      HealthProber
	tracker     *health.Tracker
	broadcaster *services.Broadcaster
}

func NewGenerationHealthChecker(prober HealthProber, tracker *health.Tracker, broadcaster *services.Broadcaster) *GenerationHealthChecker {
	tracker.Register(GenerationDependency)
	return &GenerationHealthChecker{
		prober:      prober,
		tracker:     tracker,
		broadcaster: broadcaster,
	}
}

// Run executes one health probe against the generation service
func (g *GenerationHealthChecker) Run(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	err := g.prober.HealthCheck(probeCtx)
	latencyMs := int(time.Since(start).Milliseconds())

	var transition *health.Transition
	if err != nil {
		log.Printf("[HEALTH-JOB] Generation probe failed: %v", err)
		transition = g.tracker.MarkUnhealthy(GenerationDependency, err.Error())
	} else {
		transition = g.tracker.MarkHealthy(GenerationDependency, latencyMs)
	}

	if transition != nil {
		g.announce(ctx, transition)
	}
	return err
}

func (g *GenerationHealthChecker) announce(ctx context.Context, tr *health.Transition) {
	alertType := "generation_recovered"
	content := "Tutor responses are back to normal."
	if tr.To == health.StatusUnhealthy {
		alertType = "generation_degraded"
		content = "Tutor responses may be delayed while we recover a backend service."
	}

	ev := models.ServerEvent{
		Type:      models.EventSystemAlert,
		AlertType: alertType,
		Content:   content,
	}
	g.broadcaster.EmitToAll(ctx, "system", ev)
	log.Printf("📢 [HEALTH-JOB] Broadcast %s alert", alertType)
}

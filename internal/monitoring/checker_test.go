package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/deckeval/internal/config"
)

func TestChecker_StopsOnCancel(t *testing.T) {
	collector := NewCollector(newCollectorStore(t))
	alerter := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	// Let the immediate sweep and one tick happen, then stop it.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_IntervalDefault(t *testing.T) {
	collector := NewCollector(newCollectorStore(t))
	alerter := NewAlerter(config.MonitoringConfig{})

	checker := NewChecker(collector, alerter, config.MonitoringConfig{CheckIntervalSecs: 0})
	assert.Equal(t, 5*time.Minute, checker.interval())

	checker = NewChecker(collector, alerter, config.MonitoringConfig{CheckIntervalSecs: 30})
	assert.Equal(t, 30*time.Second, checker.interval())
}

func TestChecker_CanceledContextReturnsWithoutSweep(t *testing.T) {
	collector := NewCollector(newCollectorStore(t))
	alerter := NewAlerter(config.MonitoringConfig{})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

// Package metrics aggregates live counters from the engine's event
// firehose. Counters reset on process restart; durable history lives in
// the transcript store.
package metrics

import (
	"sync"
	"time"

	"github.com/normanking/conductor/pkg/engine"
)

// EventSource is the slice of the engine the collector consumes.
type EventSource interface {
	SubscribeAll() (<-chan engine.ProgressEvent, func())
}

// Collector tails the firehose and aggregates service-wide stats.
type Collector struct {
	mu           sync.RWMutex
	stats        ServiceStats
	qualitySum   float64
	qualityCount int
	recentEvents []engine.ProgressEvent
	maxEvents    int
	cancel       func()
	done         chan struct{}
	started      bool
	stopped      bool
}

// ServiceStats holds counters since process start.
type ServiceStats struct {
	StartTime         time.Time `json:"start_time"`
	EventCount        int64     `json:"event_count"`
	SessionsCompleted int       `json:"sessions_completed"`
	SessionsFailed    int       `json:"sessions_failed"`
	SessionsCancelled int       `json:"sessions_cancelled"`
	StagesStarted     int       `json:"stages_started"`
	StagesCompleted   int       `json:"stages_completed"`
	StagesFailed      int       `json:"stages_failed"`
	TokensStreamed    int64     `json:"tokens_streamed"`
	FallbacksUsed     int       `json:"fallbacks_used"`
	AvgQualityScore   float64   `json:"avg_quality_score"`
	LastEvent         string    `json:"last_event,omitempty"`
	LastEventTime     time.Time `json:"last_event_time,omitempty"`
}

// NewCollector creates a collector. Call Start to begin consuming.
func NewCollector() *Collector {
	return &Collector{
		stats:     ServiceStats{StartTime: time.Now()},
		maxEvents: 50,
		done:      make(chan struct{}),
	}
}

// Start subscribes to the firehose and consumes events until Stop.
func (c *Collector) Start(src EventSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true

	ch, cancel := src.SubscribeAll()
	c.cancel = cancel

	go c.run(ch)
}

func (c *Collector) run(ch <-chan engine.ProgressEvent) {
	defer close(c.done)
	for event := range ch {
		c.handleEvent(event)
	}
}

// Stop detaches from the firehose and waits for buffered events to drain.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-c.done
}

// Stats returns a copy of the current counters.
func (c *Collector) Stats() ServiceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	if c.qualityCount > 0 {
		stats.AvgQualityScore = c.qualitySum / float64(c.qualityCount)
	}
	return stats
}

// RecentEvents returns up to n of the most recent events, oldest first.
func (c *Collector) RecentEvents(n int) []engine.ProgressEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	start := len(c.recentEvents) - n

	events := make([]engine.ProgressEvent, n)
	copy(events, c.recentEvents[start:])
	return events
}

func (c *Collector) handleEvent(event engine.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.EventCount++

	// Token events are high-frequency; count them but keep them out of
	// the recent-event window and the last-event marker.
	if event.Kind == engine.EventToken {
		c.stats.TokensStreamed++
		return
	}

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}

	switch event.Kind {
	case engine.EventStageStarted:
		c.stats.StagesStarted++
		c.stats.LastEvent = "stage started: " + event.Stage
	case engine.EventStageCompleted:
		c.stats.StagesCompleted++
		c.stats.LastEvent = "stage completed: " + event.Stage
		if used, ok := event.Payload["fallback_used"].(bool); ok && used {
			c.stats.FallbacksUsed++
		}
	case engine.EventStageFailed:
		c.stats.StagesFailed++
		c.stats.LastEvent = "stage failed: " + event.Stage
	case engine.EventSessionCompleted:
		c.stats.SessionsCompleted++
		c.stats.LastEvent = "session completed"
		if score, ok := event.Payload["quality_score"].(float64); ok {
			c.qualitySum += score
			c.qualityCount++
		}
	case engine.EventSessionFailed:
		c.stats.SessionsFailed++
		c.stats.LastEvent = "session failed"
	case engine.EventSessionCancelled:
		c.stats.SessionsCancelled++
		c.stats.LastEvent = "session cancelled"
	}

	c.stats.LastEventTime = event.Timestamp
}

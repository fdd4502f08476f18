package engine

import "time"

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithQualityThreshold sets the critique score below which the quality loop
// re-enters the plan. Values outside (0, 1] keep the default.
func WithQualityThreshold(threshold float64) Option {
	return func(e *Engine) {
		if threshold > 0 && threshold <= 1 {
			e.qualityThreshold = threshold
		}
	}
}

// WithMaxQualityRetries bounds quality-driven plan re-entries per session.
// Zero disables the loop entirely.
func WithMaxQualityRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxQualityRetries = n
		}
	}
}

// WithSessionTimeout caps a session's total wall-clock time.
func WithSessionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sessionTimeout = d
		}
	}
}

// WithRetention sets how long terminal sessions stay pollable before the
// sweeper evicts them.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithMaxSessions caps concurrently retained sessions; Submit returns
// ErrSessionLimit beyond it.
func WithMaxSessions(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSessions = n
		}
	}
}

// WithMaxFileSize caps accepted attachment sizes in bytes.
func WithMaxFileSize(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFileSize = n
		}
	}
}

// WithEventBuffer sets the per-session replay buffer size. Events older
// than the buffer cannot be replayed to late subscribers.
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	}
}

// WithSubscriberBuffer sets the channel buffer per stream subscriber.
// Subscribers that fall further behind have events dropped.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.subscriberBuffer = n
		}
	}
}

// WithSink attaches a transcript sink written after terminal transitions.
func WithSink(sink Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithLenientValidation defers capability availability errors from
// construction to submission: broken (intent, modality) templates refuse
// matching requests instead of failing startup.
func WithLenientValidation() Option {
	return func(e *Engine) {
		e.lenient = true
	}
}

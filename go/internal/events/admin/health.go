// Package admin exposes health, counters and dead letters of a running
// pipeline over Connect and plain HTTP.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Broker interface {
	Connected() bool
}

type Drainer interface {
	Running() bool
	Stats() (published uint64, lastCycle time.Time)
	Wake()
}

type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type Breaker interface {
	State() string
}

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	DatabaseConnected bool      `json:"database_connected"`
	BrokerConnected   bool      `json:"broker_connected"`
	DrainerRunning    bool      `json:"drainer_running"`
	BreakerState      string    `json:"breaker_state,omitempty"`
	EventsPublished   uint64    `json:"events_published"`
	LastCycle         time.Time `json:"last_cycle"`
	PendingEvents     int       `json:"pending_events"`
	Errors            []string  `json:"errors"`
}

// Checker assembles a HealthStatus. Nil dependencies are not checked.
type Checker struct {
	DB      Pinger
	Broker  Broker
	Drainer Drainer
	Pending PendingCounter
	Breaker Breaker

	// StallAfter marks the pipeline unhealthy when events are pending and
	// no drain cycle completed for this long.
	StallAfter time.Duration
	// PendingAlert adds a warning, not a failure, above this backlog.
	PendingAlert int
	Clock        clockwork.Clock
}

func (h *Checker) Check(ctx context.Context) HealthStatus {
	clock := h.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}
	fail := func(format string, args ...any) {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf(format, args...))
	}

	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			fail("database ping failed: %v", err)
		} else {
			status.DatabaseConnected = true
		}
	}

	if h.Broker != nil {
		status.BrokerConnected = h.Broker.Connected()
		if !status.BrokerConnected {
			fail("broker disconnected")
		}
	}

	if h.Breaker != nil {
		status.BreakerState = h.Breaker.State()
		if status.BreakerState == "open" {
			fail("publisher circuit open")
		}
	}

	if h.Drainer != nil {
		status.DrainerRunning = h.Drainer.Running()
		status.EventsPublished, status.LastCycle = h.Drainer.Stats()
		if !status.DrainerRunning {
			fail("outbox drainer not running")
		}
	}

	if h.Pending != nil && (h.DB == nil || status.DatabaseConnected) {
		pending, err := h.Pending.CountPending(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		} else {
			status.PendingEvents = pending
			if h.PendingAlert > 0 && pending > h.PendingAlert {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}
	}

	if h.StallAfter > 0 && status.PendingEvents > 0 && !status.LastCycle.IsZero() {
		if since := clock.Since(status.LastCycle); since > h.StallAfter {
			fail("no drain cycle for %s", since)
		}
	}

	return status
}

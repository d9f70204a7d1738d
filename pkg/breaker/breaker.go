// Package breaker protects a session against runaway costs, stuck
// loops, and systematic failures. Five independent breakers are
// evaluated at phase boundaries; a trip carries an action tag the
// workflow engine maps to a transition. Checks are level-triggered and
// never fire from inside hot loops.
package breaker

import "fmt"

// Action tells the workflow engine how to react to a trip.
type Action string

const (
	ActionPauseAndAlert   Action = "pause_and_alert"
	ActionResetWorker     Action = "reset_worker"
	ActionThrottle        Action = "throttle"
	ActionSkipToReport    Action = "skip_to_report"
	ActionEscalateToHuman Action = "escalate_to_human"
)

// Trip is a non-nil breaker result.
type Trip struct {
	Breaker string
	Action  Action
	Message string
}

func (t *Trip) Error() string {
	return fmt.Sprintf("%s breaker tripped: %s", t.Breaker, t.Message)
}

// ConsecutiveFailure trips after N consecutive expert answers that did
// not lead to worker success.
type ConsecutiveFailure struct {
	Threshold int
	failures  int
}

// NewConsecutiveFailure returns the breaker with the stock threshold of 5.
func NewConsecutiveFailure() *ConsecutiveFailure {
	return &ConsecutiveFailure{Threshold: 5}
}

// RecordOutcome feeds one expert-answer outcome. Success resets the
// streak; a long enough failure streak trips.
func (b *ConsecutiveFailure) RecordOutcome(workerSucceeded bool) *Trip {
	if workerSucceeded {
		b.failures = 0
		return nil
	}
	b.failures++
	if b.failures >= b.Threshold {
		return &Trip{
			Breaker: "consecutive_expert_failure",
			Action:  ActionPauseAndAlert,
			Message: "expert answers not resolving issues, possible systematic problem",
		}
	}
	return nil
}

// Repetition trips when a worker's recent action signatures show too
// little variety: fewer than 3 distinct among the last 10.
type Repetition struct {
	MinDistinct int
	Window      int
}

// NewRepetition returns the breaker with the stock window of 10 and
// minimum of 3 distinct signatures.
func NewRepetition() *Repetition {
	return &Repetition{MinDistinct: 3, Window: 10}
}

// Check inspects the trailing window of action signatures. Histories
// shorter than the window never trip.
func (b *Repetition) Check(signatures []string) *Trip {
	if len(signatures) < b.Window {
		return nil
	}
	recent := signatures[len(signatures)-b.Window:]
	distinct := make(map[string]struct{}, len(recent))
	for _, sig := range recent {
		distinct[sig] = struct{}{}
	}
	if len(distinct) < b.MinDistinct {
		return &Trip{
			Breaker: "repetition",
			Action:  ActionResetWorker,
			Message: fmt.Sprintf("worker stuck in repetition loop (%d unique actions in last %d)", len(distinct), b.Window),
		}
	}
	return nil
}

// CostSpike trips when the cost rate exceeds a multiple of the rolling
// baseline. The first observed rate becomes the baseline.
type CostSpike struct {
	MaxMultiplier float64
	baseline      float64
	primed        bool
}

// NewCostSpike returns the breaker with the stock 2.0x multiplier.
func NewCostSpike() *CostSpike {
	return &CostSpike{MaxMultiplier: 2.0}
}

// Check compares the current cost rate against the baseline.
func (b *CostSpike) Check(currentRate float64) *Trip {
	if !b.primed {
		b.baseline = currentRate
		b.primed = true
		return nil
	}
	if b.baseline > 0 && currentRate > b.baseline*b.MaxMultiplier {
		return &Trip{
			Breaker: "cost_spike",
			Action:  ActionThrottle,
			Message: fmt.Sprintf("cost spike detected: %.2fx baseline", currentRate/b.baseline),
		}
	}
	return nil
}

// Timeout trips when the session runs past its wall-clock limit.
type Timeout struct {
	MaxMinutes float64
}

// NewTimeout returns the breaker with the stock 60 minute limit.
func NewTimeout() *Timeout {
	return &Timeout{MaxMinutes: 60}
}

// Check compares elapsed session minutes against the limit.
func (b *Timeout) Check(elapsedMinutes float64) *Trip {
	if elapsedMinutes > b.MaxMinutes {
		return &Trip{
			Breaker: "timeout",
			Action:  ActionSkipToReport,
			Message: fmt.Sprintf("session exceeded %.0f minute limit", b.MaxMinutes),
		}
	}
	return nil
}

// NoProgress trips when no worker has made progress for too long.
type NoProgress struct {
	MaxMinutes float64
}

// NewNoProgress returns the breaker with the stock 15 minute limit.
func NewNoProgress() *NoProgress {
	return &NoProgress{MaxMinutes: 15}
}

// Check takes the minimum minutes-without-progress across all workers.
func (b *NoProgress) Check(minutesWithoutAnyProgress float64) *Trip {
	if minutesWithoutAnyProgress > b.MaxMinutes {
		return &Trip{
			Breaker: "no_progress",
			Action:  ActionEscalateToHuman,
			Message: fmt.Sprintf("no progress for %.0f minutes", b.MaxMinutes),
		}
	}
	return nil
}

// System aggregates the five breakers for one session.
type System struct {
	ExpertLoop *ConsecutiveFailure
	Repetition *Repetition
	CostSpike  *CostSpike
	Timeout    *Timeout
	NoProgress *NoProgress
}

// NewSystem builds a breaker set with stock thresholds.
func NewSystem() *System {
	return &System{
		ExpertLoop: NewConsecutiveFailure(),
		Repetition: NewRepetition(),
		CostSpike:  NewCostSpike(),
		Timeout:    NewTimeout(),
		NoProgress: NewNoProgress(),
	}
}

// Package learning tracks expert answer effectiveness and feeds
// learned patterns back into expert prompts. Effectiveness weighs
// worker success, speed of resolution, independence from follow-ups,
// and confidence calibration.
package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/focusgroup-ai/focusgroup/pkg/models"
)

// Effectiveness weights and thresholds.
const (
	weightSuccess      = 0.4
	weightSpeed        = 0.2
	weightIndependence = 0.2
	weightCalibration  = 0.2

	// speedTargetSeconds is the resolution time at which the speed
	// component reaches zero.
	speedTargetSeconds = 600

	// followUpPenalty is the independence deduction per follow-up.
	followUpPenalty = 0.25

	successPatternThreshold = 0.8
	failurePatternThreshold = 0.4
)

// Store is the learning surface consumed by the expert driver.
type Store interface {
	// TrackAnswer records an answer for later evaluation.
	TrackAnswer(ctx context.Context, query models.ExpertQuery, answer string, initialConfidence float64) (string, error)
	// Evaluate scores a tracked answer against the worker outcome.
	Evaluate(ctx context.Context, answerID string, outcome models.WorkerOutcome) (float64, error)
	// GetContext returns learned patterns for a category, "" when none.
	GetContext(ctx context.Context, category string) (string, error)
}

type trackedAnswer struct {
	id         string
	query      models.ExpertQuery
	answer     string
	confidence float64
	trackedAt  time.Time

	evaluated     bool
	effectiveness float64
}

type pattern struct {
	question      string
	effectiveness float64
}

// MemStore is the in-memory learning store.
type MemStore struct {
	mu       sync.Mutex
	answers  map[string]*trackedAnswer
	patterns map[string]*categoryPatterns
}

type categoryPatterns struct {
	successes []pattern
	failures  []pattern
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty learning store.
func NewMemStore() *MemStore {
	return &MemStore{
		answers:  make(map[string]*trackedAnswer),
		patterns: make(map[string]*categoryPatterns),
	}
}

// TrackAnswer records an answer with a pending outcome.
func (s *MemStore) TrackAnswer(_ context.Context, query models.ExpertQuery, answer string, initialConfidence float64) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[id] = &trackedAnswer{
		id:         id,
		query:      query,
		answer:     answer,
		confidence: initialConfidence,
		trackedAt:  time.Now(),
	}
	return id, nil
}

// Evaluate computes the effectiveness score and folds the answer into
// the per-category pattern sets.
func (s *MemStore) Evaluate(_ context.Context, answerID string, outcome models.WorkerOutcome) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.answers[answerID]
	if !ok {
		return 0, fmt.Errorf("learning: unknown answer id %q", answerID)
	}

	eff := Effectiveness(outcome, tracked.confidence)
	tracked.evaluated = true
	tracked.effectiveness = eff

	cat := tracked.query.Category
	if cat == "" {
		cat = "general"
	}
	cp, ok := s.patterns[cat]
	if !ok {
		cp = &categoryPatterns{}
		s.patterns[cat] = cp
	}
	p := pattern{question: tracked.query.Question, effectiveness: eff}
	switch {
	case eff > successPatternThreshold:
		cp.successes = append(cp.successes, p)
	case eff < failurePatternThreshold:
		cp.failures = append(cp.failures, p)
	}

	return eff, nil
}

// GetContext formats the strongest learned patterns for a category
// into prompt text. Empty when nothing has been learned yet.
func (s *MemStore) GetContext(_ context.Context, category string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.patterns[category]
	if !ok || (len(cp.successes) == 0 && len(cp.failures) == 0) {
		return "", nil
	}

	var b strings.Builder
	if len(cp.successes) > 0 {
		b.WriteString("Answers in this category that worked well addressed questions like:\n")
		for _, p := range topPatterns(cp.successes, 3, true) {
			fmt.Fprintf(&b, "- %s\n", p.question)
		}
	}
	if len(cp.failures) > 0 {
		b.WriteString("Answers that did not resolve the issue addressed questions like:\n")
		for _, p := range topPatterns(cp.failures, 3, false) {
			fmt.Fprintf(&b, "- %s\n", p.question)
		}
		b.WriteString("Prefer concrete, step-by-step guidance over restating documentation.\n")
	}
	return b.String(), nil
}

func topPatterns(ps []pattern, n int, best bool) []pattern {
	sorted := append([]pattern(nil), ps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if best {
			return sorted[i].effectiveness > sorted[j].effectiveness
		}
		return sorted[i].effectiveness < sorted[j].effectiveness
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Effectiveness scores an outcome in [0,1]:
// 0.4·success + 0.2·speed + 0.2·independence + 0.2·calibration.
func Effectiveness(outcome models.WorkerOutcome, confidence float64) float64 {
	var success float64
	if outcome.Success {
		success = 1
	}
	speed := math.Max(0, 1-outcome.TimeToComplete/speedTargetSeconds)
	independence := math.Max(0, 1-followUpPenalty*float64(len(outcome.SubsequentQuestions)))
	calibration := 1 - math.Abs(confidence-success)

	return weightSuccess*success +
		weightSpeed*speed +
		weightIndependence*independence +
		weightCalibration*calibration
}

// Package cleanup provides the in-memory retention janitor.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/focusgroup-ai/focusgroup/pkg/bus"
	"github.com/focusgroup-ai/focusgroup/pkg/config"
	"github.com/focusgroup-ai/focusgroup/pkg/knowledge"
	"github.com/focusgroup-ai/focusgroup/pkg/session"
)

// CostLedger drops per-session cost state. Satisfied by the workflow
// engine.
type CostLedger interface {
	ForgetCosts(sessionID string)
}

// Service periodically reaps finished sessions past their TTL:
//   - Drops the session's event-bus buffer
//   - Drops its cost ledger
//   - Removes it from the session manager
//
// It also sweeps expired entries from the shared embedding cache.
// All operations are idempotent.
type Service struct {
	cfg      config.RetentionConfig
	sessions *session.Manager
	events   *bus.Bus
	ledger   CostLedger
	embeds   *knowledge.EmbedCache

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the janitor. embeds may be nil when no shared
// embedding cache is in use.
func NewService(cfg config.RetentionConfig, sessions *session.Manager, events *bus.Bus, ledger CostLedger, embeds *knowledge.EmbedCache) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		events:   events,
		ledger:   ledger,
		embeds:   embeds,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention janitor started",
		"session_ttl", s.cfg.SessionTTL,
		"interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention janitor stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	reaped := s.reapFinishedSessions()
	if reaped > 0 {
		slog.Info("Retention: reaped finished sessions", "count", reaped)
	}
	if s.embeds != nil {
		if n := s.embeds.Sweep(); n > 0 {
			slog.Info("Retention: swept expired embeddings", "count", n)
		}
	}
}

func (s *Service) reapFinishedSessions() int {
	cutoff := time.Now().Add(-s.cfg.SessionTTL)
	reaped := 0
	for _, id := range s.sessions.Finished() {
		sess, err := s.sessions.Get(id)
		if err != nil {
			continue
		}
		if sess.UpdatedAt().After(cutoff) {
			continue
		}
		s.events.Cleanup(id)
		s.ledger.ForgetCosts(id)
		s.sessions.Delete(id)
		reaped++
	}
	return reaped
}

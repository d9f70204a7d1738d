// Package bus provides the per-session event stream: publish with a
// bounded replay buffer, and subscribe with a gapless snapshot-then-live
// sequence. Events within a session are totally ordered by a monotone
// sequence number; cross-session ordering is undefined.
package bus

import "time"

// Event types form a closed vocabulary. Consumers switch on these
// strings; adding a type is an API change.
const (
	EventSessionStarted     = "session_started"
	EventPhaseChange        = "phase_change"
	EventSandboxReady       = "sandbox_ready"
	EventTaskAssigned       = "task_assigned"
	EventThinking           = "thinking"
	EventThought            = "thought"
	EventCodeRunning        = "code_running"
	EventCodeResult         = "code_result"
	EventCompleted          = "completed"
	EventPreviewURL         = "preview_url"
	EventError              = "error"
	EventStuck              = "stuck"
	EventEscalated          = "escalated"
	EventReviewPending      = "review/pending"
	EventExpertAnswer       = "expert/answer_generated"
	EventExpertError        = "expert/error"
	EventValidationStarted  = "validation_started"
	EventValidationComplete = "validation_complete"
	EventValidationError    = "validation_error"
	EventSessionDone        = "session_done"
	EventBufferOverflow     = "buffer_overflow"
	EventSubscriberLagged   = "subscriber_lagged"
)

// Event is one unit of observable progress on a session stream.
type Event struct {
	// Seq is dense and strictly increasing within a session, starting at 1.
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	WorkerID  string         `json:"worker_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/vooli/internal/metadata"
)

// Failure is one error that was logged and dropped without failing the run.
type Failure struct {
	Kind    string `json:"kind"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

type Diagnostics struct {
	Swallowed []Failure `json:"swallowed,omitempty"`
	// StageError is the reason behind a failed or declined run.
	StageError string `json:"stage_error,omitempty"`
}

func (d Diagnostics) Count() int { return len(d.Swallowed) }

// Run is one execution of the pipeline for one inbound message.
type Run struct {
	ID            string
	ChatID        string
	Message       string
	UserMessageID string
	// PlaceholderID is the assistant message the run writes its answer to;
	// empty when the placeholder could not be persisted.
	PlaceholderID string
	StartedAt     time.Time

	channel metadata.Channel

	mu      sync.Mutex
	stage   Stage
	outcome Outcome
	results map[Stage]StageResult
	diag    Diagnostics
}

func newRun(id, chatID, message string, ch metadata.Channel) *Run {
	return &Run{
		ID:        id,
		ChatID:    chatID,
		Message:   message,
		StartedAt: time.Now().UTC(),
		channel:   ch,
		stage:     StageIntent,
		results:   map[Stage]StageResult{},
	}
}

func (r *Run) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// advance moves to a later working stage; stages never regress.
func (r *Run) advance(next Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stage.Terminal() {
		return fmt.Errorf("run %s is terminal (%s)", r.ID, r.stage)
	}
	cur, nxt := stageOrder[r.stage], stageOrder[next]
	if _, ok := stageOrder[next]; !ok || next == StageDone || nxt <= cur {
		return fmt.Errorf("run %s cannot move from %s to %s", r.ID, r.stage, next)
	}
	r.stage = next
	return nil
}

// finish sets the terminal outcome exactly once.
func (r *Run) finish(outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != "" {
		return fmt.Errorf("run %s already finished as %s", r.ID, r.outcome)
	}
	r.outcome = outcome
	switch outcome {
	case OutcomeAnswered:
		r.stage = StageDone
	case OutcomeDeclined:
		r.stage = StageDeclined
	default:
		r.stage = StageFailed
	}
	return nil
}

func (r *Run) record(s Stage, res StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[s] = res
}

// result returns the payload a completed stage produced.
func (r *Run) result(s Stage) (StageResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[s]
	return res, ok
}

func (r *Run) swallow(kind, ref string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diag.Swallowed = append(r.diag.Swallowed, Failure{Kind: kind, Ref: ref, Message: err.Error()})
}

func (r *Run) diagnostics() Diagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.diag
	d.Swallowed = append([]Failure(nil), r.diag.Swallowed...)
	return d
}

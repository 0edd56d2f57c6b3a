package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// TurnResult is how a turn ended.
type TurnResult struct {
	Outcome models.Outcome

	// Err is set for OutcomeError.
	Err error

	// Text is the final assistant answer.
	Text string

	ToolCalls    int
	InputTokens  int
	OutputTokens int
}

// Turn is a handle on a submitted turn. A turn paused for permission stays
// open until its batch is decided and the loop finishes.
type Turn struct {
	ID        string
	SessionID string

	started time.Time
	once    sync.Once
	done    chan struct{}
	result  TurnResult
}

func newTurn(sessionID, turnID string) *Turn {
	return &Turn{ID: turnID, SessionID: sessionID, started: time.Now(), done: make(chan struct{})}
}

// Done is closed when the turn reaches a terminal outcome.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Turn) Result() TurnResult {
	select {
	case <-t.done:
		return t.result
	default:
		return TurnResult{}
	}
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

func (t *Turn) finish(result TurnResult) {
	t.once.Do(func() {
		t.result = result
		close(t.done)
	})
}

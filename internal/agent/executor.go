package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ExecutorConfig configures batch tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 4
	MaxConcurrency int

	// Independent lists tool name patterns, matched against the name and
	// "owner/name", that may run concurrently with each other. Read-only
	// tools are always independent.
	Independent []string
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxConcurrency: 4}
}

// BatchHooks observe a batch as it runs. Both hooks may be called from
// several goroutines.
type BatchHooks struct {
	// OnDispatch runs right before a call starts.
	OnDispatch func(call models.ToolCall)

	// OnComplete runs when a call has an outcome, with the call's index.
	OnComplete func(index int, outcome *ToolOutcome)
}

// Executor runs the granted calls of one batch. Consecutive independent
// calls run concurrently; any other call runs alone, after everything before
// it has finished. Outcomes are returned in input order whatever the
// completion order. Calls are attempted at most once.
type Executor struct {
	router *ToolRouter
	config ExecutorConfig

	// Semaphore for concurrency limiting
	sem chan struct{}
}

// NewExecutor creates an executor over a router.
func NewExecutor(router *ToolRouter, config ExecutorConfig) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	return &Executor{
		router: router,
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrency),
	}
}

// IsIndependent reports whether call may run concurrently with its
// neighbours.
func (e *Executor) IsIndependent(call models.ToolCall) bool {
	def, _, ok := e.router.registry.Lookup(call.Name)
	if ok && def.ReadOnly {
		return true
	}
	qualified := call.OwnerID + "/" + call.Name
	for _, pattern := range e.config.Independent {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if ok, _ := doublestar.Match(pattern, call.Name); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, qualified); ok {
			return true
		}
	}
	return false
}

// ExecuteBatch runs calls and returns one outcome per call in input order.
// Cancellation is checked before each dispatch; calls not yet started when
// ctx ends get a cancelled outcome without running.
func (e *Executor) ExecuteBatch(ctx context.Context, sessionID string, calls []models.ToolCall, hooks BatchHooks) []*ToolOutcome {
	outcomes := make([]*ToolOutcome, len(calls))
	complete := func(i int, o *ToolOutcome) {
		outcomes[i] = o
		if hooks.OnComplete != nil {
			hooks.OnComplete(i, o)
		}
	}
	run := func(i int) {
		if err := ctx.Err(); err != nil {
			complete(i, cancelledOutcome(calls[i], err))
			return
		}
		if hooks.OnDispatch != nil {
			hooks.OnDispatch(calls[i])
		}
		complete(i, e.router.Execute(ctx, sessionID, calls[i]))
	}

	for i := 0; i < len(calls); {
		if !e.IsIndependent(calls[i]) {
			run(i)
			i++
			continue
		}

		j := i
		for j < len(calls) && e.IsIndependent(calls[j]) {
			j++
		}
		var wg sync.WaitGroup
		for k := i; k < j; k++ {
			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				complete(k, cancelledOutcome(calls[k], ctx.Err()))
				continue
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer func() { <-e.sem }()
				run(idx)
			}(k)
		}
		wg.Wait()
		i = j
	}
	return outcomes
}

func cancelledOutcome(call models.ToolCall, cause error) *ToolOutcome {
	err := NewToolError(call.Name, cause).
		WithType(ToolErrorCancelled).
		WithToolCallID(call.ID).
		WithMessage("turn cancelled before the call ran")
	return &ToolOutcome{
		Call:    call,
		Content: err.Error(),
		Raw:     err.Error(),
		IsError: true,
		Err:     err,
	}
}

// runWithTimeout runs fn with a deadline and converts panics into tool
// errors. When the parent context ends first the error is a cancellation,
// otherwise a timeout.
func runWithTimeout(ctx context.Context, timeout time.Duration, call models.ToolCall, fn func(context.Context) (*ToolResult, error)) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID).
					WithMessage(fmt.Sprintf("tool panicked: %v", r))
				resultCh <- execResult{err: err}
			}
		}()

		result, err := fn(execCtx)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorCancelled).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

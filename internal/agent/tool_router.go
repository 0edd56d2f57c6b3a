package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 2 * time.Minute

// ToolRouterConfig configures a ToolRouter.
type ToolRouterConfig struct {
	Registry *ToolRegistry
	Guard    *ToolResultGuard
	Timeout  time.Duration
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger
}

// ToolOutcome is the normalized result of one routed call. Failures local to
// the call are carried in Err and rendered into Content; they never escape
// as Go errors.
type ToolOutcome struct {
	Call      models.ToolCall
	Content   string
	Raw       string
	IsError   bool
	Ref       string
	Truncated bool
	Repaired  bool
	Err       error
	Duration  time.Duration
}

// Result converts the outcome into the transcript form.
func (o *ToolOutcome) Result() models.ToolResult {
	return models.ToolResult{
		ToolCallID: o.Call.ID,
		Content:    o.Content,
		IsError:    o.IsError,
		Ref:        o.Ref,
	}
}

// ToolRouter resolves calls through the registry, repairs and validates
// their arguments, runs them with a timeout and protects their output.
type ToolRouter struct {
	registry *ToolRegistry
	guard    *ToolResultGuard
	timeout  time.Duration
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// NewToolRouter creates a router.
func NewToolRouter(cfg ToolRouterConfig) *ToolRouter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	guard := cfg.Guard
	if guard == nil {
		guard = NewToolResultGuard(ToolResultGuard{Logger: logger})
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultToolTimeout
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewToolRegistry(logger)
	}
	return &ToolRouter{
		registry: registry,
		guard:    guard,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   logger.With("component", "tool_router"),
	}
}

// Registry returns the registry the router resolves against.
func (r *ToolRouter) Registry() *ToolRegistry { return r.registry }

// Resolve fills in the owner of a call. Unknown tools keep an empty owner.
func (r *ToolRouter) Resolve(call models.ToolCall) models.ToolCall {
	if owner, ok := r.registry.Resolve(call.Name); ok {
		call.OwnerID = owner
	}
	return call
}

// Required returns the permission types a call needs. Unknown tools need
// none; they fail in Execute with a not-found result.
func (r *ToolRouter) Required(call models.ToolCall) []models.PermissionType {
	def, _, ok := r.registry.Lookup(call.Name)
	if !ok {
		return nil
	}
	if len(def.Permissions) == 0 {
		if def.Source == models.ToolSourceExternal {
			return []models.PermissionType{models.PermissionAll}
		}
		return []models.PermissionType{models.PermissionRead}
	}
	return def.Permissions
}

// Execute routes one call. It always returns an outcome.
func (r *ToolRouter) Execute(ctx context.Context, sessionID string, call models.ToolCall) *ToolOutcome {
	start := time.Now()
	outcome := &ToolOutcome{Call: call}

	def, source, ok := r.registry.Lookup(call.Name)
	if ok {
		outcome.Call.OwnerID = def.OwnerID
	}

	ctx, span := r.tracer.TraceToolExecution(ctx, call.Name, outcome.Call.OwnerID, call.ID)
	defer span.End()
	ctx = observability.AddToolCallID(ctx, call.ID)

	defer func() {
		outcome.Duration = time.Since(start)
		status := "success"
		if outcome.IsError {
			status = "error"
			if toolErr, ok := GetToolError(outcome.Err); ok {
				status = string(toolErr.Type)
			}
			r.tracer.RecordError(span, outcome.Err)
		}
		r.metrics.RecordToolExecution(call.Name, outcome.Call.OwnerID, status, outcome.Duration.Seconds())
	}()

	if !ok {
		return r.fail(ctx, outcome, NewToolError(call.Name, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)).
			WithToolCallID(call.ID))
	}
	if len(call.Input) > MaxToolParamsSize {
		return r.fail(ctx, outcome, NewToolError(call.Name, fmt.Errorf("arguments exceed %d bytes", MaxToolParamsSize)).
			WithType(ToolErrorArgumentParse).
			WithToolCallID(call.ID))
	}

	parsed := ParseArguments(call.Input)
	outcome.Repaired = parsed.Repaired
	switch {
	case parsed.Err != nil:
		r.logger.WarnContext(ctx, "tool arguments unparseable, using empty arguments",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"raw", parsed.Err.Raw,
			"error", parsed.Err.Cause)
	case parsed.Repaired:
		r.logger.DebugContext(ctx, "repaired malformed tool arguments", "tool", call.Name, "tool_call_id", call.ID)
	}

	validationErr, schemaErr := ValidateArguments(def.Schema, parsed.JSON)
	if schemaErr != nil {
		r.logger.WarnContext(ctx, "tool schema does not compile, skipping validation",
			"tool", call.Name, "owner", def.OwnerID, "error", schemaErr)
	}
	if validationErr != nil {
		msg := fmt.Sprintf("invalid arguments: %v", validationErr)
		if parsed.Err != nil {
			msg = fmt.Sprintf("%s (%v)", msg, parsed.Err)
		}
		return r.fail(ctx, outcome, NewToolError(call.Name, validationErr).
			WithType(ToolErrorArgumentParse).
			WithToolCallID(call.ID).
			WithMessage(msg))
	}

	result, err := runWithTimeout(ctx, r.timeout, outcome.Call, func(execCtx context.Context) (*ToolResult, error) {
		return source.CallTool(execCtx, call.Name, parsed.JSON)
	})
	if err != nil {
		toolErr, ok := GetToolError(err)
		if !ok {
			toolErr = NewToolError(call.Name, err).WithToolCallID(call.ID)
		}
		if toolErr.Type == ToolErrorSecurity {
			r.logger.WarnContext(ctx, "tool call rejected by sandbox", "tool", call.Name, "error", toolErr.Cause)
		}
		return r.fail(ctx, outcome, toolErr)
	}
	if result == nil {
		result = &ToolResult{}
	}

	outcome.Raw = result.Content
	outcome.IsError = result.IsError
	r.protect(ctx, sessionID, outcome, result)
	return outcome
}

func (r *ToolRouter) fail(ctx context.Context, outcome *ToolOutcome, err *ToolError) *ToolOutcome {
	outcome.IsError = true
	outcome.Err = err
	outcome.Raw = err.Error()
	r.protect(ctx, "", outcome, &ToolResult{Content: err.Error(), IsError: true})
	return outcome
}

func (r *ToolRouter) protect(ctx context.Context, sessionID string, outcome *ToolOutcome, result *ToolResult) {
	guarded := r.guard.Apply(ctx, sessionID, outcome.Call.ID, result)
	outcome.Content = guarded.Content
	outcome.Truncated = guarded.Truncated
	outcome.Ref = guarded.Ref
	switch {
	case guarded.Ref != "":
		r.metrics.RecordOutputProtection("offload")
	case guarded.Truncated:
		r.metrics.RecordOutputProtection("truncate")
	}
}

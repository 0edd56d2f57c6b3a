package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// How a request was resolved. Stored in PermissionRequest.GrantedBy and used
// as the "via" label of permission metrics.
const (
	ResolvedByAuto       = "auto"
	ResolvedByUser       = "user"
	ResolvedByBatch      = "batch"
	ResolvedByRemembered = "remembered"
	ResolvedByPolicy     = "policy"
	ResolvedByCascade    = "cascade"
)

// PermissionPolicy decides which calls run without asking.
type PermissionPolicy struct {
	// AutoApprove maps an owner id to its auto-approve ceiling.
	AutoApprove map[string]models.PermissionType `yaml:"auto_approve" json:"auto_approve"`

	// Default is the ceiling for owners not listed in AutoApprove. Empty
	// means nothing is auto-approved.
	Default models.PermissionType `yaml:"default" json:"default"`

	// Deny holds glob patterns matched against the tool name and against
	// "owner/name". Matching calls are denied without asking.
	Deny []string `yaml:"deny" json:"deny"`
}

// Ceiling returns the auto-approve ceiling for owner.
func (p PermissionPolicy) Ceiling(owner string) (models.PermissionType, bool) {
	if ceiling, ok := p.AutoApprove[owner]; ok && ceiling != "" {
		return ceiling, true
	}
	if p.Default != "" {
		return p.Default, true
	}
	return "", false
}

// AutoApproves reports whether owner's ceiling satisfies required.
func (p PermissionPolicy) AutoApproves(owner string, required models.PermissionType) bool {
	ceiling, ok := p.Ceiling(owner)
	return ok && ceiling.Satisfies(required)
}

func (p PermissionPolicy) denies(owner, tool string) bool {
	qualified := owner + "/" + tool
	for _, pattern := range p.Deny {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if ok, _ := doublestar.Match(pattern, tool); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, qualified); ok {
			return true
		}
	}
	return false
}

// CallVerdict is the permission state of one tool call in a batch.
type CallVerdict string

const (
	VerdictGranted CallVerdict = "granted"
	VerdictPending CallVerdict = "pending"
	VerdictDenied  CallVerdict = "denied"
)

// PermissionCheck is one call submitted to a batch pre-check.
type PermissionCheck struct {
	Call     models.ToolCall
	Required []models.PermissionType
}

// PermissionGateConfig configures a PermissionGate.
type PermissionGateConfig struct {
	SessionID string
	Policy    PermissionPolicy
	Emitter   *EventEmitter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// PermissionGate holds the permission state of one session: the requests of
// the current batch and the grants remembered for the session's lifetime.
//
// A batch goes through PreCheck, which auto-grants what the policy allows and
// announces every remaining request at once. Respond resolves requests one
// decision at a time; a grant can resolve siblings of the same call, and a
// denial denies the whole call.
type PermissionGate struct {
	mu         sync.Mutex
	sessionID  string
	policy     PermissionPolicy
	remembered map[string]map[models.PermissionType]bool
	requests   []*models.PermissionRequest
	waiters    map[*models.PermissionRequest]chan struct{}

	emitter *EventEmitter
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewPermissionGate creates a gate for one session.
func NewPermissionGate(cfg PermissionGateConfig) *PermissionGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = NewEventEmitter(cfg.SessionID, nil)
	}
	return &PermissionGate{
		sessionID:  cfg.SessionID,
		policy:     cfg.Policy,
		remembered: make(map[string]map[models.PermissionType]bool),
		waiters:    make(map[*models.PermissionRequest]chan struct{}),
		emitter:    emitter,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "permission_gate", "session_id", cfg.SessionID),
		now:        time.Now,
	}
}

// PreCheck replaces the current batch with requests for every call and
// returns one verdict per call, in input order. Requests the policy or a
// remembered grant satisfies are granted silently; the remaining ones are
// announced together with tool.permission.required before anything runs.
func (g *PermissionGate) PreCheck(ctx context.Context, turnID string, checks []PermissionCheck) []CallVerdict {
	g.mu.Lock()
	g.requests = nil
	var announce []models.PermissionRequest
	var denied []models.PermissionRequest

	for _, check := range checks {
		call := check.Call
		policyDenied := g.policy.denies(call.OwnerID, call.Name)
		for _, required := range uniquePermissions(check.Required) {
			req := g.newRequest(turnID, call, required)
			switch {
			case policyDenied:
				g.resolve(req, models.PermissionDenied, ResolvedByPolicy)
				denied = append(denied, *req)
			case g.policy.AutoApproves(call.OwnerID, required):
				g.resolve(req, models.PermissionGranted, ResolvedByAuto)
			case g.isRemembered(call.OwnerID, required):
				g.resolve(req, models.PermissionGranted, ResolvedByRemembered)
			default:
				announce = append(announce, *req)
			}
			g.requests = append(g.requests, req)
		}
	}

	verdicts := make([]CallVerdict, len(checks))
	for i, check := range checks {
		verdicts[i] = g.verdictLocked(check.Call.ID)
	}
	g.mu.Unlock()

	for _, req := range denied {
		g.emitter.Permission(ctx, req)
	}
	for _, req := range announce {
		g.emitter.Permission(ctx, req)
	}
	if len(announce) > 0 {
		g.logger.Debug("permission required", "turn_id", turnID, "requests", len(announce))
	}
	return verdicts
}

// Respond applies an external decision. The request is addressed by tool
// call id and permission type; an empty type addresses every pending request
// of the call. It returns every request the decision resolved, including
// propagated ones.
func (g *PermissionGate) Respond(ctx context.Context, d models.Decision) ([]models.PermissionRequest, error) {
	g.mu.Lock()
	var targets []*models.PermissionRequest
	for _, req := range g.requests {
		if req.Status != models.PermissionPending || req.ToolCallID != d.ToolCallID {
			continue
		}
		if d.PermissionType != "" && req.PermissionType != d.PermissionType {
			continue
		}
		targets = append(targets, req)
	}
	if len(targets) == 0 {
		g.mu.Unlock()
		return nil, ErrPermissionNotFound
	}

	var resolved []*models.PermissionRequest
	if d.Granted {
		for _, req := range targets {
			req.Remember = d.Remember
			g.resolve(req, models.PermissionGranted, ResolvedByUser)
			resolved = append(resolved, req)
			if d.Remember {
				g.rememberLocked(req.OwnerID, req.PermissionType)
			}
		}
		resolved = append(resolved, g.propagateLocked(targets)...)
	} else {
		for _, req := range targets {
			g.resolve(req, models.PermissionDenied, ResolvedByUser)
			resolved = append(resolved, req)
		}
		resolved = append(resolved, g.cascadeDenialLocked(d.ToolCallID)...)
	}

	out := make([]models.PermissionRequest, len(resolved))
	for i, req := range resolved {
		out[i] = *req
		if ch, ok := g.waiters[req]; ok {
			close(ch)
			delete(g.waiters, req)
		}
	}
	g.mu.Unlock()

	for _, req := range out {
		g.emitter.Permission(ctx, req)
	}
	return out, nil
}

// propagateLocked grants pending requests that share owner and tool call id
// with a just-granted request and need no more than it. A remembered grant
// never resolves requests of other calls that are already pending; it
// applies from the next pre-check on.
func (g *PermissionGate) propagateLocked(granted []*models.PermissionRequest) []*models.PermissionRequest {
	var out []*models.PermissionRequest
	for _, req := range g.requests {
		if req.Status != models.PermissionPending {
			continue
		}
		for _, src := range granted {
			if req.OwnerID == src.OwnerID && req.ToolCallID == src.ToolCallID &&
				src.PermissionType.Satisfies(req.PermissionType) {
				g.resolve(req, models.PermissionGranted, ResolvedByBatch)
				out = append(out, req)
				break
			}
		}
	}
	return out
}

// cascadeDenialLocked denies the remaining requests of a call one of whose
// requests was denied.
func (g *PermissionGate) cascadeDenialLocked(toolCallID string) []*models.PermissionRequest {
	var out []*models.PermissionRequest
	for _, req := range g.requests {
		if req.ToolCallID == toolCallID && req.Status == models.PermissionPending {
			g.resolve(req, models.PermissionDenied, ResolvedByCascade)
			out = append(out, req)
		}
	}
	return out
}

// Request asks for one permission outside a batch and blocks until it is
// resolved or ctx ends. External agents that ask mid-turn use it.
func (g *PermissionGate) Request(ctx context.Context, turnID string, call models.ToolCall, required models.PermissionType) (bool, error) {
	g.mu.Lock()
	req := g.newRequest(turnID, call, required)
	switch {
	case g.policy.denies(call.OwnerID, call.Name):
		g.resolve(req, models.PermissionDenied, ResolvedByPolicy)
		g.mu.Unlock()
		g.emitter.Permission(ctx, *req)
		return false, nil
	case g.policy.AutoApproves(call.OwnerID, required):
		g.resolve(req, models.PermissionGranted, ResolvedByAuto)
		g.mu.Unlock()
		return true, nil
	case g.isRemembered(call.OwnerID, required):
		g.resolve(req, models.PermissionGranted, ResolvedByRemembered)
		g.mu.Unlock()
		return true, nil
	}
	done := make(chan struct{})
	g.requests = append(g.requests, req)
	g.waiters[req] = done
	snapshot := *req
	g.mu.Unlock()

	g.emitter.Permission(ctx, snapshot)

	select {
	case <-done:
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.waiters, req)
		g.removeLocked(req)
		g.mu.Unlock()
		return false, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(req)
	return req.Status == models.PermissionGranted, nil
}

// Evaluate reports what Request would do for call without recording
// anything: granted or denied without asking, or pending.
func (g *PermissionGate) Evaluate(call models.ToolCall, required models.PermissionType) CallVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.policy.denies(call.OwnerID, call.Name):
		return VerdictDenied
	case g.policy.AutoApproves(call.OwnerID, required), g.isRemembered(call.OwnerID, required):
		return VerdictGranted
	}
	return VerdictPending
}

// Verdict returns the permission state of one call in the current batch. A
// call with no requests is granted.
func (g *PermissionGate) Verdict(toolCallID string) CallVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verdictLocked(toolCallID)
}

func (g *PermissionGate) verdictLocked(toolCallID string) CallVerdict {
	verdict := VerdictGranted
	for _, req := range g.requests {
		if req.ToolCallID != toolCallID {
			continue
		}
		switch req.Status {
		case models.PermissionDenied:
			return VerdictDenied
		case models.PermissionPending:
			verdict = VerdictPending
		}
	}
	return verdict
}

// Settled reports whether no request of the current batch is pending.
func (g *PermissionGate) Settled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.requests {
		if req.Status == models.PermissionPending {
			return false
		}
	}
	return true
}

// Pending returns the unresolved requests in creation order.
func (g *PermissionGate) Pending() []models.PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.PermissionRequest
	for _, req := range g.requests {
		if req.Status == models.PermissionPending {
			out = append(out, *req)
		}
	}
	return out
}

// Snapshot returns every request of the current batch for persistence.
func (g *PermissionGate) Snapshot() []models.PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.PermissionRequest, len(g.requests))
	for i, req := range g.requests {
		out[i] = *req
	}
	return out
}

// Restore replaces the current batch with persisted requests. Remembered
// grants recorded on granted requests are restored with them.
func (g *PermissionGate) Restore(reqs []models.PermissionRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = make([]*models.PermissionRequest, len(reqs))
	for i := range reqs {
		req := reqs[i]
		g.requests[i] = &req
		if req.Status == models.PermissionGranted && req.Remember {
			g.rememberLocked(req.OwnerID, req.PermissionType)
		}
	}
}

// Announce re-emits tool.permission.required for every pending request.
// Used after a paused turn is restored.
func (g *PermissionGate) Announce(ctx context.Context) {
	for _, req := range g.Pending() {
		g.emitter.Permission(ctx, req)
	}
}

// Reset drops the current batch. Blocked Request callers see their context
// end instead; remembered grants survive.
func (g *PermissionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = nil
}

// Remembered reports whether a remembered grant covers owner and required.
func (g *PermissionGate) Remembered(owner string, required models.PermissionType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isRemembered(owner, required)
}

func (g *PermissionGate) isRemembered(owner string, required models.PermissionType) bool {
	for granted := range g.remembered[owner] {
		if granted.Satisfies(required) {
			return true
		}
	}
	return false
}

func (g *PermissionGate) rememberLocked(owner string, ptype models.PermissionType) {
	if g.remembered[owner] == nil {
		g.remembered[owner] = make(map[models.PermissionType]bool)
	}
	g.remembered[owner][ptype] = true
}

func (g *PermissionGate) newRequest(turnID string, call models.ToolCall, required models.PermissionType) *models.PermissionRequest {
	return &models.PermissionRequest{
		ID:             uuid.NewString(),
		SessionID:      g.sessionID,
		TurnID:         turnID,
		ToolCallID:     call.ID,
		ToolName:       call.Name,
		OwnerID:        call.OwnerID,
		PermissionType: required,
		Status:         models.PermissionPending,
		Title:          permissionTitle(call, required),
		CreatedAt:      g.now(),
	}
}

func (g *PermissionGate) resolve(req *models.PermissionRequest, status models.PermissionStatus, via string) {
	req.Status = status
	req.GrantedBy = via
	req.DecidedAt = g.now()
	g.metrics.RecordPermission(string(req.PermissionType), string(status), via)
}

func (g *PermissionGate) removeLocked(target *models.PermissionRequest) {
	for i, req := range g.requests {
		if req == target {
			g.requests = append(g.requests[:i], g.requests[i+1:]...)
			return
		}
	}
}

func permissionTitle(call models.ToolCall, required models.PermissionType) string {
	if call.OwnerID != "" && call.OwnerID != BuiltinOwner {
		return string(required) + " access for " + call.OwnerID + "/" + call.Name
	}
	return string(required) + " access for " + call.Name
}

func uniquePermissions(perms []models.PermissionType) []models.PermissionType {
	seen := make(map[models.PermissionType]bool, len(perms))
	out := make([]models.PermissionType, 0, len(perms))
	for _, p := range perms {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

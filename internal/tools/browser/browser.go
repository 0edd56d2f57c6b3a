// Package browser provides the browser_fetch builtin, which renders a page
// in a headless Chrome and returns its text.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/net/ssrf"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrURLNotAllowed marks a URL outside the allowed schemes or hosts.
var ErrURLNotAllowed = errors.New("url not allowed")

// URLError is a rejected fetch target. The tool router reports it as a
// security error.
type URLError struct {
	URL string
	Err error
}

func (e *URLError) Error() string { return fmt.Sprintf("%s: %v", e.URL, e.Err) }
func (e *URLError) Unwrap() error { return e.Err }
func (e *URLError) SecurityViolation() bool { return true }

// RenderRequest describes one page load.
type RenderRequest struct {
	URL      string
	Selector string
	HTML     bool
	Wait     time.Duration
}

// Page is a rendered page.
type Page struct {
	URL     string
	Title   string
	Status  int
	Content string
}

// Renderer loads pages. Pool is the production implementation.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*Page, error)
}

// Render loads req.URL in a fresh tab and extracts the selected element's
// text or HTML.
func (p *Pool) Render(ctx context.Context, req RenderRequest) (*Page, error) {
	tab, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(tab)

	runCtx, cancel := context.WithTimeout(tab.ctx, p.config.Timeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	var (
		mu     sync.Mutex
		status int
	)
	chromedp.ListenTarget(runCtx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			mu.Lock()
			if status == 0 {
				status = int(e.Response.Status)
			}
			mu.Unlock()
		}
	})

	selector := req.Selector
	if selector == "" {
		selector = "body"
	}
	page := &Page{}
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(selector, chromedp.ByQuery),
	}
	if req.Wait > 0 {
		actions = append(actions, chromedp.Sleep(req.Wait))
	}
	actions = append(actions, chromedp.Title(&page.Title), chromedp.Location(&page.URL))
	if req.HTML {
		actions = append(actions, chromedp.OuterHTML(selector, &page.Content, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Text(selector, &page.Content, chromedp.ByQuery))
	}

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("render %s: %w", req.URL, err)
	}
	mu.Lock()
	page.Status = status
	mu.Unlock()
	return page, nil
}

// FetchConfig configures browser_fetch.
type FetchConfig struct {
	// AllowedHosts are path.Match patterns over the URL host; empty allows
	// every public host.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts,omitempty"`

	// AllowPrivateNetworks permits loopback, private and link-local
	// targets. Hosts matched by AllowedHosts are always permitted.
	AllowPrivateNetworks bool `yaml:"allow_private_networks" json:"allow_private_networks,omitempty"`

	// MaxWait caps the wait_ms argument. Default: 10s
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait,omitempty"`

	// Lookup resolves hosts for the private network check.
	Lookup ssrf.LookupFunc `yaml:"-" json:"-"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

type fetchInput struct {
	URL      string `json:"url" jsonschema:"description=Absolute http or https URL to load."`
	Selector string `json:"selector,omitempty" jsonschema:"description=CSS selector to extract (default: body)."`
	Format   string `json:"format,omitempty" jsonschema:"enum=text,enum=html,description=Return visible text (default) or HTML."`
	WaitMS   int    `json:"wait_ms,omitempty" jsonschema:"description=Extra milliseconds to wait after the page is ready."`
}

// FetchTool renders a page and returns its text.
type FetchTool struct {
	renderer Renderer
	config   FetchConfig
	logger   *slog.Logger
}

// NewFetchTool creates browser_fetch over r.
func NewFetchTool(r Renderer, cfg FetchConfig) *FetchTool {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchTool{renderer: r, config: cfg, logger: logger.With("tool", "browser_fetch")}
}

// NewSource exposes browser_fetch as a builtin tool source.
func NewSource(r Renderer, cfg FetchConfig) *agent.BuiltinSource {
	return agent.NewBuiltinSource(NewFetchTool(r, cfg))
}

func (t *FetchTool) Name() string { return "browser_fetch" }

func (t *FetchTool) Description() string {
	return "Load a web page in a headless browser, run its scripts, and return the rendered text or HTML of the page or of one element."
}

var reflector = jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

func (t *FetchTool) Schema() json.RawMessage {
	schema := reflector.Reflect(&fetchInput{})
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *FetchTool) Permissions() []models.PermissionType {
	return []models.PermissionType{models.PermissionRead}
}

func (t *FetchTool) ReadOnly() bool { return true }

func (t *FetchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input fetchInput
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.checkURL(ctx, input.URL); err != nil {
		var sv interface{ SecurityViolation() bool }
		if !errors.As(err, &sv) {
			return errorResult(err.Error()), nil
		}
		t.logger.Warn("rejected fetch target", "url", input.URL, "error", err)
		return nil, err
	}
	format := strings.ToLower(input.Format)
	if format != "" && format != "text" && format != "html" {
		return errorResult(fmt.Sprintf("unknown format %q", input.Format)), nil
	}
	wait := min(time.Duration(max(input.WaitMS, 0))*time.Millisecond, t.config.MaxWait)

	page, err := t.renderer.Render(ctx, RenderRequest{
		URL:      input.URL,
		Selector: input.Selector,
		HTML:     format == "html",
		Wait:     wait,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(err.Error()), nil
	}

	var b strings.Builder
	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
	}
	fmt.Fprintf(&b, "URL: %s\n", page.URL)
	if page.Status != 0 {
		fmt.Fprintf(&b, "Status: %d\n", page.Status)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(page.Content))
	return &agent.ToolResult{Content: b.String(), IsError: page.Status >= 400}, nil
}

func (t *FetchTool) checkURL(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &URLError{URL: raw, Err: fmt.Errorf("%w: url is required", ErrURLNotAllowed)}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &URLError{URL: raw, Err: fmt.Errorf("%w: %v", ErrURLNotAllowed, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &URLError{URL: raw, Err: fmt.Errorf("%w: scheme %q", ErrURLNotAllowed, u.Scheme)}
	}
	if u.Hostname() == "" {
		return &URLError{URL: raw, Err: fmt.Errorf("%w: missing host", ErrURLNotAllowed)}
	}
	host := strings.ToLower(u.Hostname())
	if len(t.config.AllowedHosts) > 0 {
		for _, pattern := range t.config.AllowedHosts {
			if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
				return nil
			}
		}
		return &URLError{URL: raw, Err: fmt.Errorf("%w: host %s", ErrURLNotAllowed, host)}
	}
	if t.config.AllowPrivateNetworks {
		return nil
	}
	guard := ssrf.Guard{Lookup: t.config.Lookup}
	if err := guard.Check(ctx, host); err != nil {
		if errors.Is(err, ssrf.ErrBlocked) {
			return &URLError{URL: raw, Err: fmt.Errorf("%w: %w", ErrURLNotAllowed, err)}
		}
		return err
	}
	return nil
}

func errorResult(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: message, IsError: true}
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool is closed")

// PoolConfig configures the shared browser.
type PoolConfig struct {
	// MaxTabs bounds concurrent page loads. Default: 4
	MaxTabs int `yaml:"max_tabs" json:"max_tabs,omitempty"`

	// Timeout bounds one page load. Default: 30s
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// Visible launches a windowed browser instead of a headless one.
	Visible bool `yaml:"visible" json:"visible,omitempty"`

	// ExecPath overrides the Chrome binary lookup.
	ExecPath string `yaml:"exec_path" json:"exec_path,omitempty"`

	// RemoteURL attaches to a running browser's DevTools endpoint instead
	// of launching one.
	RemoteURL string `yaml:"remote_url" json:"remote_url,omitempty"`

	ViewportWidth  int    `yaml:"viewport_width" json:"viewport_width,omitempty"`
	ViewportHeight int    `yaml:"viewport_height" json:"viewport_height,omitempty"`
	UserAgent      string `yaml:"user_agent" json:"user_agent,omitempty"`
}

// Pool shares one browser process across tabs. The browser starts on the
// first Acquire.
type Pool struct {
	config PoolConfig
	slots  chan struct{}
	tabs   atomic.Int64

	mu            sync.Mutex
	closed        bool
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// Tab is one page context leased from the pool.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	ID     string
}

// NewPool creates a pool without starting the browser.
func NewPool(config PoolConfig) *Pool {
	if config.MaxTabs <= 0 {
		config.MaxTabs = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ViewportWidth == 0 {
		config.ViewportWidth = 1280
	}
	if config.ViewportHeight == 0 {
		config.ViewportHeight = 800
	}
	return &Pool{
		config: config,
		slots:  make(chan struct{}, config.MaxTabs),
	}
}

// Acquire opens a new tab, waiting for a free slot.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	browserCtx, err := p.browser()
	if err != nil {
		<-p.slots
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	return &Tab{
		ctx:    tabCtx,
		cancel: cancel,
		ID:     fmt.Sprintf("tab-%d", p.tabs.Add(1)),
	}, nil
}

// Release closes the tab and frees its slot.
func (p *Pool) Release(tab *Tab) {
	if tab == nil {
		return
	}
	tab.cancel()
	<-p.slots
}

// Close stops the browser. Tabs still leased fail their next action.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.browserCancel != nil {
		p.browserCancel()
		p.allocCancel()
		p.browserCtx = nil
	}
	return nil
}

// Stats reports pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxTabs:  p.config.MaxTabs,
		InUse:    len(p.slots),
		Running:  p.browserCtx != nil,
		IsClosed: p.closed,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxTabs  int
	InUse    int
	Running  bool
	IsClosed bool
}

// browser returns the root browser context, launching or attaching on
// first use.
func (p *Pool) browser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.browserCtx != nil {
		if p.browserCtx.Err() == nil {
			return p.browserCtx, nil
		}
		p.browserCancel()
		p.allocCancel()
	}

	var allocCtx context.Context
	if p.config.RemoteURL != "" {
		allocCtx, p.allocCancel = chromedp.NewRemoteAllocator(context.Background(), p.config.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", !p.config.Visible),
			chromedp.WindowSize(p.config.ViewportWidth, p.config.ViewportHeight),
		)
		if p.config.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(p.config.ExecPath))
		}
		if p.config.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(p.config.UserAgent))
		}
		allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	// The first Run allocates the browser and binds it to browserCtx, so it
	// must not carry a deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		p.allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	p.browserCtx, p.browserCancel = browserCtx, cancel
	return browserCtx, nil
}

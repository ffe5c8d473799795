// Package browser owns the Browser Worker: a single pool slot that
// manages at most one live headless-browser session at a time and
// self-refreshes it blue-green before the provider's hard session-age
// cap.
//
// The rendering engine itself is kept behind a narrow Backend
// interface so the worker's state machine and refresh logic are
// testable without a real browser. The production implementation is
// built on chromedp/cdproto, grounded on the pack's browser-pool
// reference: one allocator context per session, a fresh tab context
// per use, and CDP's ClearBrowserCookies/ClearBrowserCache for reset.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Backend launches, probes, and closes opaque browser sessions. A
// worker never reaches into session internals — it only ever holds
// the session id the backend handed back.
type Backend interface {
	// Launch starts a new session and returns its id.
	Launch(ctx context.Context) (sessionID string, err error)
	// Probe performs a connect-and-version health check against an
	// existing session.
	Probe(ctx context.Context, sessionID string) error
	// Close tears down a session and releases its provider slot.
	Close(ctx context.Context, sessionID string) error
	// NewPage opens a fresh page in the given session, ready for an
	// operation to harden and navigate it.
	NewPage(ctx context.Context, sessionID string) (Page, error)
}

// Page is the minimal surface per-operation execution functions need
// against a freshly opened tab.
type Page interface {
	// Context returns the chromedp-runnable context for this page.
	Context() context.Context
	// Close releases the page (but not the underlying session).
	Close() error
}

type chromeSession struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	createdAt   time.Time
}

// ChromeDPBackend is the production Backend, one headless Chrome
// process per session via chromedp's exec allocator.
type ChromeDPBackend struct {
	headless bool
	proxyURL string

	mu       sync.Mutex
	sessions map[string]*chromeSession
	counter  uint64
}

func NewChromeDPBackend(headless bool, proxyURL string) *ChromeDPBackend {
	return &ChromeDPBackend{
		headless: headless,
		proxyURL: proxyURL,
		sessions: make(map[string]*chromeSession),
	}
}

func (b *ChromeDPBackend) execOpts() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1920, 1080),
	)
	if b.proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(b.proxyURL))
	}
	return opts
}

func (b *ChromeDPBackend) Launch(ctx context.Context) (string, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.execOpts()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return "", fmt.Errorf("browser: launch session: %w", err)
	}

	b.mu.Lock()
	b.counter++
	id := fmt.Sprintf("browser-%d-%d", time.Now().UnixNano(), b.counter)
	b.sessions[id] = &chromeSession{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		createdAt:   time.Now(),
	}
	b.mu.Unlock()

	return id, nil
}

func (b *ChromeDPBackend) Probe(ctx context.Context, sessionID string) error {
	sess, ok := b.session(sessionID)
	if !ok {
		return fmt.Errorf("browser: probe: unknown session %q", sessionID)
	}
	probeCtx, cancel := context.WithTimeout(sess.tabCtx, 5*time.Second)
	defer cancel()

	var title string
	if err := chromedp.Run(probeCtx, chromedp.Title(&title)); err != nil {
		return fmt.Errorf("browser: probe failed: %w", err)
	}
	return nil
}

func (b *ChromeDPBackend) Close(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sess.tabCancel()
	sess.allocCancel()
	return nil
}

func (b *ChromeDPBackend) NewPage(ctx context.Context, sessionID string) (Page, error) {
	sess, ok := b.session(sessionID)
	if !ok {
		return nil, fmt.Errorf("browser: new page: unknown session %q", sessionID)
	}

	_ = chromedp.Run(sess.tabCtx, network.ClearBrowserCookies(), network.ClearBrowserCache())

	tabCtx, tabCancel := chromedp.NewContext(sess.allocCtx)
	return &chromePage{ctx: tabCtx, cancel: tabCancel}, nil
}

func (b *ChromeDPBackend) session(id string) (*chromeSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[id]
	return sess, ok
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromePage) Context() context.Context { return p.ctx }
func (p *chromePage) Close() error             { p.cancel(); return nil }

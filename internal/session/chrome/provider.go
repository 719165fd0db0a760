package chrome

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"agentstation/internal/behavior"
	"agentstation/internal/domain"
	"agentstation/internal/session"
	"agentstation/internal/stealth"
)

// Selectors locate the chat widgets on the hosted page. They are deployment
// data; a provider has no opinion about which product it is driving.
type Selectors struct {
	Input             string
	SendButton        string
	MessageAnchor     string
	ThinkingIndicator string
}

type Config struct {
	UserDataDir  string
	Headless     bool
	RoleURLs     map[string]string
	Selectors    Selectors
	PollInterval time.Duration
	StableReads  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 750 * time.Millisecond
	}
	if c.StableReads <= 0 {
		c.StableReads = 2
	}
	return c
}

// Provider drives real browser tabs over the DevTools protocol, one tab per
// role session.
type Provider struct {
	cfg      Config
	logger   *log.Logger
	injector *stealth.Injector

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu     sync.Mutex
	nextID int
	tabs   map[session.Handle]*tab
}

type tab struct {
	ctx      context.Context
	cancel   context.CancelFunc
	role     domain.Role
	baseline int
}

func NewProvider(ctx context.Context, cfg Config, logger *log.Logger) (*Provider, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	return &Provider{
		cfg:         cfg,
		logger:      logger,
		injector:    stealth.New(logger),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabs:        make(map[session.Handle]*tab),
	}, nil
}

func (p *Provider) Close() {
	p.mu.Lock()
	for _, t := range p.tabs {
		t.cancel()
	}
	p.tabs = make(map[session.Handle]*tab)
	p.mu.Unlock()
	p.allocCancel()
}

func (p *Provider) Create(ctx context.Context, role domain.Role) (session.Handle, error) {
	url, ok := p.cfg.RoleURLs[string(role)]
	if !ok {
		return "", fmt.Errorf("no page url configured for role %s", role)
	}

	tabCtx, tabCancel := chromedp.NewContext(p.allocCtx)
	// the masking script must be registered before the first navigation so the
	// page never observes an unmasked document, even transiently
	if err := chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.Script).Do(ctx)
			return err
		}),
		chromedp.Navigate(url),
		chromedp.WaitVisible(p.cfg.Selectors.Input, chromedp.ByQuery),
	); err != nil {
		tabCancel()
		return "", fmt.Errorf("open page for %s: %w", role, err)
	}

	t := &tab{ctx: tabCtx, cancel: tabCancel, role: role}
	// a page that already holds a conversation starts with its message
	// history as the baseline, so old replies are never read as new ones
	if count, err := p.anchorCount(t); err == nil && count > 0 {
		t.baseline = count
		p.logger.Printf("chrome: resuming existing conversation for %s (%d messages)", role, count)
	}

	p.mu.Lock()
	p.nextID++
	h := session.Handle(fmt.Sprintf("tab-%s-%d", role, p.nextID))
	p.tabs[h] = t
	p.mu.Unlock()

	p.logger.Printf("chrome: opened %s for %s", h, role)
	return h, nil
}

func (p *Provider) Destroy(ctx context.Context, h session.Handle) error {
	p.mu.Lock()
	t, ok := p.tabs[h]
	if ok {
		delete(p.tabs, h)
	}
	p.mu.Unlock()
	if !ok {
		return session.ErrNoSession
	}
	t.cancel()
	return nil
}

// SendInput replays the planned primitives against the tab and records the
// message count afterward, so ReadOutput can detect the next reply as growth
// past that baseline.
func (p *Provider) SendInput(ctx context.Context, h session.Handle, prims []behavior.Primitive) error {
	t, err := p.lookup(h)
	if err != nil {
		return err
	}

	for _, prim := range prims {
		if err := p.play(ctx, t, prim); err != nil {
			return fmt.Errorf("play %s: %w", prim.Kind, err)
		}
	}

	count, err := p.anchorCount(t)
	if err != nil {
		return err
	}
	p.mu.Lock()
	t.baseline = count
	p.mu.Unlock()
	return nil
}

func (p *Provider) play(ctx context.Context, t *tab, prim behavior.Primitive) error {
	if prim.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(prim.Delay):
		}
	}

	switch prim.Kind {
	case behavior.PrimitiveWait:
		return nil
	case behavior.PrimitiveMove:
		return chromedp.Run(t.ctx,
			input.DispatchMouseEvent(input.MouseMoved, prim.To.X, prim.To.Y),
		)
	case behavior.PrimitiveClick:
		return chromedp.Run(t.ctx,
			chromedp.MouseClickXY(prim.To.X, prim.To.Y),
		)
	case behavior.PrimitiveScroll:
		return chromedp.Run(t.ctx,
			input.DispatchMouseEvent(input.MouseWheel, prim.To.X, prim.To.Y).
				WithDeltaY(prim.DeltaY),
		)
	case behavior.PrimitiveType:
		return p.playKeys(t, prim.Text)
	case behavior.PrimitiveSubmit:
		return p.playSubmit(t)
	default:
		return fmt.Errorf("unknown primitive kind %q", prim.Kind)
	}
}

// playKeys types text into the focused element. Newlines inside a message are
// Shift+Enter keystrokes; a bare Enter would hand the half-typed message to
// the page.
func (p *Provider) playKeys(t *tab, text string) error {
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			if err := chromedp.Run(t.ctx, chromedp.KeyEvent(text[:i])); err != nil {
				return err
			}
		}
		if err := chromedp.Run(t.ctx,
			chromedp.KeyEvent("\r", chromedp.KeyModifiers(input.ModifierShift)),
		); err != nil {
			return err
		}
		text = text[i+1:]
	}
	if text == "" {
		return nil
	}
	return chromedp.Run(t.ctx, chromedp.KeyEvent(text))
}

// playSubmit delivers the typed message. The behavioral plan only carries the
// approximate coordinates the pointer drifted toward; the live send control's
// center is resolved from the configured selector. Pages without a usable
// send button fall back to Enter.
func (p *Provider) playSubmit(t *tab) error {
	if p.cfg.Selectors.SendButton != "" {
		expr := fmt.Sprintf(
			"(() => { const el = document.querySelector(%q); if (!el) return []; const r = el.getBoundingClientRect(); return [r.left + r.width/2, r.top + r.height/2]; })()",
			p.cfg.Selectors.SendButton,
		)
		var center []float64
		if err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, &center)); err == nil && len(center) == 2 {
			return chromedp.Run(t.ctx, chromedp.MouseClickXY(center[0], center[1]))
		}
		p.logger.Printf("chrome: send button %q not found, submitting with Enter", p.cfg.Selectors.SendButton)
	}
	return chromedp.Run(t.ctx, chromedp.KeyEvent("\r"))
}

// ReadOutput waits for a reply newer than the send baseline, then for its text
// to stop growing across consecutive polls, then returns it.
func (p *Provider) ReadOutput(ctx context.Context, h session.Handle, timeout time.Duration) (string, error) {
	t, err := p.lookup(h)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	stable := 0
	lastLen := -1

	for {
		if time.Now().After(deadline) {
			return "", session.ErrNoReply
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}

		count, err := p.anchorCount(t)
		if err != nil {
			return "", err
		}
		if count <= t.baseline {
			continue
		}
		if thinking, err := p.isThinking(t); err == nil && thinking {
			stable = 0
			continue
		}

		text, err := p.lastMessage(t)
		if err != nil {
			return "", err
		}
		if len(text) == lastLen {
			stable++
		} else {
			stable = 0
			lastLen = len(text)
		}
		if stable >= p.cfg.StableReads && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
	}
}

// ApplyStealth verifies the masking on the live document. Create already
// registered the script for every navigation; this pass patches and checks
// the marker on the page as it stands now.
func (p *Provider) ApplyStealth(ctx context.Context, h session.Handle) error {
	t, err := p.lookup(h)
	if err != nil {
		return err
	}
	return p.injector.Apply(ctx, tabEvaluator{t})
}

type tabEvaluator struct {
	t *tab
}

func (e tabEvaluator) Evaluate(ctx context.Context, script string) error {
	return chromedp.Run(e.t.ctx, chromedp.Evaluate(script, nil))
}

func (e tabEvaluator) EvaluateBool(ctx context.Context, expr string) (bool, error) {
	var out bool
	err := chromedp.Run(e.t.ctx, chromedp.Evaluate(expr, &out))
	return out, err
}

func (p *Provider) anchorCount(t *tab) (int, error) {
	var count int
	expr := fmt.Sprintf("document.querySelectorAll(%q).length", p.cfg.Selectors.MessageAnchor)
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, &count)); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (p *Provider) isThinking(t *tab) (bool, error) {
	if p.cfg.Selectors.ThinkingIndicator == "" {
		return false, nil
	}
	var visible bool
	expr := fmt.Sprintf("document.querySelector(%q) !== null", p.cfg.Selectors.ThinkingIndicator)
	err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, &visible))
	return visible, err
}

func (p *Provider) lastMessage(t *tab) (string, error) {
	var text string
	expr := fmt.Sprintf(
		"(() => { const m = document.querySelectorAll(%q); return m.length ? m[m.length-1].innerText : ''; })()",
		p.cfg.Selectors.MessageAnchor,
	)
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, &text)); err != nil {
		return "", fmt.Errorf("read last message: %w", err)
	}
	return text, nil
}

func (p *Provider) lookup(h session.Handle) (*tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tabs[h]
	if !ok {
		return nil, session.ErrNoSession
	}
	return t, nil
}

package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/GoCodeAlone/conductor/tool"
)

const maxPageText = 2000

// Browser owns a lazily launched Chromium instance with one page per agent.
type Browser struct {
	mu       sync.Mutex
	browser  *rod.Browser
	headless bool
	pages    map[string]*rod.Page
}

// NewBrowser creates a Browser. Chromium is not started until first use.
func NewBrowser(headless bool) *Browser {
	return &Browser{headless: headless, pages: make(map[string]*rod.Page)}
}

// must be called with b.mu held
func (b *Browser) ensure() error {
	if b.browser != nil {
		return nil
	}
	u, err := launcher.New().Headless(b.headless).Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	br := rod.New().ControlURL(u)
	if err := br.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	b.browser = br
	return nil
}

// Page returns the page owned by agentID, creating it if needed.
func (b *Browser) Page(agentID string) (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pages[agentID]; ok {
		return p, nil
	}
	if err := b.ensure(); err != nil {
		return nil, err
	}
	p, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	b.pages[agentID] = p
	return p, nil
}

// Release closes the page owned by agentID.
func (b *Browser) Release(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pages[agentID]; ok {
		_ = p.Close()
		delete(b.pages, agentID)
	}
}

// Close shuts down every page and the browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pages {
		_ = p.Close()
		delete(b.pages, id)
	}
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

// BrowserNavigate loads a URL in the calling agent's page and returns its
// title and a text excerpt.
type BrowserNavigate struct {
	Browser *Browser
}

func (t *BrowserNavigate) Name() string        { return "browser_navigate" }
func (t *BrowserNavigate) Capability() string  { return "browser" }
func (t *BrowserNavigate) Description() string { return "Navigate a browser to a URL and return page title and text" }
func (t *BrowserNavigate) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "minLength": 1, "description": "URL to navigate to"},
		},
		"required": []any{"url"},
	}
}

func (t *BrowserNavigate) Execute(ctx context.Context, args map[string]any) (any, error) {
	target, _ := args["url"].(string)
	agentID, ok := tool.AgentIDFromContext(ctx)
	if !ok {
		agentID = "default"
	}
	page, err := t.Browser.Page(agentID)
	if err != nil {
		return nil, fmt.Errorf("get browser page: %w", err)
	}
	page = page.Context(ctx)

	if err := page.Navigate(target); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", target, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	// A page that never fires load still has usable content.
	_ = page.Context(waitCtx).WaitLoad()

	title := ""
	if res, err := page.Eval(`() => document.title`); err == nil && res != nil {
		title = res.Value.String()
	}
	text := ""
	if res, err := page.Eval(`() => document.body ? document.body.innerText : ""`); err == nil && res != nil {
		text = res.Value.String()
	}
	if len(text) > maxPageText {
		text = text[:maxPageText]
	}
	return map[string]any{"url": target, "title": title, "text": text}, nil
}

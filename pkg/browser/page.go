// Package browser drives the tracker from a real page through the Chrome
// DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"visitor-tracker/pkg/config"
	"visitor-tracker/pkg/localstore"
)

// Page exposes the storage, cookies and identity of a rod page. It
// implements localstore.KeyValueStore over window.localStorage and
// snapshot.CookieSource over document.cookie.
type Page struct {
	page *rod.Page
}

func NewPage(page *rod.Page) *Page {
	return &Page{page: page}
}

func (p *Page) Rod() *rod.Page {
	return p.page
}

func (p *Page) Get(ctx context.Context, key string) (string, error) {
	res, err := p.page.Context(ctx).Eval(`k => localStorage.getItem(k)`, key)
	if err != nil {
		return "", fmt.Errorf("browser: localStorage.getItem(%q): %w", key, err)
	}
	if res.Value.Nil() {
		return "", localstore.ErrNotFound
	}
	return res.Value.Str(), nil
}

func (p *Page) Set(ctx context.Context, key, value string) error {
	if _, err := p.page.Context(ctx).Eval(`(k, v) => localStorage.setItem(k, v)`, key, value); err != nil {
		return fmt.Errorf("browser: localStorage.setItem(%q): %w", key, err)
	}
	return nil
}

func (p *Page) Remove(ctx context.Context, key string) error {
	if _, err := p.page.Context(ctx).Eval(`k => localStorage.removeItem(k)`, key); err != nil {
		return fmt.Errorf("browser: localStorage.removeItem(%q): %w", key, err)
	}
	return nil
}

func (p *Page) Keys(ctx context.Context) ([]string, error) {
	res, err := p.page.Context(ctx).Eval(`() => Object.keys(localStorage)`)
	if err != nil {
		return nil, fmt.Errorf("browser: list localStorage: %w", err)
	}
	arr := res.Value.Arr()
	keys := make([]string, 0, len(arr))
	for _, v := range arr {
		keys = append(keys, v.Str())
	}
	return keys, nil
}

func (p *Page) CookieString(ctx context.Context) (string, error) {
	return p.evalString(ctx, `() => document.cookie`)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	return p.evalString(ctx, `() => location.href`)
}

func (p *Page) UserAgent(ctx context.Context) (string, error) {
	return p.evalString(ctx, `() => navigator.userAgent`)
}

func (p *Page) evalString(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("browser: eval %s: %w", js, err)
	}
	return res.Value.Str(), nil
}

// Connect launches a local Chrome, or attaches to cfg.Remote when set.
func Connect(cfg config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	wsURL := cfg.Remote
	if wsURL == "" {
		u, err := launcher.New().Headless(cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		logger.Info("browser: launched local chrome", "url", wsURL, "headless", cfg.Headless)
	} else {
		logger.Info("browser: connecting to remote", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

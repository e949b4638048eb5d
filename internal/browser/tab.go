package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// Tab is the single gallery tab a session drives.
type Tab struct {
	Page    *rod.Page
	PageURL string
	Mode    Mode

	hijack *rod.HijackRouter
	mgr    *Manager
}

// OpenTab creates a stealth tab, applies resource blocking and navigates to
// pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, PageURL: pageURL, Mode: mgr.cfg.Mode, mgr: mgr}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.hijack = applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return t, nil
}

const downloadJS = `(url, name) => {
	const a = document.createElement('a');
	a.href = url;
	a.download = name;
	a.rel = 'noopener';
	a.style.display = 'none';
	document.body.appendChild(a);
	a.click();
	a.remove();
}`

// SaveURL starts a browser-side download of url into the manager's
// download directory. Cross-origin URLs may ignore name.
func (t *Tab) SaveURL(ctx context.Context, url, name string) error {
	if _, err := t.Page.Context(ctx).Eval(downloadJS, url, name); err != nil {
		return fmt.Errorf("browser: download %s: %w", url, err)
	}
	return nil
}

// Close stops request interception and closes the tab.
func (t *Tab) Close() error {
	if t.hijack != nil {
		t.hijack.Stop()
		t.hijack = nil
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}

package page

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
)

// RodDocument is a Document over a live Chrome tab. Scanned anchors are
// held in a page-side array so keys stay valid while the DOM churns.
type RodDocument struct {
	page *rod.Page
}

// NewRodDocument wraps p.
func NewRodDocument(p *rod.Page) *RodDocument {
	return &RodDocument{page: p}
}

const scanJS = `(sel, markAttr) => {
	const els = Array.from(document.querySelectorAll(sel));
	window.__savewatch_scan = els;
	return els.map((a, i) => {
		const img = a.querySelector('img');
		return {
			key: String(i),
			href: a.getAttribute('href') || '',
			has_img: !!img,
			img_src: img ? (img.src || '') : '',
			mark: a.getAttribute(markAttr) || '',
		};
	});
}`

const applyJS = `(marks, markAttr, badgeAttr, stateAttr) => {
	const scan = window.__savewatch_scan || [];
	let n = 0;
	for (const m of marks) {
		const a = scan[Number(m.key)];
		if (!a || !a.isConnected || a.hasAttribute(markAttr)) continue;
		a.setAttribute(markAttr, m.id);
		a.style.position = 'relative';
		const b = document.createElement('div');
		b.setAttribute(badgeAttr, 'true');
		b.setAttribute(stateAttr, m.state);
		b.textContent = m.state === 'saved' ? 'SAVED' : 'SAVE';
		Object.assign(b.style, {
			position: 'absolute', top: '5px', left: '5px', zIndex: '10',
			padding: '2px 6px', borderRadius: '4px', fontSize: '12px',
			fontWeight: 'bold', color: 'white', userSelect: 'none',
			background: m.state === 'saved' ? '#2e7d32' : '#1482e9',
			cursor: m.state === 'saved' ? 'default' : 'pointer',
		});
		a.appendChild(b);
		n++;
	}
	return n;
}`

const setStateJS = `(id, state, markAttr, badgeAttr, stateAttr) => {
	let n = 0;
	document.querySelectorAll('[' + markAttr + ']').forEach(a => {
		if (a.getAttribute(markAttr) !== id) return;
		const b = a.querySelector('[' + badgeAttr + ']');
		if (!b) return;
		b.setAttribute(stateAttr, state);
		b.textContent = state === 'saved' ? 'SAVED' : 'SAVE';
		b.style.cursor = state === 'saved' ? 'default' : 'pointer';
		b.style.background = state === 'saved' ? '#2e7d32' : '#1482e9';
		n++;
	});
	return n;
}`

const resetJS = `(markAttr, badgeAttr) => {
	const els = document.querySelectorAll('[' + markAttr + ']');
	els.forEach(a => {
		a.removeAttribute(markAttr);
		a.querySelectorAll('[' + badgeAttr + ']').forEach(b => b.remove());
	});
	window.__savewatch_scan = [];
	return els.length;
}`

func (d *RodDocument) URL(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("page: url: %w", err)
	}
	return res.Value.Str(), nil
}

func (d *RodDocument) Hrefs(ctx context.Context, selector string) ([]string, error) {
	res, err := d.page.Context(ctx).Eval(`(sel) => Array.from(document.querySelectorAll(sel)).map(a => a.getAttribute('href') || '')`, selector)
	if err != nil {
		return nil, fmt.Errorf("page: hrefs: %w", err)
	}
	var out []string
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &out); err != nil {
		return nil, fmt.Errorf("page: decode hrefs: %w", err)
	}
	return out, nil
}

func (d *RodDocument) Anchors(ctx context.Context) ([]Anchor, error) {
	res, err := d.page.Context(ctx).Eval(scanJS, AnchorSelector, MarkAttr)
	if err != nil {
		return nil, fmt.Errorf("page: scan anchors: %w", err)
	}
	var out []Anchor
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &out); err != nil {
		return nil, fmt.Errorf("page: decode anchors: %w", err)
	}
	return out, nil
}

func (d *RodDocument) ApplyMarks(ctx context.Context, marks []Mark) (int, error) {
	if len(marks) == 0 {
		return 0, nil
	}
	res, err := d.page.Context(ctx).Eval(applyJS, marks, MarkAttr, BadgeAttr, StateAttr)
	if err != nil {
		return 0, fmt.Errorf("page: apply marks: %w", err)
	}
	return res.Value.Int(), nil
}

func (d *RodDocument) SetState(ctx context.Context, id string, st State) (int, error) {
	res, err := d.page.Context(ctx).Eval(setStateJS, id, string(st), MarkAttr, BadgeAttr, StateAttr)
	if err != nil {
		return 0, fmt.Errorf("page: set state %s: %w", id, err)
	}
	return res.Value.Int(), nil
}

func (d *RodDocument) ResetMarks(ctx context.Context) (int, error) {
	res, err := d.page.Context(ctx).Eval(resetJS, MarkAttr, BadgeAttr)
	if err != nil {
		return 0, fmt.Errorf("page: reset marks: %w", err)
	}
	return res.Value.Int(), nil
}
